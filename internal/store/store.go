// Package store persists, per project, the mapping from file path to its
// last successfully uploaded state. It owns delta computation and the atomic
// commit discipline: a fingerprint is written only after the owning upload
// batch was acknowledged.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/scanner"
)

// ErrStore marks local state read/write failures. These are fatal to the
// whole indexing pass, unlike per-file errors.
var ErrStore = errors.New("state store")

// FileRecord is the stored state of one indexed file. Fingerprint always
// reflects the last acknowledged blob set, never a speculative one.
type FileRecord struct {
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	BlobIDs     []string  `json:"blob_ids"`
	Size        int64     `json:"size"`
	Mtime       int64     `json:"mtime"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// FileCandidate is an added or modified file staged for upload, content in
// hand so the pipeline never re-reads it.
type FileCandidate struct {
	Path        string
	AbsPath     string
	Fingerprint string
	Size        int64
	Mtime       time.Time
	Data        []byte
}

// Delta is the outcome of comparing a fresh scan against stored records.
// Unchanged files appear nowhere in it.
type Delta struct {
	Added    []FileCandidate
	Modified []FileCandidate
	Removed  []string
	Skipped  []scanner.Skipped
}

// Empty reports whether the delta would generate zero network traffic.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// FailedFile is a file whose upload permanently failed on the last pass. Its
// stored fingerprint was never updated, so it resurfaces as modified on the
// next scan.
type FailedFile struct {
	Path  string    `json:"path"`
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

// ProjectInfo summarizes one project's persisted state.
type ProjectInfo struct {
	ID     string `json:"id"`
	Root   string `json:"root"`
	Files  int    `json:"files"`
	Failed int    `json:"failed"`
}

type projectState struct {
	Root   string                `json:"root"`
	Files  map[string]FileRecord `json:"files"`
	Failed map[string]FailedFile `json:"failed,omitempty"`
}

// Store keeps one state file per project under dir. All writes for a project
// are serialized by a per-project lock and land via temp-file-then-rename.
type Store struct {
	dir    string
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dataDir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStore, err)
	}
	return &Store{
		dir:    dataDir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// NormalizeRoot converts a project root to the canonical absolute
// forward-slash form used as project identity.
func NormalizeRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.ToSlash(root)
	}
	return filepath.ToSlash(abs)
}

// ProjectID derives a stable identifier from the normalized root path.
func ProjectID(root string) string {
	sum := sha256.Sum256([]byte(NormalizeRoot(root)))
	return hex.EncodeToString(sum[:16])
}

// Fingerprint hashes content bytes plus size. Timestamps deliberately do not
// participate, so touch-without-edit never looks like a change.
func Fingerprint(data []byte) string {
	h := sha256.New()
	h.Write(data)
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(data)))
	h.Write(sz[:])
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) projectLock(root string) *sync.Mutex {
	key := NormalizeRoot(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) statePath(root string) string {
	return filepath.Join(s.dir, ProjectID(root)+".json")
}

func (s *Store) read(root string) (*projectState, error) {
	st := &projectState{
		Root:   NormalizeRoot(root),
		Files:  make(map[string]FileRecord),
		Failed: make(map[string]FailedFile),
	}
	data, err := os.ReadFile(s.statePath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStore, s.statePath(root), err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStore, s.statePath(root), err)
	}
	if st.Files == nil {
		st.Files = make(map[string]FileRecord)
	}
	if st.Failed == nil {
		st.Failed = make(map[string]FailedFile)
	}
	return st, nil
}

// write lands the state atomically: a crash mid-write never leaves a torn
// state file.
func (s *Store) write(root string, st *projectState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStore, err)
	}
	path := s.statePath(root)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStore, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrStore, path, err)
	}
	return nil
}

// Load returns the stored records for a project, empty when none exist yet.
func (s *Store) Load(root string) (map[string]FileRecord, error) {
	l := s.projectLock(root)
	l.Lock()
	defer l.Unlock()
	st, err := s.read(root)
	if err != nil {
		return nil, err
	}
	return st.Files, nil
}

// ComputeDelta compares a fresh scan against stored records. Files whose
// stored size and mtime both match are trusted unchanged without re-hashing;
// everything else is read and fingerprinted. Unreadable files are skipped
// with a warning.
func (s *Store) ComputeDelta(root string, entries []scanner.Entry, records map[string]FileRecord) Delta {
	var d Delta
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		seen[e.RelPath] = struct{}{}
		rec, known := records[e.RelPath]
		if known && rec.Size == e.Size && rec.Mtime == e.Mtime.Unix() {
			continue
		}
		data, err := os.ReadFile(e.AbsPath)
		if err != nil {
			s.logger.Warn("delta: read failed, skipping file",
				logging.String("file", e.RelPath),
				logging.Error(err),
			)
			d.Skipped = append(d.Skipped, scanner.Skipped{Path: e.RelPath, Err: err})
			continue
		}
		fp := Fingerprint(data)
		if known && fp == rec.Fingerprint {
			// touched but not edited
			continue
		}
		cand := FileCandidate{
			Path:        e.RelPath,
			AbsPath:     e.AbsPath,
			Fingerprint: fp,
			Size:        e.Size,
			Mtime:       e.Mtime,
			Data:        data,
		}
		if known {
			d.Modified = append(d.Modified, cand)
		} else {
			d.Added = append(d.Added, cand)
		}
	}

	for path := range records {
		if _, ok := seen[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}
	return d
}

// CommitFiles merges acknowledged records into the project state. Called once
// per succeeded batch; serialized per project.
func (s *Store) CommitFiles(root string, records []FileRecord) error {
	if len(records) == 0 {
		return nil
	}
	l := s.projectLock(root)
	l.Lock()
	defer l.Unlock()
	st, err := s.read(root)
	if err != nil {
		return err
	}
	for _, r := range records {
		st.Files[r.Path] = r
		delete(st.Failed, r.Path)
	}
	return s.write(root, st)
}

// RemoveFiles drops records after the remote acknowledged their deletion.
// Local and remote state move together or not at all.
func (s *Store) RemoveFiles(root string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	l := s.projectLock(root)
	l.Lock()
	defer l.Unlock()
	st, err := s.read(root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		delete(st.Files, p)
		delete(st.Failed, p)
	}
	return s.write(root, st)
}

// RecordFailures persists the files whose upload permanently failed this
// pass. Their fingerprints stay stale on purpose.
func (s *Store) RecordFailures(root string, failed map[string]string) error {
	if len(failed) == 0 {
		return nil
	}
	l := s.projectLock(root)
	l.Lock()
	defer l.Unlock()
	st, err := s.read(root)
	if err != nil {
		return err
	}
	now := time.Now()
	for path, msg := range failed {
		st.Failed[path] = FailedFile{Path: path, Error: msg, Time: now}
	}
	return s.write(root, st)
}

// FailedFiles returns the persisted failure ledger for a project.
func (s *Store) FailedFiles(root string) ([]FailedFile, error) {
	l := s.projectLock(root)
	l.Lock()
	defer l.Unlock()
	st, err := s.read(root)
	if err != nil {
		return nil, err
	}
	out := make([]FailedFile, 0, len(st.Failed))
	for _, f := range st.Failed {
		out = append(out, f)
	}
	return out, nil
}

// ListProjects enumerates every persisted project state under the data dir.
func (s *Store) ListProjects() ([]ProjectInfo, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStore, s.dir, err)
	}
	var out []ProjectInfo
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var st projectState
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Warn("skipping unreadable state file", logging.String("file", name), logging.Error(err))
			continue
		}
		out = append(out, ProjectInfo{
			ID:     strings.TrimSuffix(name, ".json"),
			Root:   st.Root,
			Files:  len(st.Files),
			Failed: len(st.Failed),
		})
	}
	return out, nil
}
