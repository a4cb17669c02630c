// Package scanner walks a project tree and yields the candidate files for
// indexing. Excluded directories are pruned without descending into them, so
// a node_modules tree is never walked.
package scanner

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/yourorg/codectx/internal/logging"
)

// Entry describes one candidate file found during a scan. RelPath uses
// forward slashes regardless of platform.
type Entry struct {
	RelPath string
	AbsPath string
	Size    int64
	Mtime   time.Time
}

// Skipped records an entry that could not be read. The scan continues; one
// bad file must not block indexing the rest.
type Skipped struct {
	Path string
	Err  error
}

// Scanner applies an extension allow-list and exclude patterns while walking.
type Scanner struct {
	logger      *logging.Logger
	allowedExts map[string]struct{}
	excludes    []gitignore.Pattern
	excludeSegs map[string]struct{}

	mu         sync.Mutex
	gitignores map[string]gitignore.Matcher // per project root, nil entry = no .gitignore
}

// New builds a Scanner from the configured extension allow-list and exclude
// patterns. Extensions match case-insensitively; exclude patterns match any
// path segment (gitignore semantics).
func New(textExtensions, excludePatterns []string, logger *logging.Logger) *Scanner {
	allowed := make(map[string]struct{}, len(textExtensions))
	for _, e := range textExtensions {
		allowed[strings.ToLower(e)] = struct{}{}
	}
	var pats []gitignore.Pattern
	segs := make(map[string]struct{}, len(excludePatterns))
	for _, p := range excludePatterns {
		if p == "" {
			continue
		}
		pats = append(pats, gitignore.ParsePattern(p, nil))
		segs[p] = struct{}{}
	}
	return &Scanner{
		logger:      logger,
		allowedExts: allowed,
		excludes:    pats,
		excludeSegs: segs,
		gitignores:  make(map[string]gitignore.Matcher),
	}
}

// Scan walks root and returns every allowed file with its metadata, plus the
// entries skipped for access errors. Restartable and finite; symbolic links
// are not followed.
func (s *Scanner) Scan(root string) ([]Entry, []Skipped, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, nil, err
	}
	s.ensureGitignoreLoaded(root)

	var entries []Entry
	var skipped []Skipped
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("scan: skipping unreadable entry",
				logging.String("path", path),
				logging.Error(err),
			)
			skipped = append(skipped, Skipped{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && s.shouldSkip(root, rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if s.shouldSkip(root, rel, false) {
			return nil
		}
		if !s.isAllowedExt(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			s.logger.Warn("scan: stat failed",
				logging.String("path", path),
				logging.Error(infoErr),
			)
			skipped = append(skipped, Skipped{Path: rel, Err: infoErr})
			return nil
		}
		entries = append(entries, Entry{
			RelPath: rel,
			AbsPath: path,
			Size:    info.Size(),
			Mtime:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	return entries, skipped, nil
}

func (s *Scanner) isAllowedExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := s.allowedExts[ext]
	return ok
}

// ShouldSkip reports whether a relative path is excluded by the project's
// .gitignore or the configured exclude patterns.
func (s *Scanner) ShouldSkip(root, relPath string, isDir bool) bool {
	s.ensureGitignoreLoaded(root)
	return s.shouldSkip(root, relPath, isDir)
}

// AllowedExt reports whether a path passes the extension allow-list.
func (s *Scanner) AllowedExt(path string) bool { return s.isAllowedExt(path) }

func (s *Scanner) shouldSkip(root, relPath string, isDir bool) bool {
	parts := strings.Split(relPath, "/")

	s.mu.Lock()
	matcher := s.gitignores[root]
	s.mu.Unlock()
	if matcher != nil && matcher.Match(parts, isDir) {
		return true
	}

	for _, p := range parts {
		if _, ok := s.excludeSegs[p]; ok {
			return true
		}
	}
	if len(s.excludes) > 0 {
		if gitignore.NewMatcher(s.excludes).Match(parts, isDir) {
			return true
		}
	}
	return false
}

func (s *Scanner) ensureGitignoreLoaded(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gitignores[root]; ok {
		return
	}

	s.gitignores[root] = nil
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var patterns []gitignore.Pattern
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if len(patterns) > 0 {
		s.gitignores[root] = gitignore.NewMatcher(patterns)
	}
}
