// Package indexer orchestrates a query: scan the project, compute the delta,
// push it through the upload pipeline, then forward the search to the remote
// index and format the hits.
package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourorg/codectx/internal/config"
	"github.com/yourorg/codectx/internal/format"
	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/pipeline"
	"github.com/yourorg/codectx/internal/remote"
	"github.com/yourorg/codectx/internal/scanner"
	"github.com/yourorg/codectx/internal/store"
)

// Inbound argument bounds.
const (
	maxPathLength  = 4096
	maxQueryLength = 10000
)

// ValidationError reports bad caller input. Surfaced verbatim; the process
// continues.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// runtime bundles the collaborators derived from one config snapshot. A
// reload swaps the whole bundle; in-flight passes keep the one they grabbed.
type runtime struct {
	cfg     *config.Config
	scanner *scanner.Scanner
	client  *remote.Client
	opts    pipeline.Options
}

func newRuntime(cfg *config.Config, logger *logging.Logger) *runtime {
	return &runtime{
		cfg:     cfg,
		scanner: scanner.New(cfg.TextExtensions, cfg.ExcludePatterns, logger),
		client:  remote.NewClient(cfg.BaseURL, cfg.Token, logger),
		opts:    pipeline.OptionsFromConfig(cfg),
	}
}

// Service manages indexing and search for all projects.
type Service struct {
	logger *logging.Logger
	store  *store.Store
	opLog  *OpLogger
	rt     atomic.Pointer[runtime]

	opMu sync.Mutex // serializes indexing passes

	watchMu  sync.Mutex
	watchers map[string]*watchState

	metricsMu      sync.Mutex
	indexRuns      int
	searchRuns     int
	lastIndexTime  time.Time
	lastSearchTime time.Time
}

func New(cfg *config.Config, st *store.Store, logger *logging.Logger) *Service {
	s := &Service{
		logger:   logger,
		store:    st,
		opLog:    NewOpLogger(500),
		watchers: make(map[string]*watchState),
	}
	s.rt.Store(newRuntime(cfg, logger))
	return s
}

// Config returns the current settings snapshot.
func (s *Service) Config() *config.Config { return s.rt.Load().cfg }

// SwapConfig installs a fresh snapshot. Runs already in flight keep the old
// one.
func (s *Service) SwapConfig(cfg *config.Config) {
	s.rt.Store(newRuntime(cfg, s.logger))
	s.logger.Info("config snapshot swapped",
		logging.String("base_url", cfg.BaseURL),
		logging.String("token", logging.MaskToken(cfg.Token)),
		logging.Int("batch_size", cfg.BatchSize),
	)
}

// IndexResult summarizes one indexing pass.
type IndexResult struct {
	Status         string                 `json:"status"`
	Message        string                 `json:"message"`
	UploadedBlobs  int                    `json:"uploaded_blobs"`
	CommittedFiles int                    `json:"committed_files"`
	RemovedFiles   int                    `json:"removed_files"`
	Failed         []pipeline.FileFailure `json:"failed,omitempty"`
	Skipped        []pipeline.FileFailure `json:"skipped,omitempty"`
}

// SearchResult carries the formatted snippets plus the indexing metadata for
// the pass that preceded the search.
type SearchResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Output  string                 `json:"output,omitempty"`
	Failed  []pipeline.FileFailure `json:"failed_files,omitempty"`
}

func validateRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", validationErrorf("project_root_path is required")
	}
	if len(root) > maxPathLength {
		return "", validationErrorf("project_root_path is too long (max %d characters)", maxPathLength)
	}
	for _, seg := range strings.Split(filepath.ToSlash(root), "/") {
		if seg == ".." {
			return "", validationErrorf("project_root_path must not contain parent-directory segments")
		}
	}
	if !filepath.IsAbs(root) && !isSlashedAbs(root) {
		return "", validationErrorf("project_root_path must be absolute")
	}
	return root, nil
}

// isSlashedAbs accepts Windows-style absolute paths written with forward
// slashes (C:/...), which filepath.IsAbs rejects off-platform.
func isSlashedAbs(path string) bool {
	return len(path) >= 3 && path[1] == ':' && path[2] == '/'
}

func validateQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", validationErrorf("query is required")
	}
	if len(query) > maxQueryLength {
		return "", validationErrorf("query is too long (max %d characters)", maxQueryLength)
	}
	return query, nil
}

// IndexProject runs one incremental indexing pass: scan, delta, upload,
// commit. Per-file failures are reported, not thrown; only a state-store
// failure aborts the pass.
func (s *Service) IndexProject(ctx context.Context, root string) (*IndexResult, error) {
	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	s.metricsMu.Lock()
	s.indexRuns++
	s.lastIndexTime = time.Now()
	s.metricsMu.Unlock()

	normRoot := store.NormalizeRoot(root)
	s.StartWatching(normRoot)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.indexPass(ctx, normRoot)
}

func (s *Service) indexPass(ctx context.Context, normRoot string) (*IndexResult, error) {
	rt := s.rt.Load()
	start := time.Now()

	entries, skipped, err := rt.scanner.Scan(normRoot)
	if err != nil {
		s.opLog.Errorf(OpScan, normRoot, "scan failed: %v", err)
		return nil, err
	}
	s.opLog.Infof(OpScan, normRoot, "scanned %d candidate files (%d unreadable)", len(entries), len(skipped))

	records, err := s.store.Load(normRoot)
	if err != nil {
		s.opLog.Errorf(OpIndex, normRoot, "load state failed: %v", err)
		return nil, err
	}
	delta := s.store.ComputeDelta(normRoot, entries, records)
	delta.Skipped = append(delta.Skipped, skipped...)

	if delta.Empty() && len(delta.Skipped) == 0 {
		s.opLog.Timed(OpIndex, normRoot, "no changes", time.Since(start))
		return &IndexResult{Status: "success", Message: "index up to date"}, nil
	}

	s.opLog.Infof(OpIndex, normRoot, "delta: %d added, %d modified, %d removed",
		len(delta.Added), len(delta.Modified), len(delta.Removed))

	pl := pipeline.New(rt.client, s.store, s.logger, rt.opts)
	res, err := pl.Apply(ctx, normRoot, delta)
	if err != nil {
		s.opLog.Errorf(OpUpload, normRoot, "pipeline failed: %v", err)
		return nil, err
	}

	duration := time.Since(start)
	msg := fmt.Sprintf("indexed %d files (%d blobs, %d removed, %d failed, %d skipped)",
		len(res.CommittedFiles), res.UploadedBlobs, len(res.RemovedFiles), len(res.Failed), len(res.Skipped))
	s.opLog.Timed(OpIndex, normRoot, msg, duration)
	s.logger.Info("index pass completed",
		logging.String("project", normRoot),
		logging.Int("committed_files", len(res.CommittedFiles)),
		logging.Int("uploaded_blobs", res.UploadedBlobs),
		logging.Int("failed_files", len(res.Failed)),
		logging.Int64("duration_ms", duration.Milliseconds()),
	)

	status := "success"
	if len(res.Failed) > 0 {
		status = "partial"
	}
	if res.Canceled {
		status = "canceled"
	}
	return &IndexResult{
		Status:         status,
		Message:        msg,
		UploadedBlobs:  res.UploadedBlobs,
		CommittedFiles: len(res.CommittedFiles),
		RemovedFiles:   len(res.RemovedFiles),
		Failed:         res.Failed,
		Skipped:        res.Skipped,
	}, nil
}

// SearchContext makes sure the project's index reflects the working tree,
// then forwards the query to the remote index and formats the hits. Search
// proceeds with whatever remote state exists even when the preceding pass
// partially failed; the failures ride along as response metadata.
func (s *Service) SearchContext(ctx context.Context, root, query string) (*SearchResult, error) {
	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	query, err = validateQuery(query)
	if err != nil {
		return nil, err
	}

	s.metricsMu.Lock()
	s.searchRuns++
	s.lastSearchTime = time.Now()
	s.metricsMu.Unlock()

	normRoot := store.NormalizeRoot(root)
	s.opLog.Infof(OpSearch, normRoot, "search started: %s", query)
	s.StartWatching(normRoot)

	s.opMu.Lock()
	idxRes, err := s.indexPass(ctx, normRoot)
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	rt := s.rt.Load()
	start := time.Now()
	hits, err := rt.client.Search(ctx, store.ProjectID(normRoot), query)
	if err != nil {
		s.opLog.Errorf(OpSearch, normRoot, "search failed: %v", err)
		return nil, err
	}

	output := format.Snippets(hits)
	s.opLog.Timed(OpSearch, normRoot, fmt.Sprintf("search returned %d hits", len(hits)), time.Since(start))

	msg := "search completed"
	if len(idxRes.Failed) > 0 {
		msg = fmt.Sprintf("search completed; %d files failed to index and will be retried", len(idxRes.Failed))
	}
	return &SearchResult{
		Status:  "success",
		Message: msg,
		Output:  output,
		Failed:  idxRes.Failed,
	}, nil
}

// ListProjects exposes the persisted project summaries.
func (s *Service) ListProjects() ([]store.ProjectInfo, error) {
	return s.store.ListProjects()
}

// FailedFiles exposes a project's failure ledger.
func (s *Service) FailedFiles(root string) ([]store.FailedFile, error) {
	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	return s.store.FailedFiles(store.NormalizeRoot(root))
}

// Metrics returns basic in-memory counters.
func (s *Service) Metrics() map[string]any {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.watchMu.Lock()
	watching := len(s.watchers)
	s.watchMu.Unlock()
	return map[string]any{
		"index_runs":       s.indexRuns,
		"search_runs":      s.searchRuns,
		"last_index_time":  s.lastIndexTime.Format(time.RFC3339),
		"last_search_time": s.lastSearchTime.Format(time.RFC3339),
		"watch_projects":   watching,
	}
}

// RecentLogs returns recent operation logs.
func (s *Service) RecentLogs(n int) []OpLog { return s.opLog.Recent(n) }

// LogsSince returns logs newer than the given ID.
func (s *Service) LogsSince(afterID int64) []OpLog { return s.opLog.Since(afterID) }
