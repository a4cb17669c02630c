// Package pipeline turns an index delta into acknowledged remote state. It
// owns batching, the bounded-concurrency dispatch, the retry/backoff policy,
// and the rule that a file's fingerprint is committed only after its owning
// batch is acknowledged.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/codectx/internal/chunker"
	"github.com/yourorg/codectx/internal/config"
	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/remote"
	"github.com/yourorg/codectx/internal/store"
)

// Uploader is the slice of the remote client the pipeline needs.
type Uploader interface {
	Upload(ctx context.Context, projectID string, blobs []chunker.Blob) error
	Remove(ctx context.Context, projectID string, paths []string) error
}

// StateCommitter is the slice of the state store the pipeline needs.
type StateCommitter interface {
	CommitFiles(root string, records []store.FileRecord) error
	RemoveFiles(root string, paths []string) error
	RecordFailures(root string, failed map[string]string) error
}

// Backoff maps a zero-based attempt index to the delay before the next try.
type Backoff func(attempt int) time.Duration

// Exponential doubles the base delay per attempt, capped.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base << uint(attempt)
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}

// Linear grows the base delay arithmetically per attempt, capped.
func Linear(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base * time.Duration(attempt+1)
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}

// Options carry the per-run tunables, taken from one config snapshot.
type Options struct {
	BatchSize     int
	MaxLines      int
	MaxConcurrent int
	MaxRetries    int
	Backoff       Backoff
}

// OptionsFromConfig builds Options from a validated config snapshot,
// selecting the configured backoff policy.
func OptionsFromConfig(cfg *config.Config) Options {
	backoff := Exponential(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	if cfg.RetryBackoff == config.BackoffLinear {
		backoff = Linear(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	return Options{
		BatchSize:     cfg.BatchSize,
		MaxLines:      cfg.MaxLinesPerBlob,
		MaxConcurrent: cfg.MaxConcurrentUploads,
		MaxRetries:    cfg.MaxRetries,
		Backoff:       backoff,
	}
}

// FileFailure reports one file that could not be indexed this pass.
type FileFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the pass-level report. Failures are aggregated here, never
// thrown; files listed in Failed keep their stale fingerprints and resurface
// as modified on the next scan.
type Result struct {
	UploadedBlobs  int
	CommittedFiles []string
	RemovedFiles   []string
	Failed         []FileFailure
	Skipped        []FileFailure
	Canceled       bool
}

// Pipeline dispatches batches for one project at a time.
type Pipeline struct {
	client Uploader
	state  StateCommitter
	logger *logging.Logger
	opts   Options
}

func New(client Uploader, state StateCommitter, logger *logging.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = Exponential(time.Second, 30*time.Second)
	}
	return &Pipeline{client: client, state: state, logger: logger, opts: opts}
}

// fileState tracks how many in-flight batches still carry blobs of one file.
type fileState struct {
	record  store.FileRecord
	pending int
	failed  bool
}

// batch is the transient unit of network transfer and retry.
type batch struct {
	seq   int
	blobs []chunker.Blob
	files []*fileState
}

type deleteBatch struct {
	seq   int
	paths []string
}

// Apply pushes a delta to the remote index and reconciles acknowledgments
// into the state store. Per-file and per-batch failures land in the Result;
// only state-store failures or context cancellation mid-commit return an
// error.
func (p *Pipeline) Apply(ctx context.Context, root string, delta store.Delta) (*Result, error) {
	res := &Result{}
	for _, sk := range delta.Skipped {
		res.Skipped = append(res.Skipped, FileFailure{Path: sk.Path, Reason: sk.Err.Error()})
	}
	if delta.Empty() {
		return res, nil
	}

	projectID := store.ProjectID(root)
	var mu sync.Mutex // guards res and fileState transitions

	batches, empties := p.stage(delta, res)

	// Files that chunked to nothing (empty files) have no batch to wait
	// for; commit them directly.
	if len(empties) > 0 {
		if err := p.state.CommitFiles(root, empties); err != nil {
			return res, err
		}
		for _, r := range empties {
			res.CommittedFiles = append(res.CommittedFiles, r.Path)
		}
	}

	deletes := p.stageDeletes(delta.Removed, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.opts.MaxConcurrent)

	submit := func(run func(context.Context) error) bool {
		select {
		case <-gctx.Done():
			return false
		case sem <- struct{}{}:
		}
		g.Go(func() error {
			defer func() { <-sem }()
			return run(gctx)
		})
		return true
	}

	canceled := false
	for _, b := range batches {
		b := b
		if !submit(func(c context.Context) error { return p.runBatch(c, root, projectID, b, res, &mu) }) {
			canceled = true
			break
		}
	}
	if !canceled {
		for _, d := range deletes {
			d := d
			if !submit(func(c context.Context) error { return p.runDeleteBatch(c, root, projectID, d, res, &mu) }) {
				canceled = true
				break
			}
		}
	}

	err := g.Wait()
	if canceled || errors.Is(ctx.Err(), context.Canceled) {
		res.Canceled = true
	}

	failed := make(map[string]string, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Path] = f.Reason
	}
	if ferr := p.state.RecordFailures(root, failed); ferr != nil && err == nil {
		err = ferr
	}
	return res, err
}

// stage chunks the changed files and groups their blobs into batches,
// keeping each file's blobs in order and adjacent where possible.
func (p *Pipeline) stage(delta store.Delta, res *Result) ([]*batch, []store.FileRecord) {
	var batches []*batch
	var empties []store.FileRecord
	cur := &batch{seq: 0}
	seq := 0

	appendFile := func(cand store.FileCandidate) {
		blobs, err := chunker.ChunkBytes(cand.Path, cand.Data, p.opts.MaxLines)
		if err != nil {
			p.logger.Warn("chunk: skipping file",
				logging.String("file", cand.Path),
				logging.Error(err),
			)
			res.Skipped = append(res.Skipped, FileFailure{Path: cand.Path, Reason: err.Error()})
			return
		}
		rec := store.FileRecord{
			Path:        cand.Path,
			Fingerprint: cand.Fingerprint,
			Size:        cand.Size,
			Mtime:       cand.Mtime.Unix(),
			IndexedAt:   time.Now(),
		}
		for _, b := range blobs {
			rec.BlobIDs = append(rec.BlobIDs, b.ID)
		}
		if len(blobs) == 0 {
			empties = append(empties, rec)
			return
		}

		fs := &fileState{record: rec}
		inCurrent := false
		for _, b := range blobs {
			if len(cur.blobs) == p.opts.BatchSize {
				batches = append(batches, cur)
				seq++
				cur = &batch{seq: seq}
				inCurrent = false
			}
			cur.blobs = append(cur.blobs, b)
			if !inCurrent {
				cur.files = append(cur.files, fs)
				fs.pending++
				inCurrent = true
			}
		}
	}

	for _, c := range delta.Added {
		appendFile(c)
	}
	for _, c := range delta.Modified {
		appendFile(c)
	}
	if len(cur.blobs) > 0 {
		batches = append(batches, cur)
	}
	return batches, empties
}

func (p *Pipeline) stageDeletes(removed []string, seqBase int) []*deleteBatch {
	var out []*deleteBatch
	for i := 0; i < len(removed); i += p.opts.BatchSize {
		end := i + p.opts.BatchSize
		if end > len(removed) {
			end = len(removed)
		}
		out = append(out, &deleteBatch{seq: seqBase + len(out), paths: removed[i:end]})
	}
	return out
}

// runBatch uploads one batch with independent retry, then commits the files
// it completed. Returns an error only for state-store failures, which abort
// the whole pass.
func (p *Pipeline) runBatch(ctx context.Context, root, projectID string, b *batch, res *Result, mu *sync.Mutex) error {
	err := p.attempt(ctx, b.seq, func(c context.Context) error {
		return p.client.Upload(c, projectID, b.blobs)
	})

	mu.Lock()
	if err != nil {
		for _, fs := range b.files {
			if !fs.failed {
				fs.failed = true
				res.Failed = append(res.Failed, FileFailure{Path: fs.record.Path, Reason: err.Error()})
			}
		}
		mu.Unlock()
		p.logger.Warn("batch upload failed permanently",
			logging.Int("batch", b.seq),
			logging.Int("blobs", len(b.blobs)),
			logging.Error(err),
		)
		return nil
	}

	res.UploadedBlobs += len(b.blobs)
	var done []store.FileRecord
	for _, fs := range b.files {
		fs.pending--
		if fs.pending == 0 && !fs.failed {
			done = append(done, fs.record)
		}
	}
	mu.Unlock()

	if len(done) == 0 {
		return nil
	}
	if err := p.state.CommitFiles(root, done); err != nil {
		return err
	}
	mu.Lock()
	for _, r := range done {
		res.CommittedFiles = append(res.CommittedFiles, r.Path)
	}
	mu.Unlock()
	return nil
}

// runDeleteBatch mirrors runBatch for removed files: local records are
// dropped only after the remote acknowledged the deletion.
func (p *Pipeline) runDeleteBatch(ctx context.Context, root, projectID string, d *deleteBatch, res *Result, mu *sync.Mutex) error {
	err := p.attempt(ctx, d.seq, func(c context.Context) error {
		return p.client.Remove(c, projectID, d.paths)
	})
	if err != nil {
		mu.Lock()
		for _, path := range d.paths {
			res.Failed = append(res.Failed, FileFailure{Path: path, Reason: err.Error()})
		}
		mu.Unlock()
		return nil
	}
	if err := p.state.RemoveFiles(root, d.paths); err != nil {
		return err
	}
	mu.Lock()
	res.RemovedFiles = append(res.RemovedFiles, d.paths...)
	mu.Unlock()
	return nil
}

// attempt runs fn up to MaxRetries times. Retryable failures wait out the
// backoff between tries; fatal failures return immediately without consuming
// retry budget.
func (p *Pipeline) attempt(ctx context.Context, seq int, fn func(context.Context) error) error {
	var lastErr error
	for i := 0; i < p.opts.MaxRetries; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !remote.IsRetryable(err) {
			return err
		}
		if i == p.opts.MaxRetries-1 {
			break
		}
		delay := p.opts.Backoff(i)
		p.logger.Warn("retryable batch failure, backing off",
			logging.Int("batch", seq),
			logging.Int("attempt", i+1),
			logging.String("delay", delay.String()),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
