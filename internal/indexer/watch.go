package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yourorg/codectx/internal/logging"
)

// debounceDelay batches bursts of filesystem events (editor saves, git
// checkouts) into one incremental pass.
const debounceDelay = 600 * time.Millisecond

type watchState struct {
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// StartWatching installs a recursive fsnotify watcher for a project so
// changes are re-indexed in the background between queries. Idempotent.
func (s *Service) StartWatching(root string) {
	s.watchMu.Lock()
	if _, ok := s.watchers[root]; ok {
		s.watchMu.Unlock()
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchMu.Unlock()
		s.logger.Error("failed to create watcher",
			logging.String("project", root),
			logging.Error(err),
		)
		return
	}
	ws := &watchState{watcher: w}
	s.watchers[root] = ws
	s.watchMu.Unlock()

	watched := s.addDirs(w, root, root)
	s.logger.Info("file watcher started",
		logging.String("project", root),
		logging.Int("watched_dirs", watched),
	)
	s.opLog.Infof(OpWatch, root, "watching %d directories", watched)

	go s.watchLoop(root, ws)
}

// addDirs walks dir and registers every non-excluded directory.
func (s *Service) addDirs(w *fsnotify.Watcher, root, dir string) int {
	rt := s.rt.Load()
	added := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil {
			rel = filepath.ToSlash(rel)
			if rel != "." && rt.scanner.ShouldSkip(root, rel, true) {
				return fs.SkipDir
			}
		}
		if addErr := w.Add(path); addErr == nil {
			added++
		}
		return nil
	})
	return added
}

func (s *Service) watchLoop(root string, ws *watchState) {
	for {
		select {
		case ev, ok := <-ws.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			rt := s.rt.Load()
			if rel != "." && rt.scanner.ShouldSkip(root, rel, false) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					s.addDirs(ws.watcher, root, ev.Name)
				}
			}
			s.scheduleReindex(root, ws)
		case err, ok := <-ws.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", logging.String("project", root), logging.Error(err))
		}
	}
}

// scheduleReindex (re)arms the debounce timer; when it fires, an incremental
// pass picks up whatever actually changed.
func (s *Service) scheduleReindex(root string, ws *watchState) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if ws.timer != nil {
		ws.timer.Stop()
	}
	ws.timer = time.AfterFunc(debounceDelay, func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if _, err := s.indexPass(context.Background(), root); err != nil {
			s.logger.Warn("background index pass failed",
				logging.String("project", root),
				logging.Error(err),
			)
		}
	})
}

// StopWatching tears down a project's watcher.
func (s *Service) StopWatching(root string) {
	s.watchMu.Lock()
	ws := s.watchers[root]
	delete(s.watchers, root)
	if ws != nil && ws.timer != nil {
		ws.timer.Stop()
	}
	s.watchMu.Unlock()
	if ws != nil {
		_ = ws.watcher.Close()
	}
}

// StopAll tears down every watcher. Called on daemon shutdown.
func (s *Service) StopAll() {
	s.watchMu.Lock()
	roots := make([]string, 0, len(s.watchers))
	for root := range s.watchers {
		roots = append(roots, root)
	}
	s.watchMu.Unlock()
	for _, root := range roots {
		s.StopWatching(root)
	}
}
