// Package server exposes the daemon's HTTP management endpoints: health,
// status, project listing, failure ledgers, operation logs, and counters.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/yourorg/codectx/internal/indexer"
	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/state"
	"github.com/yourorg/codectx/internal/version"
)

const authHeader = "X-Codectx-Token"

type Server struct {
	httpSrv *http.Server
	idx     *indexer.Service
	st      *state.State
	logger  *logging.Logger
	token   string
}

func New(addr string, idx *indexer.Service, st *state.State, token string, logger *logging.Logger) *Server {
	s := &Server{idx: idx, st: st, logger: logger, token: token}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/projects", s.withAuth(s.handleProjects))
	mux.HandleFunc("/failed", s.withAuth(s.handleFailed))
	mux.HandleFunc("/logs", s.withAuth(s.handleLogs))
	mux.HandleFunc("/metrics", s.withAuth(s.handleMetrics))

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", logging.String("addr", s.httpSrv.Addr))
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", logging.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// withAuth enforces the management token when one is configured. Without a
// token the endpoints stay open, matching the loopback-only default bind.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := r.Header.Get(authHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.st.Status(),
		"uptime": s.st.Uptime().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.idx.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.st.Status(),
		"uptime":  s.st.Uptime().String(),
		"version": version.Get(),
		"config": map[string]any{
			"base_url":               cfg.BaseURL,
			"token":                  logging.MaskToken(cfg.Token),
			"batch_size":             cfg.BatchSize,
			"max_lines_per_blob":     cfg.MaxLinesPerBlob,
			"max_concurrent_uploads": cfg.MaxConcurrentUploads,
			"max_retries":            cfg.MaxRetries,
			"retry_backoff":          cfg.RetryBackoff,
		},
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.idx.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("project")
	if root == "" {
		writeError(w, http.StatusBadRequest, "project query parameter is required")
		return
	}
	failed, err := s.idx.FailedFiles(root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": root, "failed": failed})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if after := r.URL.Query().Get("after"); after != "" {
		id, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer log id")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": s.idx.LogsSince(id)})
		return
	}
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.idx.RecentLogs(n)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.idx.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
