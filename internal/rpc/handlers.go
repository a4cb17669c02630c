package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/yourorg/codectx/internal/indexer"
	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/state"
	"github.com/yourorg/codectx/internal/version"
)

// Application error codes, beyond the JSON-RPC reserved range.
const (
	codeInvalidParams = -32602
	codeInternal      = -32603
	codeValidation    = -32001
	codeOperation     = -32002
)

type searchParams struct {
	ProjectRootPath string `json:"project_root_path"`
	Query           string `json:"query"`
}

type indexParams struct {
	ProjectRootPath string `json:"project_root_path"`
}

// RegisterHandlers wires the daemon's public methods onto the server.
func RegisterHandlers(srv *Server, idx *indexer.Service, st *state.State, logger *logging.Logger) {
	srv.Register("SearchContext", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p searchParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
		}
		res, err := idx.SearchContext(ctx, p.ProjectRootPath, p.Query)
		if err != nil {
			return nil, toRPCError(err)
		}
		return res, nil
	})

	srv.Register("IndexProject", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p indexParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
		}
		res, err := idx.IndexProject(ctx, p.ProjectRootPath)
		if err != nil {
			return nil, toRPCError(err)
		}
		return res, nil
	})

	srv.Register("GetStatus", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		cfg := idx.Config()
		return map[string]any{
			"status":  st.Status(),
			"uptime":  st.Uptime().String(),
			"version": version.Get(),
			"config": map[string]any{
				"base_url":               cfg.BaseURL,
				"token":                  logging.MaskToken(cfg.Token),
				"batch_size":             cfg.BatchSize,
				"max_lines_per_blob":     cfg.MaxLinesPerBlob,
				"max_concurrent_uploads": cfg.MaxConcurrentUploads,
				"max_retries":            cfg.MaxRetries,
			},
			"metrics": idx.Metrics(),
		}, nil
	})

	srv.Register("ReloadConfig", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		next, err := idx.Config().Reload()
		if err != nil {
			logger.Error("config reload failed", logging.Error(err))
			return nil, &Error{Code: codeOperation, Message: "config reload failed: " + err.Error()}
		}
		idx.SwapConfig(next)
		return map[string]any{
			"status":   "success",
			"base_url": next.BaseURL,
			"token":    logging.MaskToken(next.Token),
		}, nil
	})
}

func toRPCError(err error) *Error {
	var verr *indexer.ValidationError
	if errors.As(err, &verr) {
		return &Error{Code: codeValidation, Message: verr.Error()}
	}
	return &Error{Code: codeOperation, Message: err.Error()}
}
