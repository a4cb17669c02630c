package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/codectx/internal/config"
	"github.com/yourorg/codectx/internal/indexer"
	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/state"
	"github.com/yourorg/codectx/internal/store"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *state.State) {
	t.Helper()
	cfg := &config.Config{
		BatchSize:            10,
		MaxLinesPerBlob:      800,
		MaxConcurrentUploads: 3,
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
		RetryBackoff:         config.BackoffExponential,
		BaseURL:              "https://api.example.com",
		Token:                "sk-1234567890abcdef",
		DataDir:              t.TempDir(),
		TextExtensions:       []string{".go"},
		ExcludePatterns:      []string{".git"},
	}
	st, err := store.New(cfg.DataDir, logging.NewNop())
	require.NoError(t, err)
	idx := indexer.New(cfg, st, logging.NewNop())
	t.Cleanup(idx.StopAll)

	ds := state.New()
	ds.SetReady()
	srv := New("127.0.0.1:0", idx, ds, token, logging.NewNop())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, ds
}

func getJSON(t *testing.T, ts *httptest.Server, path, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(authHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, body := getJSON(t, ts, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestStatusMasksToken(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, body := getJSON(t, ts, "/status", "")
	require.Equal(t, http.StatusOK, code)

	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sk-1****cdef", cfg["token"])
	assert.Equal(t, float64(10), cfg["batch_size"])
	assert.NotNil(t, body["version"])
}

func TestManagementTokenEnforced(t *testing.T) {
	ts, _ := newTestServer(t, "mgmt-secret")

	code, _ := getJSON(t, ts, "/status", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = getJSON(t, ts, "/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = getJSON(t, ts, "/status", "mgmt-secret")
	assert.Equal(t, http.StatusOK, code)

	// Health stays open for liveness probes.
	code, _ = getJSON(t, ts, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestProjectsEmpty(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, body := getJSON(t, ts, "/projects", "")
	assert.Equal(t, http.StatusOK, code)
	_, hasKey := body["projects"]
	assert.True(t, hasKey)
}

func TestFailedRequiresProjectParam(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, body := getJSON(t, ts, "/failed", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])
}

func TestLogsRejectsBadCursor(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, _ := getJSON(t, ts, "/logs?after=xyz", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := getJSON(t, ts, "/logs", "")
	assert.Equal(t, http.StatusOK, code)
	_, hasKey := body["logs"]
	assert.True(t, hasKey)
}

func TestMetrics(t *testing.T) {
	ts, _ := newTestServer(t, "")
	code, body := getJSON(t, ts, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "index_runs")
	assert.Contains(t, body, "watch_projects")
}
