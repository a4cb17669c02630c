// Package remote is the HTTP boundary to the remote embedding/search
// service. It owns authentication, timeouts, and error classification, and
// never retries: retry policy lives in the upload pipeline.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourorg/codectx/internal/chunker"
	"github.com/yourorg/codectx/internal/logging"
)

// Timeouts follow the original service contract: distinct connect and read
// bounds, with a longer overall budget for search.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
	searchTimeout  = 60 * time.Second
)

const errBodyLimit = 16 * 1024

// RetryableError wraps failures worth retrying: timeouts, connection errors,
// and remote 5xx (plus 408/429).
type RetryableError struct {
	Status    int
	RequestID string
	Err       error
	Body      string
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote: %v", e.Err)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, trimBody(e.Body))
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError wraps failures that must not be retried: 4xx responses and
// malformed payloads.
type FatalError struct {
	Status    int
	RequestID string
	Body      string
}

func (e *FatalError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: status %d (request_id %s): %s", e.Status, e.RequestID, trimBody(e.Body))
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, trimBody(e.Body))
}

// IsRetryable reports whether err belongs to the retryable failure class.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func trimBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 1024 {
		body = body[:1024]
	}
	return body
}

// SearchHit is one raw result from the remote index, in remote ranking order.
type SearchHit struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Text      string  `json:"text"`
}

// Client talks to the remote index. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logging.Logger
}

func NewClient(baseURL, token string, logger *logging.Logger) *Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		TLSHandshakeTimeout:   connectTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Transport: transport, Timeout: searchTimeout},
		logger:  logger,
	}
}

type uploadBlob struct {
	Name      string `json:"blob_name"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Text      string `json:"text"`
}

// Upload sends one batch of blobs. Returns nil on acknowledgment, a
// RetryableError or FatalError otherwise.
func (c *Client) Upload(ctx context.Context, projectID string, blobs []chunker.Blob) error {
	payload := map[string]any{
		"project_id": projectID,
		"blobs":      toUploadBlobs(blobs),
	}
	return c.post(ctx, "/batch-upload", payload, nil)
}

// Remove asks the remote to drop every blob belonging to the given file
// paths. Shares the upload's failure classes so the pipeline can retry it the
// same way.
func (c *Client) Remove(ctx context.Context, projectID string, paths []string) error {
	payload := map[string]any{
		"project_id": projectID,
		"paths":      paths,
	}
	return c.post(ctx, "/batch-remove", payload, nil)
}

// Search forwards a query and returns hits in the order the remote ranked
// them.
func (c *Client) Search(ctx context.Context, projectID, query string) ([]SearchHit, error) {
	payload := map[string]any{
		"project_id":          projectID,
		"information_request": query,
	}
	var res struct {
		Hits []SearchHit `json:"hits"`
	}
	if err := c.post(ctx, "/codebase-retrieval", payload, &res); err != nil {
		return nil, err
	}
	return res.Hits, nil
}

func toUploadBlobs(blobs []chunker.Blob) []uploadBlob {
	out := make([]uploadBlob, len(blobs))
	for i, b := range blobs {
		out[i] = uploadBlob{
			Name:      b.ID,
			Path:      b.Path,
			StartLine: b.StartLine,
			EndLine:   b.EndLine,
			Text:      b.Text,
		}
	}
	return out
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return &FatalError{Body: fmt.Sprintf("invalid base_url: %v", err)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &FatalError{Body: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return &FatalError{Body: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	reqID := resp.Header.Get("x-request-id")
	if reqID == "" {
		reqID = resp.Header.Get("x-amzn-requestid")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		if retryableStatus(resp.StatusCode) {
			return &RetryableError{Status: resp.StatusCode, RequestID: reqID, Body: string(b)}
		}
		return &FatalError{Status: resp.StatusCode, RequestID: reqID, Body: string(b)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &FatalError{Status: resp.StatusCode, RequestID: reqID, Body: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		(code >= 500 && code <= 599)
}
