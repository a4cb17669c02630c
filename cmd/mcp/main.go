// The mcp binary is a thin stdio front end: it exposes MCP tools, makes sure
// the daemon is running (starting it if needed), and proxies tool calls to
// the daemon's JSON-RPC listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yourorg/codectx/internal/logging"
	"github.com/yourorg/codectx/internal/version"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type daemonSearchResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Output  string `json:"output,omitempty"`
}

type proxy struct {
	daemonAddr   string
	daemonHTTP   string
	daemonLog    string
	daemonPath   string
	dataDir      string
	startTimeout time.Duration
	logger       *logging.Logger
}

func main() {
	dataDir := flag.String("data", "", "Data directory (passed to daemon; defaults to ~/.codectx/data)")
	logLevel := flag.String("log-level", "warn", "Log level: debug|info|warn|error (recommend warn/error for MCP)")
	daemonAddr := flag.String("daemon-addr", "127.0.0.1:7041", "Daemon JSON-RPC listen address")
	daemonHTTP := flag.String("daemon-http", "127.0.0.1:7042", "Daemon HTTP management address")
	daemonLogLevel := flag.String("daemon-log-level", "warn", "Daemon log level: debug|info|warn|error")
	daemonPath := flag.String("daemon-path", "", "Path to daemon executable. If empty, tries a sibling binary or PATH")
	daemonStartTimeout := flag.Duration("daemon-start-timeout", 5*time.Second, "Timeout waiting for daemon to start")
	flag.Parse()

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("codectx mcp proxy starting")

	p := &proxy{
		daemonAddr:   *daemonAddr,
		daemonHTTP:   *daemonHTTP,
		daemonLog:    *daemonLogLevel,
		daemonPath:   *daemonPath,
		dataDir:      *dataDir,
		startTimeout: *daemonStartTimeout,
		logger:       logger,
	}

	srv := server.NewMCPServer("codectx", version.Version)
	srv.AddTool(searchContextTool(), p.handleSearchContext)
	srv.AddTool(indexProjectTool(), p.handleIndexProject)

	if err := server.ServeStdio(srv); err != nil {
		logger.Error("mcp server exited", logging.Error(err))
		os.Exit(1)
	}
}

func searchContextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_context",
		Description: "Search for relevant code context using semantic search within a specific project. This tool automatically indexes the project (if not already indexed) and finds code snippets that match your natural language query. Ideal for locating function implementations, understanding business logic, finding specific code patterns, or analyzing code structure.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_root_path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the project root directory. IMPORTANT: Always use forward slashes (/) as path separators, even on Windows. Example: 'C:/Users/username/project' or '/home/user/project'.",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "A complete natural language sentence describing what code you want to find. Use full sentences like 'Find where the server handles user authentication'. Avoid keyword lists or comma-separated terms.",
				},
			},
			Required: []string{"project_root_path", "query"},
		},
	}
}

func indexProjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_project",
		Description: "Run one incremental indexing pass for a project without searching. Scans the tree, uploads changed files, and removes deleted ones from the remote index.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_root_path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the project root directory, with forward slashes.",
				},
			},
			Required: []string{"project_root_path"},
		},
	}
}

func (p *proxy) handleSearchContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid arguments")
	}
	projectRoot, _ := args["project_root_path"].(string)
	query, _ := args["query"].(string)
	if projectRoot == "" || query == "" {
		return nil, fmt.Errorf("project_root_path and query are required")
	}

	raw, err := p.call(ctx, "SearchContext", map[string]any{
		"project_root_path": projectRoot,
		"query":             query,
	})
	if err != nil {
		return nil, err
	}

	var sr daemonSearchResult
	_ = json.Unmarshal(raw, &sr)
	text := sr.Output
	if text == "" {
		text = sr.Message
	}
	if text == "" {
		text = string(raw)
	}
	return mcp.NewToolResultText(text), nil
}

func (p *proxy) handleIndexProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid arguments")
	}
	projectRoot, _ := args["project_root_path"].(string)
	if projectRoot == "" {
		return nil, fmt.Errorf("project_root_path is required")
	}

	raw, err := p.call(ctx, "IndexProject", map[string]any{
		"project_root_path": projectRoot,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// call makes sure the daemon is running, then performs one JSON-RPC round
// trip over a fresh TCP connection.
func (p *proxy) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if err := p.ensureDaemon(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(callCtx, "tcp", p.daemonAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := callCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: mustMarshal(params), ID: 1}
	if err := enc.Encode(req); err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}
	return resp.Result, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (p *proxy) ensureDaemon() error {
	if isPortOpen(p.daemonAddr, 150*time.Millisecond) {
		return nil
	}

	path := p.daemonPath
	if path == "" {
		path = findDaemonExecutable()
	}
	if path == "" {
		return fmt.Errorf("daemon not running and daemon executable not found; please set --daemon-path")
	}

	args := []string{"--listen", p.daemonAddr, "--http", p.daemonHTTP, "--log-level", p.daemonLog}
	if p.dataDir != "" {
		args = append(args, "--data", p.dataDir)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon failed: %w", err)
	}
	_ = cmd.Process.Release()
	p.logger.Info("daemon started", logging.String("path", path), logging.String("addr", p.daemonAddr))

	deadline := time.Now().Add(p.startTimeout)
	for time.Now().Before(deadline) {
		if isPortOpen(p.daemonAddr, 250*time.Millisecond) {
			return nil
		}
		time.Sleep(120 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start within %s", p.startTimeout)
}

func isPortOpen(addr string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func findDaemonExecutable() string {
	// Prefer a sibling binary next to the current executable.
	exe, err := os.Executable()
	if err == nil {
		dir := filepath.Dir(exe)
		candidates := []string{
			"codectx-daemon.exe",
			"codectx-daemon",
		}
		for _, name := range candidates {
			p := filepath.Join(dir, name)
			if fileExists(p) {
				return p
			}
		}
	}
	// Fallback: search in PATH.
	if p, err := exec.LookPath("codectx-daemon"); err == nil && p != "" {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !st.IsDir()
}
