// Package client is a typed HTTP client for the runbox API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("runbox: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("runbox: http %d: %s", e.Status, e.Message)
}

// Client talks to a runbox server.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	return &Client{base: u, http: &http.Client{Timeout: 10 * time.Minute}}, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var env struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		}
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			apiErr.Message, apiErr.Code, apiErr.Retryable = env.Error, env.Code, env.Retryable
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CommandResult is the answer to an interactive command.
type CommandResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	Code      string `json:"code"`
	ExitCode  int    `json:"exitCode"`
	Truncated bool   `json:"truncated"`
}

// Exec runs command in the session's runtime.
func (c *Client) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (CommandResult, error) {
	var out CommandResult
	h := http.Header{}
	h.Set("X-Session-ID", sessionID)
	err := c.do(ctx, http.MethodPost, "/execute/command", nil, h,
		map[string]any{"command": command, "timeout": timeout.Milliseconds()}, &out)
	return out, err
}

// RunResult is the answer to a one-shot run.
type RunResult struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	ExecutionTime int64  `json:"executionTime"`
	ExitCode      int    `json:"exitCode"`
}

// RunNode runs a javascript snippet in a throwaway runtime.
func (c *Client) RunNode(ctx context.Context, code, stdin string, timeout time.Duration) (RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/execute/node", nil, nil,
		map[string]any{"code": code, "stdin": stdin, "timeout": timeout.Milliseconds()}, &out)
	return out, err
}

// TestCase is one grading input and its expected output.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

// CaseResult is one graded case.
type CaseResult struct {
	Index          int    `json:"index"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	ActualOutput   string `json:"actualOutput"`
	Stderr         string `json:"stderr"`
	Passed         bool   `json:"passed"`
	ExitCode       int    `json:"exitCode"`
	Error          string `json:"error"`
}

// GradeReport is the graded batch.
type GradeReport struct {
	Results  []CaseResult `json:"results"`
	Metadata struct {
		TotalCases int `json:"totalCases"`
		Passed     int `json:"passed"`
		Failed     int `json:"failed"`
	} `json:"metadata"`
}

// Grade runs code against cases. mode is "run" or "submit".
func (c *Client) Grade(ctx context.Context, mode, code, language string, cases []TestCase, timeout time.Duration) (GradeReport, error) {
	var out struct {
		Data GradeReport `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/exam/execute/"+url.PathEscape(mode), nil, nil, map[string]any{
		"code":      code,
		"language":  language,
		"testCases": cases,
		"timeout":   timeout.Milliseconds(),
	}, &out)
	return out.Data, err
}

// FileNode is one directory entry.
type FileNode struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ListFiles lists dir in the session's runtime.
func (c *Client) ListFiles(ctx context.Context, sessionID, dir string) ([]FileNode, error) {
	var out struct {
		Files []FileNode `json:"files"`
	}
	err := c.do(ctx, http.MethodGet, "/api/files/list", url.Values{"sessionId": {sessionID}, "path": {dir}}, nil, nil, &out)
	return out.Files, err
}

// FileContent is a file as the server reports it.
type FileContent struct {
	Content  string `json:"content"`
	IsBinary bool   `json:"isBinary"`
	Length   int    `json:"length"`
}

// Bytes returns the raw file contents.
func (f FileContent) Bytes() ([]byte, error) {
	if f.IsBinary {
		return base64.StdEncoding.DecodeString(f.Content)
	}
	return []byte(f.Content), nil
}

// ReadFile reads a file from the session's runtime.
func (c *Client) ReadFile(ctx context.Context, sessionID, filePath string) (FileContent, error) {
	var out FileContent
	err := c.do(ctx, http.MethodGet, "/api/files/content", url.Values{"sessionId": {sessionID}, "filePath": {filePath}}, nil, nil, &out)
	return out, err
}

// WriteFile stores data at filePath, base64 encoded on the wire.
func (c *Client) WriteFile(ctx context.Context, sessionID, filePath string, data []byte) error {
	return c.do(ctx, http.MethodPost, "/api/files/save", nil, nil, map[string]string{
		"sessionId": sessionID,
		"filePath":  filePath,
		"content":   base64.StdEncoding.EncodeToString(data),
		"encoding":  "base64",
	}, nil)
}

// CreateFile creates an empty file or a directory.
func (c *Client) CreateFile(ctx context.Context, sessionID, p string, dir bool) error {
	kind := "file"
	if dir {
		kind = "directory"
	}
	return c.do(ctx, http.MethodPost, "/api/files/create", nil, nil,
		map[string]string{"sessionId": sessionID, "path": p, "type": kind}, nil)
}

// ServerInfo describes a hosted server.
type ServerInfo struct {
	Running     bool   `json:"running"`
	Port        int    `json:"port"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message"`
}

// StartServer runs code as the session's node server.
func (c *Client) StartServer(ctx context.Context, sessionID, code string) (ServerInfo, error) {
	var out ServerInfo
	err := c.do(ctx, http.MethodPost, "/api/node-server/start", nil, nil,
		map[string]string{"sessionId": sessionID, "code": code}, &out)
	out.Running = err == nil
	return out, err
}

// StopServer stops the session's node server.
func (c *Client) StopServer(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	err := c.do(ctx, http.MethodPost, "/api/node-server/stop", nil, nil, map[string]string{"sessionId": sessionID}, &out)
	return out.Output, err
}

// ServerStatus reports the session's node server.
func (c *Client) ServerStatus(ctx context.Context, sessionID string) (ServerInfo, error) {
	var out ServerInfo
	err := c.do(ctx, http.MethodGet, "/api/node-server/status/"+url.PathEscape(sessionID), nil, nil, nil, &out)
	return out, err
}

// Session is one registry entry.
type Session struct {
	SessionID string `json:"sessionId"`
	Runtime   struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"runtime"`
	Port       int       `json:"port"`
	Server     string    `json:"serverState"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, nil, nil, &out)
	return out.Sessions, err
}

// Cleanup destroys the session's runtime.
func (c *Client) Cleanup(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/cleanup", nil, nil, map[string]string{"sessionId": sessionID}, nil)
}

// Health checks the server and its engine.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil, nil)
}
