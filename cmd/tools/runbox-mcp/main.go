package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/runbox/internal/client"
)

func main() {
	addr := os.Getenv("RUNBOX_SERVER")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	c, err := client.New(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runbox-mcp: %v\n", err)
		os.Exit(1)
	}
	session := os.Getenv("RUNBOX_SESSION")
	if session == "" {
		session = "mcp-" + uuid.NewString()[:8]
	}

	t := &tools{c: c, session: session}
	s := server.NewMCPServer("runbox-mcp", "0.1.0")
	t.register(s)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func (t *tools) register(s *server.MCPServer) {
	sessionProp := map[string]any{
		"type":        "string",
		"description": "Session ID (optional; defaults to this server's session)",
	}

	s.AddTool(mcp.Tool{
		Name:        "sandbox_exec",
		Description: "Run a shell command in the session's sandbox runtime. The working directory is /app and files persist between calls.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to run. Shell metacharacters ; & | $ ` < > are stripped.",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (optional, default 30)",
				},
				"session_id": sessionProp,
			},
			Required: []string{"command"},
		},
	}, t.handleExec)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_read_file",
		Description: "Read a file from the session's sandbox. Binary files are returned base64 encoded.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to /app, or absolute under /app",
				},
				"session_id": sessionProp,
			},
			Required: []string{"path"},
		},
	}, t.handleReadFile)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_write_file",
		Description: "Write a file in the session's sandbox, creating it if it doesn't exist. Overwrites existing content.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to /app, or absolute under /app",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write",
				},
				"session_id": sessionProp,
			},
			Required: []string{"path", "content"},
		},
	}, t.handleWriteFile)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_list_files",
		Description: "List a directory in the session's sandbox.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list (optional, default /app)",
				},
				"session_id": sessionProp,
			},
		},
	}, t.handleListFiles)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_run_code",
		Description: "Run a program once in a throwaway, network-isolated runtime. Supported languages depend on the server (javascript, python and go by default).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (javascript, python, go)",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, t.handleRunCode)
}
