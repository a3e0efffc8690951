package main

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/runbox/internal/client"
)

const maxOutput = 4000

type tools struct {
	c       *client.Client
	session string
}

func (t *tools) sessionID(args map[string]any) string {
	if s, _ := args["session_id"].(string); s != "" {
		return s
	}
	return t.session
}

func (t *tools) handleExec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return errResult("error: 'command' is required"), nil
	}
	timeout := 30 * time.Second
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	res, err := t.c.Exec(ctx, t.sessionID(args), command, timeout)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var output strings.Builder
	output.WriteString(res.Output)
	if res.Truncated {
		output.WriteString("\n(output truncated by the server)")
	}
	if !res.Success {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		if res.Code == "ExecutionTimeout" {
			output.WriteString(fmt.Sprintf("timed out after %s", timeout))
		} else {
			output.WriteString(fmt.Sprintf("STDERR:\n%s\nexit code: %d", res.Error, res.ExitCode))
		}
	}
	return textResult(output.String(), !res.Success), nil
}

func (t *tools) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	path, _ := args["path"].(string)
	if path == "" {
		return errResult("error: 'path' is required"), nil
	}

	fc, err := t.c.ReadFile(ctx, t.sessionID(args), path)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if fc.IsBinary {
		return textResult(fmt.Sprintf("(binary, %d bytes, base64)\n%s", fc.Length, fc.Content), false), nil
	}
	return textResult(fc.Content, false), nil
}

func (t *tools) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	path, _ := args["path"].(string)
	content, ok := args["content"].(string)
	if path == "" || !ok {
		return errResult("error: 'path' and 'content' are required"), nil
	}

	if err := t.c.WriteFile(ctx, t.sessionID(args), path, []byte(content)); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path), false), nil
}

func (t *tools) handleListFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	path, _ := args["path"].(string)

	files, err := t.c.ListFiles(ctx, t.sessionID(args), path)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if len(files) == 0 {
		return textResult("(empty directory)", false), nil
	}
	var b strings.Builder
	for _, f := range files {
		if f.Type == "directory" {
			b.WriteString(f.Name + "/\n")
		} else {
			b.WriteString(f.Name + "\n")
		}
	}
	return textResult(b.String(), false), nil
}

func (t *tools) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)

	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	report, err := t.c.Grade(ctx, "run", code, language, []client.TestCase{{Input: stdin}}, 0)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if len(report.Results) == 0 {
		return errResult("error: no result returned"), nil
	}
	r := report.Results[0]

	var output strings.Builder
	output.WriteString(r.ActualOutput)
	if r.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + r.Stderr)
	}
	failed := r.ExitCode != 0 || r.Error != ""
	if failed {
		output.WriteString(fmt.Sprintf("\nexit code: %d", r.ExitCode))
		if r.Error != "" && r.Stderr == "" {
			output.WriteString("\n" + r.Error)
		}
	}
	return textResult(output.String(), failed), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	if len(text) > maxOutput {
		cut := maxOutput
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n... (output truncated)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func errResult(text string) *mcp.CallToolResult {
	return textResult(text, true)
}
