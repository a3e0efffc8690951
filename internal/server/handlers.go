package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(sandbox.KindInvalidRequest)})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeServiceError maps a sandbox error onto its status and envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := sandbox.KindOf(err)
	status := kind.HTTPStatus()
	switch {
	case kind == "" && errors.Is(err, context.Canceled):
		// The client went away; nobody reads this.
		status = 499
	case kind == "" && errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case kind == "":
		status = http.StatusInternalServerError
	}

	log := s.log.With(zap.String("op", op), zap.String("request_id", middleware.GetReqID(r.Context())))
	var se *sandbox.Error
	if errors.As(err, &se) && se.SessionID != "" {
		log = log.With(zap.String("session_id", se.SessionID))
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.Error(err))
	}

	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      string(kind),
		Retryable: kind.Retryable(),
	})
}

// msDuration converts a millisecond count from a request body.
func msDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// --- Execution handlers ---

type executeCommandRequest struct {
	Command string `json:"command"`
	Timeout int64  `json:"timeout"` // milliseconds
}

type executeCommandResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	ExitCode  int    `json:"exitCode"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "X-Session-ID header is required")
		return
	}

	var req executeCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.svc.Executor.Execute(r.Context(), sessionID, req.Command, msDuration(req.Timeout))
	if err != nil {
		s.writeServiceError(w, r, "exec", err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(res))
}

func commandResponse(res sandbox.Result) executeCommandResponse {
	out := executeCommandResponse{
		Success:   res.Success(),
		Output:    res.Stdout,
		ExitCode:  res.ExitCode,
		Truncated: res.Truncated,
	}
	if res.Err != nil {
		out.Error = res.ErrorMessage()
		out.Code = string(res.Err.Kind)
	}
	return out
}

type executeNodeRequest struct {
	Code    string `json:"code"`
	Timeout int64  `json:"timeout"` // milliseconds
	Stdin   string `json:"stdin"`
}

type executeNodeResponse struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`
	ExecutionTime int64  `json:"executionTime"` // milliseconds
	ExitCode      int    `json:"exitCode"`
	Truncated     bool   `json:"truncated,omitempty"`
}

func (s *Server) handleExecuteNode(w http.ResponseWriter, r *http.Request) {
	var req executeNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.svc.Grader.RunOnce(r.Context(), sandbox.ExecRequest{
		Code:     req.Code,
		Language: "javascript",
		Stdin:    req.Stdin,
		Timeout:  msDuration(req.Timeout),
	})
	if err != nil {
		s.writeServiceError(w, r, "run", err)
		return
	}

	out := executeNodeResponse{
		Success:       res.Success(),
		Output:        res.Stdout,
		ExecutionTime: res.Duration.Milliseconds(),
		ExitCode:      res.ExitCode,
		Truncated:     res.Truncated,
	}
	if res.Err != nil {
		out.Error = res.ErrorMessage()
		out.Code = string(res.Err.Kind)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Session handlers ---

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	s.terminals.Close(req.SessionID)
	found, err := s.svc.Cleanup(r.Context(), req.SessionID)
	if err != nil {
		s.writeServiceError(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "found": found})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.svc.Sessions()
	if sessions == nil {
		sessions = []sandbox.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.Ping(ctx); err != nil {
		s.log.Warn("engine ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.svc.Registry.Len()})
}
