package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type startServerRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}

type startServerResponse struct {
	Success     bool   `json:"success"`
	Port        int    `json:"port"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message"`
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	var req startServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	info, err := s.svc.Servers.Start(r.Context(), req.SessionID, req.Code)
	if err != nil {
		s.writeServiceError(w, r, "server.start", err)
		return
	}
	writeJSON(w, http.StatusOK, startServerResponse{
		Success:     true,
		Port:        info.Port,
		ContainerID: info.RuntimeID,
		Message:     "server started",
	})
}

func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	out, err := s.svc.Servers.Stop(r.Context(), req.SessionID)
	if err != nil {
		s.writeServiceError(w, r, "server.stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "output": out})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	info := s.svc.Servers.Status(chi.URLParam(r, "sessionId"))
	writeJSON(w, http.StatusOK, map[string]any{"running": info.Running, "port": info.Port})
}
