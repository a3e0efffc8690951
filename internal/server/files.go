package server

import (
	"net/http"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	files, err := s.svc.Files.List(r.Context(), sessionID, q.Get("path"))
	if err != nil {
		s.writeServiceError(w, r, "files.list", err)
		return
	}
	if files == nil {
		files = []sandbox.FileNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}

type fileContentResponse struct {
	Success bool `json:"success"`
	sandbox.FileContent
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, filePath := q.Get("sessionId"), q.Get("filePath")
	if sessionID == "" || filePath == "" {
		writeError(w, http.StatusBadRequest, "sessionId and filePath are required")
		return
	}

	// isBinary=false asks for text even when the bytes look binary.
	forceText := q.Get("isBinary") == "false"
	fc, err := s.svc.Files.Read(r.Context(), sessionID, filePath, forceText)
	if err != nil {
		s.writeServiceError(w, r, "files.read", err)
		return
	}
	writeJSON(w, http.StatusOK, fileContentResponse{Success: true, FileContent: fc})
}

type saveFileRequest struct {
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"` // "", "utf8" or "base64"
}

func (s *Server) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	var req saveFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "sessionId and filePath are required")
		return
	}

	data, err := sandbox.DecodeContent(req.Content, req.Encoding)
	if err != nil {
		s.writeServiceError(w, r, "files.write", err)
		return
	}
	if err := s.svc.Files.Write(r.Context(), req.SessionID, req.FilePath, data); err != nil {
		s.writeServiceError(w, r, "files.write", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Type      string `json:"type"` // "file" or "directory"
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path are required")
		return
	}

	kind := sandbox.NodeType(req.Type)
	if kind == "" {
		kind = sandbox.NodeFile
	}
	if err := s.svc.Files.Create(r.Context(), req.SessionID, req.Path, kind); err != nil {
		s.writeServiceError(w, r, "files.create", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": string(kind) + " created"})
}
