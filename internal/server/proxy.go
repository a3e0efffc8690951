package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleProxy forwards /proxy/{sessionId}/* to the session's hosted server.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	info := s.svc.Servers.Status(sessionID)
	if !info.Running {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no server running for session " + sessionID})
		return
	}

	host := s.cfg.Engine.PublishIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", host, info.Port)}
	rest := "/" + chi.URLParam(r, "*")

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("proxy request failed", zap.String("session_id", sessionID), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "hosted server unreachable: " + err.Error()})
		},
	}
	proxy.ServeHTTP(w, r)
}
