package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int64  `json:"timeout"` // milliseconds
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Code     string `json:"code,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.Server.AllowedOrigins
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, a := range allowed {
				if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
					return true
				}
			}
			return false
		},
	}
}

// handleTerminal runs each "command" message through the executor and
// streams back output, error and done frames.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	log := s.log.With(zap.String("session_id", sessionID), zap.String("op", "terminal"))

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	_, ctx, release := s.terminals.Open(r.Context(), sessionID)
	defer release()

	// Closing the connection unblocks the read loop on cleanup or shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wsMu sync.Mutex
	send := func(v wsOutgoing) {
		wsMu.Lock()
		defer wsMu.Unlock()
		wsWriteJSON(log, conn, v)
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if msg.Type != "command" || strings.TrimSpace(msg.Command) == "" {
			send(wsOutgoing{Type: "error", Content: "invalid message", Code: string(sandbox.KindInvalidRequest)})
			continue
		}

		res, err := s.svc.Executor.Execute(ctx, sessionID, msg.Command, msDuration(msg.Timeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(wsOutgoing{Type: "error", Content: err.Error(), Code: string(sandbox.KindOf(err))})
			continue
		}

		if res.Stdout != "" || res.Stderr != "" {
			send(wsOutgoing{Type: "output", Content: res.Stdout, Stderr: res.Stderr})
		}
		done := wsOutgoing{Type: "done", ExitCode: &res.ExitCode}
		if res.Err != nil {
			done.Code = string(res.Err.Kind)
			done.Content = res.ErrorMessage()
		}
		send(done)
	}
}

func wsWriteJSON(log *zap.Logger, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("websocket marshal failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("websocket write failed", zap.Error(err))
	}
}
