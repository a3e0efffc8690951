package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
)

const (
	serverScript  = "server.js"
	serverLog     = "server.log"
	serverPattern = "node server.js"
)

// ServerInfo describes a hosted server.
type ServerInfo struct {
	Running   bool   `json:"running"`
	Port      int    `json:"port,omitempty"`
	RuntimeID string `json:"containerId,omitempty"`
}

// ServerHost runs a long-lived node server inside a session runtime.
type ServerHost struct {
	eng         engine.Engine
	prov        *Provisioner
	reg         *Registry
	root        string
	port        int // listening port inside the runtime
	installTime time.Duration
	log         *zap.Logger
}

func NewServerHost(eng engine.Engine, prov *Provisioner, reg *Registry, root string, port int, log *zap.Logger) *ServerHost {
	if root == "" {
		root = "/app"
	}
	if port == 0 {
		port = 3000
	}
	return &ServerHost{
		eng:         eng,
		prov:        prov,
		reg:         reg,
		root:        root,
		port:        port,
		installTime: 5 * time.Minute,
		log:         log.Named("serverhost"),
	}
}

// Start writes code as server.js, installs dependencies on the runtime's
// first start, replaces any running server and records the host port the
// engine bound to the server port.
//
// The session lock is held only to mark the server starting and to commit
// the outcome; the install and launch run outside it so other operations on
// the session proceed. A Stop or Cleanup that lands in between wins.
func (h *ServerHost) Start(ctx context.Context, sessionID, code string) (ServerInfo, error) {
	if strings.TrimSpace(code) == "" {
		return ServerInfo{}, newError(KindInvalidRequest, "server.start", sessionID, "code is required", nil)
	}
	if _, err := h.prov.Provision(ctx, sessionID); err != nil {
		return ServerInfo{}, err
	}
	release := h.reg.Acquire(sessionID)
	defer release()

	var (
		runtimeID string
		installed bool
	)
	_, _, err := h.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			return nil, newError(KindRuntimeNotFound, "server.start", sessionID, "session was removed", nil)
		}
		cur.Server = ServerStarting
		cur.Port = 0
		runtimeID = cur.Runtime.ID
		installed = cur.DepsInstalled
		return cur, nil
	})
	if err != nil {
		return ServerInfo{}, err
	}

	out, startErr := h.start(ctx, sessionID, runtimeID, code, installed)

	var (
		info       ServerInfo
		superseded bool
	)
	_, _, err = h.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
		if cur == nil || cur.Runtime.ID != runtimeID {
			superseded = true
			return cur, nil
		}
		if out.installed {
			cur.DepsInstalled = true
		}
		if startErr != nil {
			if errors.Is(startErr, engine.ErrNotFound) {
				return nil, nil
			}
			if cur.Server == ServerStarting {
				cur.Server = ServerStopped
			}
			return cur, nil
		}
		if cur.Server != ServerStarting {
			superseded = true
			return cur, nil
		}
		cur.Runtime = out.runtime
		cur.Port = out.port
		cur.Server = ServerRunning
		info = ServerInfo{Running: true, Port: out.port, RuntimeID: runtimeID}
		return cur, nil
	})
	if err != nil {
		return ServerInfo{}, err
	}

	switch {
	case startErr != nil:
		if errors.Is(startErr, engine.ErrNotFound) {
			startErr = newError(KindRuntimeNotFound, "server.start", sessionID, "", startErr)
		} else if !errors.As(startErr, new(*Error)) {
			startErr = newError(KindEngine, "server.start", sessionID, "", startErr)
		}
		h.log.Warn("server start failed", zap.String("session_id", sessionID), zap.Error(startErr))
		return ServerInfo{}, startErr
	case superseded:
		// The launched process belongs to a server that was stopped meanwhile.
		if err := h.kill(context.WithoutCancel(ctx), runtimeID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			h.log.Warn("killing superseded server failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return ServerInfo{}, newError(KindExecutionFailure, "server.start", sessionID, "server was stopped while starting", nil)
	}
	return info, nil
}

type startOutcome struct {
	runtime   engine.Runtime
	port      int
	installed bool // npm install ran to completion
}

func (h *ServerHost) start(ctx context.Context, sessionID, id, code string, depsInstalled bool) (startOutcome, error) {
	var out startOutcome
	log := h.log.With(zap.String("session_id", sessionID), zap.String("runtime", id))

	if err := h.eng.WriteFile(ctx, id, path.Join(h.root, serverScript), strings.NewReader(code)); err != nil {
		return out, err
	}
	manifest := path.Join(h.root, "package.json")
	if _, err := h.eng.ReadFile(ctx, id, manifest); errors.Is(err, engine.ErrFileNotFound) {
		if err := h.eng.WriteFile(ctx, id, manifest, strings.NewReader(minimalManifest)); err != nil {
			return out, err
		}
	}

	if !depsInstalled {
		ictx, cancel := context.WithTimeout(ctx, h.installTime)
		res, err := h.eng.Exec(ictx, id, engine.ExecSpec{
			Cmd:     []string{"npm", "install", "--no-audit", "--no-fund"},
			WorkDir: h.root,
		})
		cancel()
		if err != nil {
			return out, err
		}
		if res.ExitCode != 0 {
			return out, newError(KindExecutionFailure, "server.start", sessionID, "npm install failed: "+strings.TrimSpace(string(res.Stderr)), nil)
		}
		out.installed = true
		log.Info("dependencies installed")
	}

	if err := h.kill(ctx, id); err != nil {
		return out, err
	}

	res, err := h.eng.Exec(ctx, id, engine.ExecSpec{
		Cmd:     []string{"sh", "-c", fmt.Sprintf("nohup node %s > %s 2>&1 &", serverScript, path.Join(h.root, serverLog))},
		WorkDir: h.root,
	})
	if err != nil {
		return out, err
	}
	if res.ExitCode != 0 {
		return out, newError(KindExecutionFailure, "server.start", sessionID, fmt.Sprintf("starting server: exit status %d", res.ExitCode), nil)
	}

	rt, err := h.eng.Inspect(ctx, id)
	if err != nil {
		return out, err
	}
	port, ok := rt.Ports[h.port]
	if !ok || port == 0 {
		return out, newError(KindProvision, "server.start", sessionID, fmt.Sprintf("no host port bound for %d", h.port), nil)
	}
	out.runtime = rt
	out.port = port
	log.Info("server started", zap.Int("port", port))
	return out, nil
}

// kill stops a running server; exit status 1 means none was running.
func (h *ServerHost) kill(ctx context.Context, id string) error {
	res, err := h.eng.Exec(ctx, id, engine.ExecSpec{Cmd: []string{"pkill", "-f", serverPattern}})
	if err != nil {
		return err
	}
	if res.ExitCode > 1 {
		return fmt.Errorf("pkill exit status %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Stop kills the session's server. When the graceful kill fails the whole
// runtime is stopped, then killed. The port binding and server state are
// cleared in every case; the runtime itself stays registered.
func (h *ServerHost) Stop(ctx context.Context, sessionID string) (string, error) {
	var output string
	_, _, err := h.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			output = "no server running"
			return nil, nil
		}
		log := h.log.With(zap.String("session_id", sessionID), zap.String("runtime", cur.Runtime.ID))
		defer func() {
			cur.Port = 0
			cur.Server = ServerStopped
		}()

		killErr := h.kill(ctx, cur.Runtime.ID)
		if killErr == nil {
			output = "server stopped"
			return cur, nil
		}
		if errors.Is(killErr, engine.ErrNotFound) {
			output = "runtime no longer exists"
			return nil, nil
		}
		log.Warn("graceful server stop failed, stopping runtime", zap.Error(killErr))

		err := h.eng.Stop(ctx, cur.Runtime.ID, 5*time.Second)
		if err == nil {
			output = "runtime stopped"
			cur.Runtime.State = engine.StateStopped
			return cur, nil
		}
		log.Warn("stopping runtime failed, killing it", zap.Error(err))
		if err := h.eng.Kill(ctx, cur.Runtime.ID); err != nil {
			log.Error("killing runtime failed", zap.Error(err))
			output = "server state cleared; runtime could not be stopped"
			return cur, nil
		}
		output = "runtime killed"
		cur.Runtime.State = engine.StateStopped
		return cur, nil
	})
	return output, err
}

// Status reports whether the session has a running server.
func (h *ServerHost) Status(sessionID string) ServerInfo {
	e, ok := h.reg.Get(sessionID)
	if !ok || e.Server != ServerRunning || e.Port == 0 {
		return ServerInfo{}
	}
	return ServerInfo{Running: true, Port: e.Port, RuntimeID: e.Runtime.ID}
}
