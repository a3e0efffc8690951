package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// Runtime labels.
const (
	LabelManaged = "runbox.managed"
	LabelKind    = "runbox.kind"
	LabelSession = "runbox.session"

	KindInteractive = "interactive"
	KindEphemeral   = "ephemeral"
)

const minimalManifest = `{
  "name": "runbox-app",
  "version": "1.0.0",
  "private": true,
  "main": "server.js"
}
`

// ProvisionerConfig configures interactive runtimes.
type ProvisionerConfig struct {
	Policy     Policy
	Root       string
	ServerPort int
	IdleCmd    []string
	// OpTimeout bounds a whole provisioning decision.
	OpTimeout time.Duration
}

// Provisioner creates or reuses the interactive runtime for a session.
type Provisioner struct {
	eng     engine.Engine
	reg     *Registry
	cfg     ProvisionerConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	now     func() time.Time
}

// NewProvisioner returns a provisioner that records runtimes in reg.
func NewProvisioner(eng engine.Engine, reg *Registry, cfg ProvisionerConfig, log *zap.Logger, m *metrics.Metrics) *Provisioner {
	if cfg.Root == "" {
		cfg.Root = "/app"
	}
	if len(cfg.IdleCmd) == 0 {
		cfg.IdleCmd = []string{"tail", "-f", "/dev/null"}
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Minute
	}
	return &Provisioner{
		eng:     eng,
		reg:     reg,
		cfg:     cfg,
		log:     log.Named("provisioner"),
		metrics: m,
		now:     time.Now,
	}
}

// Provision returns the session's live runtime entry, creating or restarting
// the runtime when needed. Concurrent calls for one session share a result.
func (p *Provisioner) Provision(ctx context.Context, sessionID string) (Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Entry{}, newError(KindInvalidRequest, "provision", sessionID, "session id is required", nil)
	}

	ch := p.group.DoChan(sessionID, func() (any, error) {
		// Shared by every waiter, so not bound to any one caller.
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.OpTimeout)
		defer cancel()
		e, _, err := p.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
			return p.decide(opCtx, sessionID, cur)
		})
		return e, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Acquire provisions the session and marks an operation in flight so the
// reaper leaves the runtime alone until release is called.
func (p *Provisioner) Acquire(ctx context.Context, sessionID string) (Entry, func(), error) {
	e, err := p.Provision(ctx, sessionID)
	if err != nil {
		return Entry{}, func() {}, err
	}
	return e, p.reg.Acquire(sessionID), nil
}

// decide runs under the session lock.
func (p *Provisioner) decide(ctx context.Context, sessionID string, cur *Entry) (*Entry, error) {
	log := p.log.With(zap.String("session_id", sessionID), zap.String("op", "provision"))
	now := p.now()

	if cur != nil {
		rt, err := p.eng.Inspect(ctx, cur.Runtime.ID)
		switch {
		case err == nil && rt.State == engine.StateRunning:
			cur.Runtime = rt
			cur.LastUsedAt = now
			p.metrics.Provision("reused")
			return cur, nil

		case err == nil:
			if err := p.eng.Start(ctx, rt.ID); err != nil {
				log.Warn("restart failed, recreating runtime", zap.String("runtime", rt.ID), zap.Error(err))
				p.removeQuietly(ctx, rt.ID, log)
				break
			}
			if fresh, err := p.eng.Inspect(ctx, rt.ID); err == nil {
				rt = fresh
			}
			rt.State = engine.StateRunning
			cur.Runtime = rt
			cur.LastUsedAt = now
			// The hosted process did not survive the stop.
			cur.Port = 0
			if cur.Server == ServerRunning || cur.Server == ServerStarting {
				cur.Server = ServerStopped
			}
			log.Info("restarted stopped runtime", zap.String("runtime", rt.ID))
			p.metrics.Provision("restarted")
			return cur, nil

		case errors.Is(err, engine.ErrNotFound):
			log.Info("runtime vanished, dropping stale entry", zap.String("runtime", cur.Runtime.ID))

		default:
			p.metrics.Provision("failed")
			return nil, newError(KindProvision, "provision", sessionID, "inspecting runtime", err)
		}
	}

	rt, err := p.create(ctx, sessionID)
	if err != nil {
		p.metrics.Provision("failed")
		log.Error("provisioning failed", zap.Error(err))
		return nil, err
	}
	p.metrics.Provision("created")
	log.Info("runtime created", zap.String("runtime", rt.ID), zap.String("name", rt.Name))

	return &Entry{
		SessionID:  sessionID,
		Runtime:    rt,
		Server:     ServerAbsent,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

func (p *Provisioner) create(ctx context.Context, sessionID string) (engine.Runtime, error) {
	spec := engine.CreateSpec{
		Image:  p.cfg.Policy.Image,
		Root:   p.cfg.Root,
		Cmd:    p.cfg.IdleCmd,
		Limits: p.cfg.Policy.Limits(),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelKind:    KindInteractive,
			LabelSession: sessionID,
		},
		Hardened: p.cfg.Policy.Hardened,
	}
	if p.cfg.ServerPort > 0 && p.cfg.Policy.Network {
		spec.Publish = []int{p.cfg.ServerPort}
	}

	var rt engine.Runtime
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		spec.Name = runtimeName(sessionID, p.now().UnixNano()+int64(attempt))
		rt, err = p.eng.Create(ctx, spec)
		if !errors.Is(err, engine.ErrConflict) {
			break
		}
	}
	if err != nil {
		return engine.Runtime{}, newError(KindProvision, "provision", sessionID, "creating runtime", err)
	}

	if err := p.eng.Start(ctx, rt.ID); err != nil {
		p.removeQuietly(ctx, rt.ID, p.log)
		return engine.Runtime{}, newError(KindProvision, "provision", sessionID, "starting runtime", err)
	}

	p.setup(ctx, sessionID, rt.ID)

	if fresh, err := p.eng.Inspect(ctx, rt.ID); err == nil {
		rt = fresh
	} else {
		rt.State = engine.StateRunning
	}
	return rt, nil
}

// setup prepares the working directory. Every step is best-effort.
func (p *Provisioner) setup(ctx context.Context, sessionID, id string) {
	log := p.log.With(zap.String("session_id", sessionID), zap.String("runtime", id))
	root := p.cfg.Root

	steps := []struct {
		name string
		cmd  []string
	}{
		{"mkdir", []string{"mkdir", "-p", root}},
		{"chmod", []string{"chmod", "777", root}},
	}
	for _, s := range steps {
		res, err := p.eng.Exec(ctx, id, engine.ExecSpec{Cmd: s.cmd})
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit status %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
		}
		if err != nil {
			log.Warn("runtime setup step failed", zap.String("step", s.name), zap.Error(err))
			p.metrics.SetupFailure(s.name)
		}
	}

	manifest := path.Join(root, "package.json")
	if _, err := p.eng.ReadFile(ctx, id, manifest); errors.Is(err, engine.ErrFileNotFound) {
		if err := p.eng.WriteFile(ctx, id, manifest, strings.NewReader(minimalManifest)); err != nil {
			log.Warn("runtime setup step failed", zap.String("step", "manifest"), zap.Error(err))
			p.metrics.SetupFailure("manifest")
		}
	} else if err != nil {
		log.Warn("runtime setup step failed", zap.String("step", "manifest"), zap.Error(err))
		p.metrics.SetupFailure("manifest")
	}
}

// Invalidate drops the session's entry if it still points at runtimeID.
func (p *Provisioner) Invalidate(sessionID, runtimeID string) {
	_, _, _ = p.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
		if cur != nil && cur.Runtime.ID == runtimeID {
			p.log.Info("invalidating registry entry", zap.String("session_id", sessionID), zap.String("runtime", runtimeID))
			return nil, nil
		}
		return cur, nil
	})
}

// Destroy removes the session's runtime and entry.
func (p *Provisioner) Destroy(ctx context.Context, sessionID string) (bool, error) {
	var found bool
	_, _, err := p.reg.Update(sessionID, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			return nil, nil
		}
		found = true
		if err := p.eng.Remove(ctx, cur.Runtime.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			return nil, newError(KindEngine, "cleanup", sessionID, "removing runtime", err)
		}
		p.log.Info("session cleaned up", zap.String("session_id", sessionID), zap.String("runtime", cur.Runtime.ID))
		return nil, nil
	})
	return found, err
}

func (p *Provisioner) removeQuietly(ctx context.Context, id string, log *zap.Logger) {
	if err := p.eng.Remove(ctx, id); err != nil {
		log.Warn("removing runtime failed", zap.String("runtime", id), zap.Error(err))
	}
}

// runtimeName builds a unique engine-safe name for a session runtime.
func runtimeName(sessionID string, salt int64) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sessionID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	return fmt.Sprintf("runbox-%s-%d", strings.Trim(b.String(), "-."), salt)
}
