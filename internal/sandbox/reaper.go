package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// ReaperConfig controls what the reaper reclaims and how often.
type ReaperConfig struct {
	Interval   time.Duration
	ScratchDir string
	ScratchTTL time.Duration
	// IdleTTL of zero keeps idle session runtimes forever.
	IdleTTL time.Duration
}

// ReapStats counts what one sweep reclaimed.
type ReapStats struct {
	Scratch  int `json:"scratch"`
	Idle     int `json:"idle"`
	Orphaned int `json:"orphaned"`
}

// Reaper reclaims stale scratch entries, idle session runtimes and
// ephemeral runtimes left behind by crashes.
type Reaper struct {
	eng     engine.Engine
	reg     *Registry
	cfg     ReaperConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReaper(eng engine.Engine, reg *Registry, cfg ReaperConfig, log *zap.Logger, m *metrics.Metrics) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ScratchTTL <= 0 {
		cfg.ScratchTTL = time.Hour
	}
	return &Reaper{eng: eng, reg: reg, cfg: cfg, log: log.Named("reaper"), metrics: m, now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reclamation pass.
func (r *Reaper) Sweep(ctx context.Context) ReapStats {
	var st ReapStats
	st.Scratch = r.sweepScratch()
	if r.cfg.IdleTTL > 0 {
		st.Idle = r.sweepIdle(ctx)
	}
	st.Orphaned = r.sweepOrphans(ctx)

	r.metrics.Reaped("scratch", st.Scratch)
	r.metrics.Reaped("idle_runtime", st.Idle)
	r.metrics.Reaped("orphan_runtime", st.Orphaned)
	if st.Scratch+st.Idle+st.Orphaned > 0 {
		r.log.Info("sweep reclaimed resources",
			zap.Int("scratch", st.Scratch), zap.Int("idle", st.Idle), zap.Int("orphaned", st.Orphaned))
	}
	return st
}

func (r *Reaper) sweepScratch() int {
	if r.cfg.ScratchDir == "" {
		return 0
	}
	entries, err := os.ReadDir(r.cfg.ScratchDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("reading scratch dir failed", zap.String("dir", r.cfg.ScratchDir), zap.Error(err))
		}
		return 0
	}
	cutoff := r.now().Add(-r.cfg.ScratchTTL)
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(r.cfg.ScratchDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			r.log.Warn("removing scratch entry failed", zap.String("path", p), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (r *Reaper) sweepIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)
	n := 0
	for _, e := range r.reg.List() {
		if !e.LastUsedAt.Before(cutoff) {
			continue
		}
		id := e.SessionID
		_, _, _ = r.reg.Update(id, func(cur *Entry) (*Entry, error) {
			// Re-check under the session lock.
			if cur == nil || !cur.LastUsedAt.Before(cutoff) || r.reg.Active(id) > 0 {
				return cur, nil
			}
			log := r.log.With(zap.String("session_id", id), zap.String("runtime", cur.Runtime.ID))
			if err := r.eng.Stop(ctx, cur.Runtime.ID, 5*time.Second); err != nil && !errors.Is(err, engine.ErrNotFound) {
				log.Warn("stopping idle runtime failed", zap.Error(err))
			}
			if err := r.eng.Remove(ctx, cur.Runtime.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
				log.Warn("removing idle runtime failed", zap.Error(err))
				return cur, nil
			}
			log.Info("reaped idle session", zap.Time("last_used", cur.LastUsedAt))
			n++
			return nil, nil
		})
	}
	return n
}

func (r *Reaper) sweepOrphans(ctx context.Context) int {
	rts, err := r.eng.List(ctx, map[string]string{LabelManaged: "true", LabelKind: KindEphemeral})
	if err != nil {
		r.log.Warn("listing ephemeral runtimes failed", zap.Error(err))
		return 0
	}
	cutoff := r.now().Add(-r.cfg.ScratchTTL)
	n := 0
	for _, rt := range rts {
		if !rt.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.eng.Remove(ctx, rt.ID); err != nil {
			r.log.Warn("removing orphaned runtime failed", zap.String("runtime", rt.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
