package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// Options assemble a Service.
type Options struct {
	Interactive Policy
	Ephemeral   Policy
	Root        string
	ServerPort  int

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	KillOnTimeout  bool
	OutputLimit    int64

	GradingTimeout time.Duration
	MaxCases       int
	Languages      *Languages

	ScratchDir string
	Reaper     ReaperConfig
}

// OptionsFromConfig maps the loaded configuration onto service options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	langs, err := LoadLanguages(cfg.Grading.LanguagesFile)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Interactive:    PolicyFromConfig(cfg.Runtime.Interactive, false),
		Ephemeral:      PolicyFromConfig(cfg.Runtime.Ephemeral, true),
		Root:           cfg.Runtime.Root,
		ServerPort:     cfg.Runtime.ServerPort,
		DefaultTimeout: cfg.Exec.DefaultTimeout,
		MaxTimeout:     cfg.Exec.MaxTimeout,
		KillOnTimeout:  cfg.Exec.KillOnTimeout,
		OutputLimit:    cfg.Exec.OutputLimit,
		GradingTimeout: cfg.Grading.DefaultTimeout,
		MaxCases:       cfg.Grading.MaxCases,
		Languages:      langs,
		ScratchDir:     cfg.ScratchDir,
		Reaper: ReaperConfig{
			Interval:   cfg.Reaper.Interval,
			ScratchDir: cfg.ScratchDir,
			ScratchTTL: cfg.Reaper.ScratchTTL,
			IdleTTL:    cfg.Reaper.IdleTTL,
		},
	}, nil
}

// DefaultOptions are the built-in defaults, used by tests and the CLI.
func DefaultOptions() Options {
	return Options{
		Interactive:    DefaultInteractivePolicy(),
		Ephemeral:      DefaultEphemeralPolicy(),
		Root:           "/app",
		ServerPort:     3000,
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
		KillOnTimeout:  true,
		OutputLimit:    1 << 20,
		GradingTimeout: 10 * time.Second,
		MaxCases:       50,
		ScratchDir:     filepath.Join(os.TempDir(), "runbox"),
		Reaper:         ReaperConfig{Interval: time.Hour, ScratchTTL: time.Hour},
	}
}

// Service is the orchestrator: it owns the registry and wires the
// provisioner, executor, file bridge, server host, grader and reaper.
type Service struct {
	Registry    *Registry
	Provisioner *Provisioner
	Executor    *Executor
	Files       *Files
	Servers     *ServerHost
	Grader      *Grader
	Reaper      *Reaper

	eng    engine.Engine
	opts   Options
	log    *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a service around eng. Call Init before use.
func New(eng engine.Engine, opts Options, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Reaper.ScratchDir == "" {
		opts.Reaper.ScratchDir = opts.ScratchDir
	}
	reg := NewRegistry()
	reg.OnChange = m.SetActiveSessions

	prov := NewProvisioner(eng, reg, ProvisionerConfig{
		Policy:     opts.Interactive,
		Root:       opts.Root,
		ServerPort: opts.ServerPort,
	}, log, m)

	return &Service{
		Registry:    reg,
		Provisioner: prov,
		Executor: NewExecutor(eng, prov, ExecutorConfig{
			Root:           opts.Root,
			DefaultTimeout: opts.DefaultTimeout,
			MaxTimeout:     opts.MaxTimeout,
			KillOnTimeout:  opts.KillOnTimeout,
			OutputLimit:    opts.OutputLimit,
		}, log, m),
		Files:   NewFiles(eng, prov, opts.Root, log),
		Servers: NewServerHost(eng, prov, reg, opts.Root, opts.ServerPort, log),
		Grader: NewGrader(eng, opts.Languages, GraderConfig{
			Policy:         opts.Ephemeral,
			WorkDir:        opts.Root,
			ScratchDir:     opts.ScratchDir,
			DefaultTimeout: opts.GradingTimeout,
			MaxTimeout:     opts.MaxTimeout,
			MaxCases:       opts.MaxCases,
			OutputLimit:    opts.OutputLimit,
		}, log, m),
		Reaper: NewReaper(eng, reg, opts.Reaper, log, m),
		eng:    eng,
		opts:   opts,
		log:    log,
	}
}

// Init opens the registry, prepares the scratch dir and starts the reaper.
func (s *Service) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.ScratchDir, 0o700); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	s.Registry.Init()

	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Reaper.Run(rctx)
	}()
	s.log.Info("sandbox service started",
		zap.String("image", s.opts.Interactive.Image),
		zap.Duration("reaper_interval", s.opts.Reaper.Interval),
		zap.Duration("idle_ttl", s.opts.Reaper.IdleTTL))
	return nil
}

// Shutdown stops the reaper and removes every session runtime.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for _, e := range s.Registry.Shutdown() {
		if err := s.eng.Remove(ctx, e.Runtime.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			s.log.Warn("removing runtime on shutdown failed", zap.String("session_id", e.SessionID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.log.Info("sandbox service stopped")
	return errors.Join(errs...)
}

// Cleanup destroys the session's runtime and forgets the session.
func (s *Service) Cleanup(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, newError(KindInvalidRequest, "cleanup", "", "session id is required", nil)
	}
	return s.Provisioner.Destroy(ctx, sessionID)
}

// Sessions lists registered sessions.
func (s *Service) Sessions() []Entry {
	return s.Registry.List()
}

// Ping checks that the engine is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.eng.Ping(ctx)
}
