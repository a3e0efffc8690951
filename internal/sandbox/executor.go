package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// Result is the outcome of a command or program run. Err is nil exactly
// when the process exited with status 0.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Err      *Error        `json:"-"`
	Duration time.Duration `json:"duration"`
	// Truncated is set when output past the configured limit was dropped.
	Truncated bool `json:"truncated,omitempty"`
}

// Success reports whether the process completed with exit code 0.
func (r Result) Success() bool { return r.Err == nil }

// ErrorMessage is the text reported to API callers for a failed result.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return r.Err.Error()
}

// ExecutorConfig configures interactive command execution.
type ExecutorConfig struct {
	Root           string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// KillOnTimeout wraps commands in an in-runtime timeout so a timed-out
	// process does not outlive the call.
	KillOnTimeout bool
	// OutputLimit caps the bytes kept per output stream; 0 is unlimited.
	OutputLimit int64
}

// Executor runs shell commands in session runtimes.
type Executor struct {
	eng     engine.Engine
	prov    *Provisioner
	cfg     ExecutorConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewExecutor(eng engine.Engine, prov *Provisioner, cfg ExecutorConfig, log *zap.Logger, m *metrics.Metrics) *Executor {
	if cfg.Root == "" {
		cfg.Root = "/app"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	return &Executor{eng: eng, prov: prov, cfg: cfg, log: log.Named("executor"), metrics: m}
}

// Execute runs command in the session's runtime. The returned error is set
// for infrastructure failures; execution failures and timeouts are reported
// through Result.Err.
func (x *Executor) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (Result, error) {
	clean := strings.TrimSpace(Sanitize(command))
	if clean == "" {
		return Result{}, newError(KindInvalidRequest, "exec", sessionID, "command is empty", nil)
	}
	timeout = x.clampTimeout(timeout)

	entry, release, err := x.prov.Acquire(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	log := x.log.With(zap.String("session_id", sessionID), zap.String("op", "exec"), zap.String("runtime", entry.Runtime.ID))
	spec := engine.ExecSpec{Cmd: x.argv(clean, timeout), WorkDir: x.cfg.Root, OutputLimit: x.cfg.OutputLimit}
	res, err := runWithTimeout(ctx, x.eng, entry.Runtime.ID, spec, timeout, x.cfg.KillOnTimeout)
	if err != nil {
		var kind Kind
		switch {
		case errors.Is(err, engine.ErrNotFound):
			x.prov.Invalidate(sessionID, entry.Runtime.ID)
			kind = KindRuntimeNotFound
		case errors.Is(err, engine.ErrConflict):
			// Stopped under us; the next provision restarts it.
			kind = KindRuntimeNotFound
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, err
		default:
			kind = KindEngine
		}
		log.Warn("exec failed", zap.Error(err))
		x.metrics.Exec(string(kind), 0)
		return Result{}, newError(kind, "exec", sessionID, "", err)
	}

	if res.Truncated {
		log.Info("command output truncated", zap.Int64("limit", x.cfg.OutputLimit))
	}
	if res.Err != nil {
		res.Err.SessionID = sessionID
		if res.Err.Kind == KindExecutionTimeout {
			log.Info("command timed out", zap.Duration("timeout", timeout))
		}
		x.metrics.Exec(string(res.Err.Kind), res.Duration)
	} else {
		x.metrics.Exec("ok", res.Duration)
	}
	return res, nil
}

func (x *Executor) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return x.cfg.DefaultTimeout
	}
	if d > x.cfg.MaxTimeout {
		return x.cfg.MaxTimeout
	}
	return d
}

func (x *Executor) argv(command string, timeout time.Duration) []string {
	argv := []string{"sh", "-c", command}
	if x.cfg.KillOnTimeout {
		argv = killAfter(timeout, argv)
	}
	return argv
}

// killAfter wraps argv in the runtime's timeout(1) with SIGKILL.
func killAfter(timeout time.Duration, argv []string) []string {
	secs := int(math.Ceil(timeout.Seconds()))
	return append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, argv...)
}

type execOutcome struct {
	res engine.ExecResult
	err error
}

// runWithTimeout races the exec against timeout. On timeout the exec is
// abandoned and its context cancelled; the runtime is left running.
func runWithTimeout(ctx context.Context, eng engine.Engine, id string, spec engine.ExecSpec, timeout time.Duration, killWrapped bool) (Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan execOutcome, 1)
	go func() {
		res, err := eng.Exec(execCtx, id, spec)
		done <- execOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, out.err
		}
		return toResult(out.res, time.Since(start), timeout, killWrapped), nil
	case <-timer.C:
		return timeoutResult(time.Since(start), timeout), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func toResult(r engine.ExecResult, elapsed, timeout time.Duration, killWrapped bool) Result {
	// The in-runtime wrapper kills with SIGKILL (137) once the deadline passes.
	if killWrapped && r.ExitCode == 137 && elapsed >= timeout {
		return timeoutResult(elapsed, timeout)
	}
	res := Result{
		Stdout:   StripANSI(string(r.Stdout)),
		Stderr:   StripANSI(string(r.Stderr)),
		ExitCode:  r.ExitCode,
		Duration:  elapsed,
		Truncated: r.Truncated,
	}
	if r.ExitCode != 0 {
		res.Err = &Error{Kind: KindExecutionFailure, Op: "exec", Message: fmt.Sprintf("exit status %d", r.ExitCode)}
	}
	return res
}

func timeoutResult(elapsed, timeout time.Duration) Result {
	return Result{
		ExitCode: -1,
		Duration: elapsed,
		Err:      &Error{Kind: KindExecutionTimeout, Op: "exec", Message: fmt.Sprintf("timed out after %s", timeout)},
	}
}
