package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// ExecRequest is a one-shot program run.
type ExecRequest struct {
	Code     string
	Language string
	Stdin    string
	Timeout  time.Duration
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

// CaseResult is the verdict for one test case.
type CaseResult struct {
	Index          int           `json:"index"`
	Input          string        `json:"input"`
	ExpectedOutput string        `json:"expectedOutput"`
	ActualOutput   string        `json:"actualOutput"`
	Stderr         string        `json:"stderr,omitempty"`
	Passed         bool          `json:"passed"`
	ExitCode       int           `json:"exitCode"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"executionTime"`
	Truncated      bool          `json:"truncated,omitempty"`
}

// BatchReport summarizes a graded batch.
type BatchReport struct {
	Results []CaseResult `json:"results"`
	Total   int          `json:"totalCases"`
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
}

// GraderConfig configures ephemeral grading runtimes.
type GraderConfig struct {
	Policy         Policy
	WorkDir        string // source location inside the runtime
	ScratchDir     string // host staging area
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxCases       int
	OutputLimit    int64 // bytes kept per output stream; 0 is unlimited
}

// Grader runs untrusted programs in throwaway runtimes. Every run gets its
// own runtime, removed before the call returns.
type Grader struct {
	eng     engine.Engine
	langs   *Languages
	cfg     GraderConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewGrader(eng engine.Engine, langs *Languages, cfg GraderConfig, log *zap.Logger, m *metrics.Metrics) *Grader {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/app"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "runbox")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxCases <= 0 {
		cfg.MaxCases = 50
	}
	if langs == nil {
		langs = DefaultLanguages()
	}
	return &Grader{eng: eng, langs: langs, cfg: cfg, log: log.Named("grader"), metrics: m}
}

// Languages returns the grader's language table.
func (g *Grader) Languages() *Languages { return g.langs }

// ScratchDir is the host directory where sources are staged.
func (g *Grader) ScratchDir() string { return g.cfg.ScratchDir }

// RunOnce runs req.Code with req.Stdin in a fresh runtime.
func (g *Grader) RunOnce(ctx context.Context, req ExecRequest) (Result, error) {
	lang, err := g.lookup(req.Language)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return Result{}, newError(KindInvalidRequest, "run", "", "code is required", nil)
	}
	timeout := g.clamp(req.Timeout)

	start := time.Now()
	var res Result
	err = g.withRuntime(ctx, lang, req.Code, func(id string, argv []string) error {
		var err error
		res, err = g.exec(ctx, id, lang, argv, req.Stdin, timeout)
		return err
	})
	g.metrics.GradingRun(lang.Name, gradingOutcome(res, err), time.Since(start))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RunBatch runs code once per test case, sequentially in one runtime.
func (g *Grader) RunBatch(ctx context.Context, code, language string, cases []TestCase, timeout time.Duration) (BatchReport, error) {
	lang, err := g.lookup(language)
	if err != nil {
		return BatchReport{}, err
	}
	if strings.TrimSpace(code) == "" {
		return BatchReport{}, newError(KindInvalidRequest, "grade", "", "code is required", nil)
	}
	if len(cases) == 0 {
		return BatchReport{}, newError(KindInvalidRequest, "grade", "", "at least one test case is required", nil)
	}
	if len(cases) > g.cfg.MaxCases {
		return BatchReport{}, newError(KindInvalidRequest, "grade", "", fmt.Sprintf("too many test cases (max %d)", g.cfg.MaxCases), nil)
	}
	timeout = g.clamp(timeout)

	start := time.Now()
	report := BatchReport{Total: len(cases), Results: make([]CaseResult, 0, len(cases))}
	err = g.withRuntime(ctx, lang, code, func(id string, argv []string) error {
		for i, tc := range cases {
			res, err := g.exec(ctx, id, lang, argv, tc.Input, timeout)
			if err != nil {
				return err
			}
			cr := CaseResult{
				Index:          i,
				Input:          tc.Input,
				ExpectedOutput: tc.ExpectedOutput,
				ActualOutput:   res.Stdout,
				Stderr:         res.Stderr,
				ExitCode:       res.ExitCode,
				Duration:       res.Duration,
				Truncated:      res.Truncated,
			}
			if res.Err != nil {
				cr.Error = res.ErrorMessage()
			}
			cr.Passed = res.Err == nil && OutputMatches(res.Stdout, tc.ExpectedOutput)
			if cr.Passed {
				report.Passed++
			} else {
				report.Failed++
			}
			g.metrics.GradingCase(cr.Passed)
			report.Results = append(report.Results, cr)
		}
		return nil
	})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(KindOf(err))
	case report.Failed > 0:
		outcome = "failed_cases"
	}
	g.metrics.GradingRun(lang.Name, outcome, time.Since(start))
	if err != nil {
		return BatchReport{}, err
	}
	return report, nil
}

// OutputMatches compares program output with the expected output, ignoring
// surrounding whitespace and line-ending style.
func OutputMatches(actual, expected string) bool {
	return normalizeOutput(actual) == normalizeOutput(expected)
}

func normalizeOutput(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

func (g *Grader) lookup(language string) (*Language, error) {
	lang, ok := g.langs.Lookup(language)
	if !ok {
		return nil, newError(KindInvalidRequest, "run", "", fmt.Sprintf("unsupported language %q (supported: %s)", language, strings.Join(g.langs.Names(), ", ")), nil)
	}
	image := lang.Image
	if image == "" {
		image = g.cfg.Policy.Image
	}
	if !g.cfg.Policy.IsImageAllowed(image) {
		return nil, newError(KindInvalidRequest, "run", "", fmt.Sprintf("image %q not in allowlist", image), nil)
	}
	return lang, nil
}

func (g *Grader) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return g.cfg.DefaultTimeout
	}
	if d > g.cfg.MaxTimeout {
		return g.cfg.MaxTimeout
	}
	return d
}

// withRuntime stages code, creates a runtime, copies the source in and runs
// fn. The runtime and staging directory are removed on every return path;
// cleanup failures are logged and never replace fn's error.
func (g *Grader) withRuntime(ctx context.Context, lang *Language, code string, fn func(id string, argv []string) error) error {
	execID := uuid.NewString()
	log := g.log.With(zap.String("exec_id", execID), zap.String("language", lang.Name))

	stage := filepath.Join(g.cfg.ScratchDir, execID)
	if err := os.MkdirAll(stage, 0o700); err != nil {
		return newError(KindProvision, "stage", "", "creating scratch dir", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(stage); rmErr != nil {
			log.Warn("removing scratch dir failed", zap.String("dir", stage), zap.Error(rmErr))
		}
	}()

	src := filepath.Join(stage, lang.SourceFile)
	if err := os.WriteFile(src, []byte(code), 0o600); err != nil {
		return newError(KindProvision, "stage", "", "writing source", err)
	}

	image := lang.Image
	if image == "" {
		image = g.cfg.Policy.Image
	}
	rt, err := g.eng.Create(ctx, engine.CreateSpec{
		Name:   "runbox-exec-" + execID,
		Image:  image,
		Root:   g.cfg.WorkDir,
		Cmd:    []string{"tail", "-f", "/dev/null"},
		Limits: g.cfg.Policy.Limits(),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelKind:    KindEphemeral,
		},
		Hardened: g.cfg.Policy.Hardened,
	})
	if err != nil {
		return newError(KindProvision, "run", "", "creating runtime", err)
	}
	defer func() {
		// Removal must happen even when ctx is already cancelled.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := g.eng.Remove(rmCtx, rt.ID); rmErr != nil && !errors.Is(rmErr, engine.ErrNotFound) {
			log.Error("removing grading runtime failed", zap.String("runtime", rt.ID), zap.Error(rmErr))
		}
	}()

	if err := g.eng.Start(ctx, rt.ID); err != nil {
		return newError(KindProvision, "run", "", "starting runtime", err)
	}

	f, err := os.Open(src)
	if err != nil {
		return newError(KindProvision, "stage", "", "opening staged source", err)
	}
	defer f.Close()
	target := path.Join(g.cfg.WorkDir, lang.SourceFile)
	if err := g.eng.WriteFile(ctx, rt.ID, target, f); err != nil {
		return newError(KindProvision, "stage", "", "copying source into runtime", err)
	}

	argv, err := lang.Command(g.cfg.WorkDir)
	if err != nil {
		return newError(KindInvalidRequest, "run", "", "", err)
	}
	return fn(rt.ID, argv)
}

func (g *Grader) exec(ctx context.Context, id string, lang *Language, argv []string, stdin string, timeout time.Duration) (Result, error) {
	spec := engine.ExecSpec{
		Cmd:     killAfter(timeout, argv),
		WorkDir: g.cfg.WorkDir,
		Env:     lang.Env,
		Stdin:   strings.NewReader(stdin),

		OutputLimit: g.cfg.OutputLimit,
	}
	res, err := runWithTimeout(ctx, g.eng, id, spec, timeout, true)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, newError(KindEngine, "run", "", "", err)
	}
	return res, nil
}

func gradingOutcome(res Result, err error) string {
	switch {
	case err != nil:
		if k := KindOf(err); k != "" {
			return string(k)
		}
		return "error"
	case res.Err != nil:
		return string(res.Err.Kind)
	default:
		return "ok"
	}
}
