package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/engine"
)

func assertNoLeftovers(t *testing.T, svc *Service, eng interface{ Count() int }) {
	t.Helper()
	assert.Equal(t, 0, eng.Count(), "grading runtimes must be removed")
	entries, err := os.ReadDir(svc.Grader.ScratchDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir must be emptied")
}

func TestRunOnce(t *testing.T) {
	svc, eng := newTestService(t)

	res, err := svc.Grader.RunOnce(context.Background(), ExecRequest{
		Code:     "print hello\nstdin",
		Language: "javascript",
		Stdin:    "from stdin\n",
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello\nfrom stdin\n", res.Stdout)
	assertNoLeftovers(t, svc, eng)

	created, removed, _ := eng.Stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, removed)
}

func TestRunOnceUsesLanguageAliases(t *testing.T) {
	svc, eng := newTestService(t)
	res, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print py", Language: "PY"})
	require.NoError(t, err)
	assert.Equal(t, "py\n", res.Stdout)
	assertNoLeftovers(t, svc, eng)
}

func TestRunOnceCleanupOnEveryOutcome(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		timeout time.Duration
		kind    Kind
	}{
		{"non-zero exit", "fail 2", 0, KindExecutionFailure},
		{"syntax error", "this is not code", 0, KindExecutionFailure},
		{"timeout", "hang", 150 * time.Millisecond, KindExecutionTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, eng := newTestService(t)
			res, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: tt.code, Language: "javascript", Timeout: tt.timeout})
			require.NoError(t, err)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.kind, res.Err.Kind)
			assertNoLeftovers(t, svc, eng)
		})
	}
}

func TestRunOnceCleanupOnInfrastructureFailure(t *testing.T) {
	t.Run("create fails", func(t *testing.T) {
		svc, eng := newTestService(t)
		eng.CreateErr = engine.ErrUnavailable
		_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "javascript"})
		assert.True(t, errors.Is(err, ErrProvision))
		assertNoLeftovers(t, svc, eng)
	})

	t.Run("start fails", func(t *testing.T) {
		fe := newFakeEngine()
		svc, _ := newTestServiceWith(t, &stagingFailEngine{Engine: fe, startErr: errors.New("oci runtime error")}, testOptions(t))
		_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "javascript"})
		assert.True(t, errors.Is(err, ErrProvision), "%v", err)
		created, removed, _ := fe.Stats()
		assert.Equal(t, 1, created)
		assert.Equal(t, 1, removed)
		assertNoLeftovers(t, svc, fe)
	})

	t.Run("source copy fails", func(t *testing.T) {
		fe := newFakeEngine()
		svc, _ := newTestServiceWith(t, &stagingFailEngine{Engine: fe, writeErr: engine.ErrPermission}, testOptions(t))
		_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "javascript"})
		assert.True(t, errors.Is(err, ErrProvision), "%v", err)
		created, removed, _ := fe.Stats()
		assert.Equal(t, 1, created)
		assert.Equal(t, 1, removed)
		assertNoLeftovers(t, svc, fe)
	})

	t.Run("exec fails", func(t *testing.T) {
		rec := &execRecorder{Engine: newFakeEngine()}
		svc, _ := newTestServiceWith(t, rec, testOptions(t))
		rec.fail(1, errors.New("stream reset"))
		_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "javascript"})
		assert.True(t, errors.Is(err, ErrEngine), "%v", err)
		assertNoLeftovers(t, svc, rec.Engine.(interface{ Count() int }))
	})

	t.Run("caller cancels", func(t *testing.T) {
		svc, eng := newTestService(t)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := svc.Grader.RunOnce(ctx, ExecRequest{Code: "hang", Language: "javascript", Timeout: 5 * time.Second})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assertNoLeftovers(t, svc, eng)
	})
}

// stagingFailEngine fails Start or WriteFile after a successful Create.
type stagingFailEngine struct {
	engine.Engine
	startErr error
	writeErr error
}

func (e *stagingFailEngine) Start(ctx context.Context, id string) error {
	if e.startErr != nil {
		return e.startErr
	}
	return e.Engine.Start(ctx, id)
}

func (e *stagingFailEngine) WriteFile(ctx context.Context, id, p string, r io.Reader) error {
	if e.writeErr != nil {
		return e.writeErr
	}
	return e.Engine.WriteFile(ctx, id, p, r)
}

func TestRunOnceTruncatesOutput(t *testing.T) {
	opts := testOptions(t)
	opts.OutputLimit = 6
	svc, eng := newTestServiceWith(t, newFakeEngine(), opts)

	res, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print first line\nprint second", Language: "javascript"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "first ", res.Stdout)
	assertNoLeftovers(t, svc, eng)
}

func TestRunOnceRejectsBadRequests(t *testing.T) {
	svc, eng := newTestService(t)

	_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "cobol"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "  ", Language: "javascript"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	created, _, _ := eng.Stats()
	assert.Zero(t, created)
}

func TestRunOnceEnforcesImageAllowlist(t *testing.T) {
	opts := testOptions(t)
	opts.Ephemeral.Images = []string{"node:20-alpine"}
	svc, _ := newTestServiceWith(t, newFakeEngine(), opts)

	_, err := svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "python"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = svc.Grader.RunOnce(context.Background(), ExecRequest{Code: "print x", Language: "javascript"})
	assert.NoError(t, err)
}

func TestRunBatchGradesEveryCase(t *testing.T) {
	svc, eng := newTestService(t)

	report, err := svc.Grader.RunBatch(context.Background(), "double", "javascript", []TestCase{
		{Input: "1", ExpectedOutput: "2"},
		{Input: "21\n", ExpectedOutput: "42\r\n"},
		{Input: "3", ExpectedOutput: "7"},
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)
	assert.True(t, report.Results[0].Passed)
	assert.True(t, report.Results[1].Passed)
	assert.False(t, report.Results[2].Passed)
	assert.Equal(t, "6\n", report.Results[2].ActualOutput)

	created, removed, _ := eng.Stats()
	assert.Equal(t, 1, created, "a batch shares one runtime")
	assert.Equal(t, 1, removed)
	assertNoLeftovers(t, svc, eng)
}

func TestRunBatchRuntimeErrorFailsCase(t *testing.T) {
	svc, _ := newTestService(t)
	report, err := svc.Grader.RunBatch(context.Background(), "fail 1", "python", []TestCase{{Input: "", ExpectedOutput: ""}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "boom", report.Results[0].Error)
}

func TestRunBatchLimits(t *testing.T) {
	opts := testOptions(t)
	opts.MaxCases = 2
	svc, _ := newTestServiceWith(t, newFakeEngine(), opts)

	_, err := svc.Grader.RunBatch(context.Background(), "print x", "javascript", nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = svc.Grader.RunBatch(context.Background(), "print x", "javascript", make([]TestCase, 3), 0)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestConcurrentBatchesUseSeparateRuntimes(t *testing.T) {
	svc, eng := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := svc.Grader.RunBatch(context.Background(), "stdin", "javascript", []TestCase{
				{Input: "a", ExpectedOutput: "a"},
				{Input: "b", ExpectedOutput: "b"},
			}, time.Second)
			assert.NoError(t, err)
			assert.Equal(t, 2, report.Passed)
		}()
	}
	wg.Wait()

	created, removed, _ := eng.Stats()
	assert.Equal(t, 5, created)
	assert.Equal(t, 5, removed)
	assertNoLeftovers(t, svc, eng)
}

func TestOutputMatches(t *testing.T) {
	assert.True(t, OutputMatches("42\n", "42"))
	assert.True(t, OutputMatches("a\r\nb\r\n", "a\nb"))
	assert.True(t, OutputMatches("  x  ", "x"))
	assert.False(t, OutputMatches("a\n\nb", "a\nb"))
	assert.False(t, OutputMatches("42", "43"))
}
