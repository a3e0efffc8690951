package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/engine"
)

func TestExecuteCapturesOutput(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Executor.Execute(context.Background(), "s1", "echo hello", 0)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.Nil(t, res.Err)
}

func TestExecuteSanitizesCommand(t *testing.T) {
	rec := &execRecorder{Engine: newFakeEngine()}
	svc, _ := newTestServiceWith(t, rec, testOptions(t))

	res, err := svc.Executor.Execute(context.Background(), "s1", "echo hi; cat /etc/passwd", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi cat /etc/passwd\n", res.Stdout)
	assert.Equal(t, []string{"timeout", "-s", "KILL", "1", "sh", "-c", "echo hi cat /etc/passwd"}, rec.last())
}

func TestExecuteWithoutKillWrapper(t *testing.T) {
	rec := &execRecorder{Engine: newFakeEngine()}
	opts := testOptions(t)
	opts.KillOnTimeout = false
	svc, _ := newTestServiceWith(t, rec, opts)

	_, err := svc.Executor.Execute(context.Background(), "s1", "ls", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "ls"}, rec.last())
}

func TestExecuteTruncatesLargeOutput(t *testing.T) {
	opts := testOptions(t)
	opts.OutputLimit = 16
	svc, _ := newTestServiceWith(t, newFakeEngine(), opts)
	ctx := context.Background()

	require.NoError(t, svc.Files.Write(ctx, "s1", "flood.txt", []byte(strings.Repeat("y\n", 500))))
	res, err := svc.Executor.Execute(ctx, "s1", "cat flood.txt", 0)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.Truncated)
	assert.Equal(t, strings.Repeat("y\n", 8), res.Stdout)

	res, err = svc.Executor.Execute(ctx, "s1", "echo ok", 0)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
}

func TestExecuteNonZeroExit(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Executor.Execute(context.Background(), "s1", "exit 3", 0)
	require.NoError(t, err, "a failing command is not an infrastructure error")
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindExecutionFailure, res.Err.Kind)
	assert.Equal(t, "s1", res.Err.SessionID)
	assert.Contains(t, res.ErrorMessage(), "exit status 3")
}

func TestExecuteTimeoutKeepsRuntime(t *testing.T) {
	svc, eng := newTestService(t)
	ctx := context.Background()

	before, err := svc.Provisioner.Provision(ctx, "s1")
	require.NoError(t, err)

	start := time.Now()
	res, err := svc.Executor.Execute(ctx, "s1", "sleep 5", 200*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindExecutionTimeout, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, ErrExecutionTimeout))
	assert.Less(t, elapsed, 500*time.Millisecond+200*time.Millisecond)

	after, ok := svc.Registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, before.Runtime.ID, after.Runtime.ID)
	assert.Equal(t, 1, eng.Count())
}

func TestExecuteRuntimeNotFoundInvalidatesEntry(t *testing.T) {
	rec := &execRecorder{Engine: newFakeEngine()}
	svc, _ := newTestServiceWith(t, rec, testOptions(t))
	ctx := context.Background()

	_, err := svc.Provisioner.Provision(ctx, "s1")
	require.NoError(t, err)

	rec.fail(1, engine.ErrNotFound)
	_, err = svc.Executor.Execute(ctx, "s1", "echo hi", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeNotFound))
	assert.True(t, KindOf(err).Retryable())

	_, ok := svc.Registry.Get("s1")
	assert.False(t, ok, "stale entry must be dropped")

	res, err := svc.Executor.Execute(ctx, "s1", "echo again", 0)
	require.NoError(t, err)
	assert.Equal(t, "again\n", res.Stdout)
}

func TestExecuteStripsANSI(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Executor.Execute(context.Background(), "s1", "echo \x1b[31mred\x1b[0m", 0)
	require.NoError(t, err)
	assert.Equal(t, "red\n", res.Stdout)
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	svc, eng := newTestService(t)
	_, err := svc.Executor.Execute(context.Background(), "s1", " ;;| ", 0)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, 0, eng.Count())
}

func TestExecuteTimeoutIsClamped(t *testing.T) {
	rec := &execRecorder{Engine: newFakeEngine()}
	opts := testOptions(t)
	opts.MaxTimeout = 45 * time.Second
	svc, _ := newTestServiceWith(t, rec, opts)

	_, err := svc.Executor.Execute(context.Background(), "s1", "true", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "45", rec.last()[3])
}
