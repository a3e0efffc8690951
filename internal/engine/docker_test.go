package engine

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassifyPathError(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"cat: can't open '/app/x': No such file or directory", ErrFileNotFound},
		{"sh: cd: line 1: can't cd to /app/x", ErrFileNotFound},
		{"sh: can't create /app/x: Permission denied", ErrPermission},
		{"sh: can't create /app/x: Read-only file system", ErrPermission},
		{"mkdir: can't create directory '/app/a': Not a directory", ErrNotDir},
		{"cat: read error: Is a directory", ErrIsDir},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := ClassifyPathError(tt.stderr, "/app/x")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "/app/x")
		})
	}

	err := ClassifyPathError("disk quota exceeded\n", "/app/x")
	for _, sentinel := range []error{ErrFileNotFound, ErrPermission, ErrNotDir, ErrIsDir} {
		assert.NotErrorIs(t, err, sentinel)
	}
	assert.EqualError(t, err, "file operation on /app/x failed: disk quota exceeded")
}

// newTestDocker returns a Docker engine or skips when no daemon or test image is available.
func newTestDocker(t *testing.T) (*Docker, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker integration test in short mode")
	}
	d, err := NewDocker(DockerConfig{}, zap.NewNop())
	if err != nil {
		t.Skipf("docker client: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}

	image := os.Getenv("RUNBOX_TEST_IMAGE")
	if image == "" {
		image = "alpine:3.20"
	}
	if _, err := d.cli.ImageInspect(ctx, image); err != nil {
		t.Skipf("test image %s not present: %v", image, err)
	}
	return d, image
}

func TestDockerRuntimeLifecycle(t *testing.T) {
	d, image := newTestDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	runID := uuid.NewString()[:8]
	labels := map[string]string{"runbox.test": runID}
	rt, err := d.Create(ctx, CreateSpec{
		Name:    "runbox-test-" + runID,
		Image:   image,
		Root:    "/app",
		Cmd:     []string{"tail", "-f", "/dev/null"},
		Limits:  Limits{MemoryBytes: 64 << 20, PidsLimit: 64, Network: NetworkBridge},
		Labels:  labels,
		Publish: []int{3000},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Remove(context.Background(), rt.ID) })
	assert.Equal(t, StateProvisioning, rt.State)

	require.NoError(t, d.Start(ctx, rt.ID))

	info, err := d.Inspect(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, "/app", info.Root)
	assert.NotZero(t, info.Ports[3000], "published port gets a host port")

	res, err := d.Exec(ctx, rt.ID, ExecSpec{Cmd: []string{"sh", "-c", "echo out; echo err >&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, 3, res.ExitCode)

	res, err = d.Exec(ctx, rt.ID, ExecSpec{Cmd: []string{"cat"}, Stdin: strings.NewReader("piped")})
	require.NoError(t, err)
	assert.Equal(t, "piped", string(res.Stdout))

	require.NoError(t, d.WriteFile(ctx, rt.ID, "/app/src/main.js", strings.NewReader("console.log(1)\n")))
	data, err := d.ReadFile(ctx, rt.ID, "/app/src/main.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)\n", string(data))

	entries, err := d.ListDir(ctx, rt.ID, "/app")
	require.NoError(t, err)
	assert.Contains(t, entries, DirEntry{Name: "src", IsDir: true})

	entries, err = d.ListDir(ctx, rt.ID, "/app/src")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "main.js"}}, entries)

	_, err = d.ReadFile(ctx, rt.ID, "/app/missing.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = d.ListDir(ctx, rt.ID, "/app/nope")
	assert.ErrorIs(t, err, ErrFileNotFound)

	listed, err := d.List(ctx, labels)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rt.ID, listed[0].ID)
	assert.Equal(t, StateRunning, listed[0].State)

	require.NoError(t, d.Kill(ctx, rt.ID))
	require.NoError(t, d.Remove(ctx, rt.ID))
	require.NoError(t, d.Remove(ctx, rt.ID), "removing twice is not an error")

	_, err = d.Inspect(ctx, rt.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDockerExecHonorsContext(t *testing.T) {
	d, image := newTestDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rt, err := d.Create(ctx, CreateSpec{
		Name:   "runbox-test-" + uuid.NewString()[:8],
		Image:  image,
		Root:   "/",
		Cmd:    []string{"tail", "-f", "/dev/null"},
		Limits: Limits{Network: NetworkNone},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Remove(context.Background(), rt.ID) })
	require.NoError(t, d.Start(ctx, rt.ID))

	short, stop := context.WithTimeout(ctx, 500*time.Millisecond)
	defer stop()
	start := time.Now()
	_, err = d.Exec(short, rt.ID, ExecSpec{Cmd: []string{"sleep", "30"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}
