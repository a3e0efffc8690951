package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/client"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine/fake"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	opts := sandbox.DefaultOptions()
	opts.ScratchDir = t.TempDir()
	svc := sandbox.New(fake.New(), opts, zap.NewNop(), nil)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	hs := httptest.NewServer(server.New(&config.Config{}, svc, zap.NewNop(), nil).Handler())
	t.Cleanup(hs.Close)
	c, err := client.New(hs.URL)
	require.NoError(t, err)

	var out bytes.Buffer
	return &shell{c: c, sessionID: "cli", out: &out}, &out
}

func TestShellCommands(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	quit, err := sh.handle(ctx, "echo hello")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, "hello\n", out.String())

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("remember"), 0o644))
	out.Reset()
	_, err = sh.handle(ctx, "/put "+local)
	require.NoError(t, err)
	assert.Equal(t, "wrote 8 bytes to notes.txt\n", out.String())

	out.Reset()
	_, err = sh.handle(ctx, "/cat notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "remember\n", out.String())

	out.Reset()
	_, err = sh.handle(ctx, "/ls")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "notes.txt\n")

	out.Reset()
	_, err = sh.handle(ctx, "/server")
	require.NoError(t, err)
	assert.Equal(t, "no server running\n", out.String())

	_, err = sh.handle(ctx, "/bogus")
	assert.Error(t, err)

	quit, err = sh.handle(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestShellReportsFailures(t *testing.T) {
	sh, out := newTestShell(t)

	_, err := sh.handle(context.Background(), "exit 2")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(exit 2)")

	_, err = sh.handle(context.Background(), "/cat ../../etc/shadow")
	assert.ErrorContains(t, err, "InvalidPath")
}
