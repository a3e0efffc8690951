package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/michaelbrown/runbox/internal/engine"
)

func TestFilesWriteReadList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Files.Write(ctx, "s1", "src/index.js", []byte("console.log(1)\n")))
	require.NoError(t, svc.Files.Write(ctx, "s1", "/app/README.md", []byte("# hi\n")))

	got, err := svc.Files.Read(ctx, "s1", "/app/src/index.js", false)
	require.NoError(t, err)
	assert.Equal(t, FileContent{Content: "console.log(1)\n", Length: 15}, got)

	nodes, err := svc.Files.List(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, []FileNode{
		{Name: "README.md", Path: "/app/README.md", Type: NodeFile},
		{Name: "package.json", Path: "/app/package.json", Type: NodeFile},
		{Name: "src", Path: "/app/src", Type: NodeDirectory},
	}, nodes)

	nodes, err = svc.Files.List(ctx, "s1", "src")
	require.NoError(t, err)
	assert.Equal(t, []FileNode{{Name: "index.js", Path: "/app/src/index.js", Type: NodeFile}}, nodes)
}

func TestFilesErrors(t *testing.T) {
	svc, eng := newTestService(t)
	ctx := context.Background()

	_, err := svc.Files.Read(ctx, "s1", "missing.txt", false)
	assert.True(t, errors.Is(err, ErrFileNotFound), "%v", err)

	require.NoError(t, svc.Files.Create(ctx, "s1", "dir", NodeDirectory))
	_, err = svc.Files.Read(ctx, "s1", "dir", false)
	assert.True(t, errors.Is(err, ErrInvalidPath), "%v", err)

	e, _ := svc.Registry.Get("s1")
	eng.FS(e.Runtime.ID).Deny("/app/secret")
	err = svc.Files.Write(ctx, "s1", "secret/key", []byte("x"))
	assert.True(t, errors.Is(err, ErrPermissionDenied), "%v", err)
	_, err = svc.Files.List(ctx, "s1", "secret")
	assert.True(t, errors.Is(err, ErrPermissionDenied), "%v", err)
}

func TestFilesReadRefusesOversizedFile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Files.Write(ctx, "s1", "dump.bin", make([]byte, engine.MaxReadBytes+1)))
	got, err := svc.Files.Read(ctx, "s1", "dump.bin", false)
	assert.True(t, errors.Is(err, ErrFileTooLarge), "%v", err)
	assert.Empty(t, got.Content, "no partial content")
	assert.Equal(t, http.StatusRequestEntityTooLarge, KindOf(err).HTTPStatus())
}

func TestFilesRejectEscapesBeforeTouchingRuntime(t *testing.T) {
	svc, eng := newTestService(t)
	ctx := context.Background()

	for _, p := range []string{"../etc/passwd", "/etc/passwd", "/app/../root", "a/../../x", "bad\x00name", "/application"} {
		_, err := svc.Files.Read(ctx, "s1", p, false)
		assert.True(t, errors.Is(err, ErrInvalidPath), "read %q: %v", p, err)
		err = svc.Files.Write(ctx, "s1", p, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidPath), "write %q: %v", p, err)
		_, err = svc.Files.List(ctx, "s1", p)
		assert.True(t, errors.Is(err, ErrInvalidPath), "list %q: %v", p, err)
	}
	err := svc.Files.Write(ctx, "s1", "/app", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidPath))
	assert.Equal(t, 0, eng.Count(), "no runtime is provisioned for rejected paths")
}

func TestResolvePathStaysInsideRoot(t *testing.T) {
	segments := []string{"..", ".", "a", "b", "", "app", "x.txt"}
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom(segments), 0, 8).Draw(t, "parts")
		p := strings.Join(parts, "/")
		if rapid.Bool().Draw(t, "absolute") {
			p = "/" + p
		}
		got, err := resolvePath("/app", p)
		if err != nil {
			if KindOf(err) != KindInvalidPath {
				t.Fatalf("resolvePath(%q) error kind = %q, want InvalidPath", p, KindOf(err))
			}
			return
		}
		if got != "/app" && !strings.HasPrefix(got, "/app/") {
			t.Fatalf("resolvePath(%q) = %q escapes /app", p, got)
		}
		if strings.Contains(got, "..") {
			t.Fatalf("resolvePath(%q) = %q is not clean", p, got)
		}
	})
}

func TestResolvePathAcceptsPlainRelativePaths(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9_]{1,8}`), 1, 5).Draw(t, "parts")
		p := strings.Join(parts, "/")
		got, err := resolvePath("/app", p)
		if err != nil {
			t.Fatalf("resolvePath(%q): %v", p, err)
		}
		if got != "/app/"+p {
			t.Fatalf("resolvePath(%q) = %q", p, got)
		}
	})
}

func TestFilesBinaryRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		if err := svc.Files.Write(ctx, "s1", "blob.bin", data); err != nil {
			t.Fatalf("write: %v", err)
		}
		fc, err := svc.Files.Read(ctx, "s1", "blob.bin", false)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if fc.Length != len(data) {
			t.Fatalf("length = %d, want %d", fc.Length, len(data))
		}
		var back []byte
		if fc.IsBinary {
			back, err = base64.StdEncoding.DecodeString(fc.Content)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
		} else {
			back = []byte(fc.Content)
		}
		if string(back) != string(data) {
			t.Fatalf("round trip mismatch: got %x, want %x", back, data)
		}
		if fc.IsBinary != IsBinary(data) {
			t.Fatalf("IsBinary = %v for %x", fc.IsBinary, data)
		}
	})
}

func TestFilesForceText(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	data := []byte("ok\xff\xfe text")
	require.NoError(t, svc.Files.Write(ctx, "s1", "mixed.txt", data))

	auto, err := svc.Files.Read(ctx, "s1", "mixed.txt", false)
	require.NoError(t, err)
	assert.True(t, auto.IsBinary)

	forced, err := svc.Files.Read(ctx, "s1", "mixed.txt", true)
	require.NoError(t, err)
	assert.False(t, forced.IsBinary)
	assert.Equal(t, "ok text", forced.Content)
	assert.Equal(t, len(data), forced.Length)
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("line one\r\n\tline two\n")))
	assert.False(t, IsBinary([]byte("héllo wörld")))
	assert.True(t, IsBinary([]byte{0x89, 'P', 'N', 'G'}))
	assert.True(t, IsBinary([]byte("a\x00b")))
	assert.True(t, IsBinary([]byte("bell\x07")))
	assert.True(t, IsBinary([]byte("del\x7f")))
	assert.False(t, IsBinary(nil))
}

func TestFilesCreate(t *testing.T) {
	svc, eng := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Files.Create(ctx, "s1", "lib/util.js", NodeFile))
	require.NoError(t, svc.Files.Create(ctx, "s1", "assets/img", NodeDirectory))

	e, _ := svc.Registry.Get("s1")
	fs := eng.FS(e.Runtime.ID)
	data, err := fs.Read("/app/lib/util.js")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, fs.Exists("/app/assets/img"))

	require.NoError(t, svc.Files.Write(ctx, "s1", "lib/util.js", []byte("keep")))
	require.NoError(t, svc.Files.Create(ctx, "s1", "lib/util.js", NodeFile))
	data, _ = fs.Read("/app/lib/util.js")
	assert.Equal(t, "keep", string(data), "creating an existing file keeps its content")

	err = svc.Files.Create(ctx, "s1", "x", NodeType("socket"))
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	err = svc.Files.Create(ctx, "s1", "lib/util.js/nested", NodeFile)
	assert.True(t, errors.Is(err, ErrInvalidPath), "%v", err)
}

func TestSessionIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, sid := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			assert.NoError(t, svc.Files.Write(ctx, sid, "whoami.txt", []byte(sid)))
		}(sid)
	}
	wg.Wait()

	for _, sid := range []string{"alice", "bob"} {
		fc, err := svc.Files.Read(ctx, sid, "whoami.txt", false)
		require.NoError(t, err)
		assert.Equal(t, sid, fc.Content)
	}

	a, _ := svc.Registry.Get("alice")
	b, _ := svc.Registry.Get("bob")
	assert.NotEqual(t, a.Runtime.ID, b.Runtime.ID)
	assert.NotEqual(t, a.Runtime.Ports[3000], b.Runtime.Ports[3000])
}

func TestDecodeContent(t *testing.T) {
	data, err := DecodeContent(base64.StdEncoding.EncodeToString([]byte{0, 1, 2}), "base64")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	data, err = DecodeContent("plain", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), data)

	_, err = DecodeContent("!!", "base64")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = DecodeContent("x", "rot13")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}
