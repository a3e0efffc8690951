package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/engine/fake"
	"github.com/michaelbrown/runbox/internal/metrics"
)

// scriptProgram emulates an interpreter for a tiny line-oriented language:
//
//	print <text>   write text and a newline to stdout
//	stdin          copy stdin to stdout
//	double         read an integer from stdin, print it doubled
//	fail <code>    write "boom" to stderr and exit with code
//	hang           block until killed
func scriptProgram(ctx context.Context, fs *fake.FS, args []string, stdin []byte) (string, string, int) {
	var src string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			src = a
		}
	}
	code, err := fs.Read(src)
	if err != nil {
		return "", fmt.Sprintf("cannot open %s: %v\n", src, err), 1
	}

	var out strings.Builder
	for _, line := range strings.Split(string(code), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "print "):
			out.WriteString(strings.TrimPrefix(line, "print ") + "\n")
		case line == "stdin":
			out.Write(stdin)
		case line == "double":
			n, err := strconv.Atoi(strings.TrimSpace(string(stdin)))
			if err != nil {
				return out.String(), "not a number\n", 1
			}
			fmt.Fprintf(&out, "%d\n", 2*n)
		case strings.HasPrefix(line, "fail "):
			c, _ := strconv.Atoi(strings.TrimPrefix(line, "fail "))
			return out.String(), "boom\n", c
		case line == "hang":
			<-ctx.Done()
			return out.String(), "", 137
		default:
			return out.String(), "SyntaxError: " + line + "\n", 1
		}
	}
	return out.String(), "", 0
}

func newFakeEngine() *fake.Engine {
	eng := fake.New()
	eng.Programs["node"] = scriptProgram
	eng.Programs["python3"] = scriptProgram
	return eng
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.ScratchDir = t.TempDir()
	opts.Reaper.ScratchDir = opts.ScratchDir
	return opts
}

// newTestService returns an initialized service over a fake engine.
func newTestService(t *testing.T) (*Service, *fake.Engine) {
	t.Helper()
	return newTestServiceWith(t, newFakeEngine(), testOptions(t))
}

func newTestServiceWith(t *testing.T, eng engine.Engine, opts Options) (*Service, *fake.Engine) {
	t.Helper()
	svc := New(eng, opts, zap.NewNop(), metrics.New())
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	fe, _ := eng.(*fake.Engine)
	return svc, fe
}

// execRecorder wraps an engine, recording exec commands and optionally
// failing the next N execs with an error.
type execRecorder struct {
	engine.Engine

	mu       sync.Mutex
	cmds     [][]string
	failNext int
	failWith error
}

func (r *execRecorder) Exec(ctx context.Context, id string, spec engine.ExecSpec) (engine.ExecResult, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, append([]string(nil), spec.Cmd...))
	if r.failNext > 0 {
		r.failNext--
		err := r.failWith
		r.mu.Unlock()
		return engine.ExecResult{}, err
	}
	r.mu.Unlock()
	return r.Engine.Exec(ctx, id, spec)
}

func (r *execRecorder) fail(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
	r.failWith = err
}

func (r *execRecorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cmds) == 0 {
		return nil
	}
	return r.cmds[len(r.cmds)-1]
}
