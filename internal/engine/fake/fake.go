// Package fake is an in-memory engine.Engine for tests.
//
// Each runtime owns a virtual filesystem and a process table. Exec understands
// a small shell vocabulary (mkdir, touch, echo, cat, ls, rm, sleep, exit,
// true, false, npm, pkill, nohup, timeout, sh -c) and delegates anything else
// to registered Programs.
package fake

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/michaelbrown/runbox/internal/engine"
)

// Program emulates an executable inside a runtime.
type Program func(ctx context.Context, fs *FS, args []string, stdin []byte) (stdout, stderr string, code int)

// Engine is a concurrency-safe fake runtime engine.
type Engine struct {
	mu       sync.Mutex
	runtimes map[string]*runtime
	names    map[string]string
	nextID   int
	nextPort int

	// Programs maps executable names to emulations.
	Programs map[string]Program

	// Injected failures. CreateErr fails every Create; ConflictOnce makes the
	// next N Creates report a name conflict.
	CreateErr    error
	ConflictOnce int
	ExecErr      error
	PingErr      error

	created int
	removed int
	npmRuns int
}

type runtime struct {
	rt    engine.Runtime
	fs    *FS
	procs []string
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		runtimes: make(map[string]*runtime),
		names:    make(map[string]string),
		nextPort: 40000,
		Programs: make(map[string]Program),
	}
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.PingErr
}

func (e *Engine) Create(ctx context.Context, spec engine.CreateSpec) (engine.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateErr != nil {
		return engine.Runtime{}, e.CreateErr
	}
	if e.ConflictOnce > 0 {
		e.ConflictOnce--
		return engine.Runtime{}, fmt.Errorf("create %s: %w", spec.Name, engine.ErrConflict)
	}
	if _, taken := e.names[spec.Name]; taken {
		return engine.Runtime{}, fmt.Errorf("create %s: %w", spec.Name, engine.ErrConflict)
	}

	e.nextID++
	id := fmt.Sprintf("fake-%04d", e.nextID)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	ports := make(map[int]int)
	if spec.Limits.Network != engine.NetworkNone {
		for _, p := range spec.Publish {
			e.nextPort++
			ports[p] = e.nextPort
		}
	}

	rt := engine.Runtime{
		ID:        id,
		Name:      spec.Name,
		Root:      spec.Root,
		State:     engine.StateProvisioning,
		Limits:    spec.Limits,
		Labels:    labels,
		Ports:     ports,
		CreatedAt: time.Now().UTC(),
	}
	e.runtimes[id] = &runtime{rt: rt, fs: NewFS()}
	e.names[spec.Name] = id
	e.created++
	return rt, nil
}

func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.rt.State = engine.StateRunning
	return nil
}

func (e *Engine) Inspect(ctx context.Context, id string) (engine.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.lookup(id)
	if err != nil {
		return engine.Runtime{}, err
	}
	return copyRuntime(r.rt), nil
}

func (e *Engine) Stop(ctx context.Context, id string, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.rt.State = engine.StateStopped
	r.procs = nil
	return nil
}

func (e *Engine) Kill(ctx context.Context, id string) error {
	return e.Stop(ctx, id, 0)
}

func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runtimes[id]
	if !ok {
		return nil
	}
	delete(e.names, r.rt.Name)
	delete(e.runtimes, id)
	e.removed++
	return nil
}

func (e *Engine) List(ctx context.Context, labels map[string]string) ([]engine.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.Runtime
	for _, r := range e.runtimes {
		if matches(r.rt.Labels, labels) {
			out = append(out, copyRuntime(r.rt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) Exec(ctx context.Context, id string, spec engine.ExecSpec) (engine.ExecResult, error) {
	e.mu.Lock()
	if e.ExecErr != nil {
		err := e.ExecErr
		e.mu.Unlock()
		return engine.ExecResult{}, err
	}
	r, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return engine.ExecResult{}, err
	}
	if r.rt.State != engine.StateRunning {
		e.mu.Unlock()
		return engine.ExecResult{}, fmt.Errorf("exec in %s: %w: not running", id, engine.ErrConflict)
	}
	e.mu.Unlock()

	var stdin []byte
	if spec.Stdin != nil {
		data, err := io.ReadAll(spec.Stdin)
		if err != nil {
			return engine.ExecResult{}, err
		}
		stdin = data
	}

	p := &proc{eng: e, r: r, cwd: spec.WorkDir, stdin: stdin}
	p.stdout.Limit = spec.OutputLimit
	p.stderr.Limit = spec.OutputLimit
	if p.cwd == "" {
		p.cwd = r.rt.Root
	}
	code := p.run(ctx, spec.Cmd)
	if err := ctx.Err(); err != nil {
		return engine.ExecResult{}, err
	}
	return engine.ExecResult{
		Stdout:    p.stdout.Bytes(),
		Stderr:    p.stderr.Bytes(),
		ExitCode:  code,
		Truncated: p.stdout.Truncated() || p.stderr.Truncated(),
	}, nil
}

func (e *Engine) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	fs, err := e.fsOf(id)
	if err != nil {
		return nil, err
	}
	data, err := fs.Read(p)
	if err != nil {
		return nil, err
	}
	if len(data) > engine.MaxReadBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", engine.ErrTooLarge, p, engine.MaxReadBytes)
	}
	return data, nil
}

func (e *Engine) WriteFile(ctx context.Context, id, p string, r io.Reader) error {
	fs, err := e.fsOf(id)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(path.Dir(p)); err != nil {
		return err
	}
	return fs.Write(p, data)
}

func (e *Engine) ListDir(ctx context.Context, id, dir string) ([]engine.DirEntry, error) {
	fs, err := e.fsOf(id)
	if err != nil {
		return nil, err
	}
	return fs.List(dir)
}

func (e *Engine) Close() error { return nil }

// FS returns the filesystem of a runtime, for assertions.
func (e *Engine) FS(id string) *FS {
	fs, _ := e.fsOf(id)
	return fs
}

// Processes returns the background processes running in a runtime.
func (e *Engine) Processes(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runtimes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), r.procs...)
}

// Forget drops a runtime without going through Remove, simulating a
// runtime deleted behind the orchestrator's back.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runtimes[id]; ok {
		delete(e.names, r.rt.Name)
		delete(e.runtimes, id)
	}
}

// Count returns how many runtimes currently exist.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runtimes)
}

// Stats returns lifetime create/remove counters and npm invocations.
func (e *Engine) Stats() (created, removed, npmRuns int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created, e.removed, e.npmRuns
}

func (e *Engine) lookup(id string) (*runtime, error) {
	r, ok := e.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("runtime %s: %w", id, engine.ErrNotFound)
	}
	return r, nil
}

func (e *Engine) fsOf(id string) (*FS, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.fs, nil
}

func copyRuntime(rt engine.Runtime) engine.Runtime {
	out := rt
	out.Labels = make(map[string]string, len(rt.Labels))
	for k, v := range rt.Labels {
		out.Labels[k] = v
	}
	out.Ports = make(map[int]int, len(rt.Ports))
	for k, v := range rt.Ports {
		out.Ports[k] = v
	}
	return out
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// proc interprets one exec.
type proc struct {
	eng    *Engine
	r      *runtime
	cwd    string
	stdin  []byte
	stdout engine.LimitedBuffer
	stderr engine.LimitedBuffer
}

func (p *proc) run(ctx context.Context, argv []string) int {
	if len(argv) == 0 {
		return 0
	}
	switch argv[0] {
	case "timeout":
		// timeout [-s SIG] SECS cmd...
		rest := argv[1:]
		if len(rest) >= 2 && rest[0] == "-s" {
			rest = rest[2:]
		}
		if len(rest) < 2 {
			fmt.Fprintln(&p.stderr, "timeout: missing operand")
			return 125
		}
		secs, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			fmt.Fprintf(&p.stderr, "timeout: invalid time interval %q\n", rest[0])
			return 125
		}
		tctx, cancel := context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
		code := p.run(tctx, rest[1:])
		if tctx.Err() != nil && ctx.Err() == nil {
			return 137
		}
		return code
	case "sh":
		if len(argv) >= 3 && argv[1] == "-c" {
			return p.script(ctx, argv[2])
		}
		fmt.Fprintln(&p.stderr, "sh: interactive shells are not supported")
		return 2
	}
	return p.builtin(ctx, argv)
}

// script runs a "&&"-joined command line, honouring a trailing "&".
func (p *proc) script(ctx context.Context, line string) int {
	code := 0
	for _, part := range strings.Split(line, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		background := strings.HasSuffix(part, "&")
		part = strings.TrimSpace(strings.TrimSuffix(part, "&"))

		argv, err := shlex.Split(part)
		if err != nil {
			fmt.Fprintf(&p.stderr, "sh: syntax error: %v\n", err)
			return 2
		}
		argv = stripRedirects(argv)
		if len(argv) > 0 && argv[0] == "nohup" {
			argv = argv[1:]
		}
		if background {
			p.eng.mu.Lock()
			p.r.procs = append(p.r.procs, strings.Join(argv, " "))
			p.eng.mu.Unlock()
			code = 0
			continue
		}
		if code = p.run(ctx, argv); code != 0 {
			return code
		}
	}
	return code
}

func stripRedirects(argv []string) []string {
	out := argv[:0:0]
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case a == ">" || a == ">>" || a == "2>" || a == "<":
			i++
		case strings.HasPrefix(a, "2>&") || strings.HasPrefix(a, ">"):
		default:
			out = append(out, a)
		}
	}
	return out
}

func (p *proc) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(p.cwd, name)
}

func (p *proc) builtin(ctx context.Context, argv []string) int {
	fs := p.r.fs
	args := argv[1:]
	switch argv[0] {
	case "true", "chmod", "chown":
		return 0
	case "false":
		return 1
	case "exit":
		if len(args) == 0 {
			return 0
		}
		n, _ := strconv.Atoi(args[0])
		return n
	case "echo":
		fmt.Fprintln(&p.stdout, strings.Join(args, " "))
		return 0
	case "pwd":
		fmt.Fprintln(&p.stdout, p.cwd)
		return 0
	case "sleep":
		if len(args) == 0 {
			return 1
		}
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Fprintf(&p.stderr, "sleep: invalid time interval %q\n", args[0])
			return 1
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return 0
		case <-ctx.Done():
			return 137
		}
	case "mkdir":
		for _, a := range args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			if err := fs.MkdirAll(p.abs(a)); err != nil {
				fmt.Fprintf(&p.stderr, "mkdir: %v\n", err)
				return 1
			}
		}
		return 0
	case "touch":
		for _, a := range args {
			target := p.abs(a)
			if _, err := fs.Read(target); err == nil {
				continue
			}
			if err := fs.Write(target, nil); err != nil {
				fmt.Fprintf(&p.stderr, "touch: %v\n", err)
				return 1
			}
		}
		return 0
	case "cat":
		if len(args) == 0 {
			p.stdout.Write(p.stdin)
			return 0
		}
		for _, a := range args {
			if a == "--" {
				continue
			}
			data, err := fs.Read(p.abs(a))
			if err != nil {
				fmt.Fprintf(&p.stderr, "cat: %s: %v\n", a, err)
				return 1
			}
			p.stdout.Write(data)
		}
		return 0
	case "ls":
		dir := p.cwd
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				dir = p.abs(a)
			}
		}
		entries, err := fs.List(dir)
		if err != nil {
			fmt.Fprintf(&p.stderr, "ls: %s: %v\n", dir, err)
			return 2
		}
		for _, en := range entries {
			fmt.Fprintln(&p.stdout, en.Name)
		}
		return 0
	case "rm":
		for _, a := range args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			fs.Remove(p.abs(a))
		}
		return 0
	case "npm":
		p.eng.mu.Lock()
		p.eng.npmRuns++
		p.eng.mu.Unlock()
		fmt.Fprintln(&p.stdout, "up to date, audited 1 package")
		return 0
	case "pkill":
		pattern := ""
		if len(args) > 0 {
			pattern = args[len(args)-1]
		}
		p.eng.mu.Lock()
		defer p.eng.mu.Unlock()
		kept := p.r.procs[:0]
		killed := 0
		for _, pr := range p.r.procs {
			if strings.Contains(pr, pattern) {
				killed++
				continue
			}
			kept = append(kept, pr)
		}
		p.r.procs = kept
		if killed == 0 {
			return 1
		}
		return 0
	}

	p.eng.mu.Lock()
	prog, ok := p.eng.Programs[argv[0]]
	p.eng.mu.Unlock()
	if !ok {
		fmt.Fprintf(&p.stderr, "sh: %s: not found\n", argv[0])
		return 127
	}
	out, errOut, code := prog(ctx, fs, args, p.stdin)
	p.stdout.WriteString(out)
	p.stderr.WriteString(errOut)
	return code
}
