package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// Engine errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrNotFound    = errors.New("runtime not found")
	ErrConflict    = errors.New("runtime name conflict")
	ErrUnavailable = errors.New("runtime engine unavailable")

	// Path errors from the file operations.
	ErrFileNotFound = errors.New("no such file or directory")
	ErrPermission   = errors.New("permission denied")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrTooLarge     = errors.New("file too large")
)

// State is the liveness state of a runtime.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateRemoved      State = "removed"
)

// NetworkMode controls runtime network access.
type NetworkMode string

const (
	NetworkBridge NetworkMode = "bridge"
	NetworkNone   NetworkMode = "none"
)

// Limits are the resource ceilings applied to a runtime.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64 // 1e9 = one CPU
	PidsLimit   int64
	Network     NetworkMode
}

// Runtime is a handle to an isolated execution environment.
type Runtime struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Root      string            `json:"root"`
	State     State             `json:"state"`
	Limits    Limits            `json:"-"`
	Labels    map[string]string `json:"-"`
	Ports     map[int]int       `json:"ports,omitempty"` // container port -> host port
	CreatedAt time.Time         `json:"createdAt"`
}

// CreateSpec describes a runtime to create.
type CreateSpec struct {
	Name    string
	Image   string
	Root    string
	Cmd     []string // idle command keeping the runtime alive
	Limits  Limits
	Labels  map[string]string
	Publish []int // container ports published on engine-assigned host ports
	// Hardened drops capabilities and forbids privilege escalation.
	Hardened bool
}

// ExecSpec describes a process to run inside a runtime.
type ExecSpec struct {
	Cmd     []string
	WorkDir string
	Env     []string
	Stdin   io.Reader
	// OutputLimit caps the bytes kept per stream; 0 keeps everything.
	OutputLimit int64
}

// ExecResult is the raw outcome of a completed exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Truncated is set when either stream exceeded the OutputLimit.
	Truncated bool
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Engine creates, inspects and tears down runtimes and runs processes in them.
type Engine interface {
	// Ping reports whether the engine is reachable.
	Ping(ctx context.Context) error

	Create(ctx context.Context, spec CreateSpec) (Runtime, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Runtime, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	// List returns runtimes carrying all of the given labels.
	List(ctx context.Context, labels map[string]string) ([]Runtime, error)

	// Exec runs a process and blocks until it exits or ctx is done.
	Exec(ctx context.Context, id string, spec ExecSpec) (ExecResult, error)

	// ReadFile returns the content of a regular file inside the runtime.
	// Files over MaxReadBytes fail with ErrTooLarge.
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	// WriteFile streams r into path, creating parent directories.
	WriteFile(ctx context.Context, id, path string, r io.Reader) error
	// ListDir returns the direct children of dir.
	ListDir(ctx context.Context, id, dir string) ([]DirEntry, error)

	Close() error
}
