package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/engine"
)

// NodeType is the kind of a filesystem entry.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry of a directory listing.
type FileNode struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Type NodeType `json:"type"`
}

// FileContent is a file read back from a runtime. Binary content is base64.
type FileContent struct {
	Content  string `json:"content"`
	IsBinary bool   `json:"isBinary"`
	Length   int    `json:"length"` // raw size in bytes
}

// Files is the filesystem bridge into session runtimes.
type Files struct {
	eng  engine.Engine
	prov *Provisioner
	root string
	log  *zap.Logger
}

func NewFiles(eng engine.Engine, prov *Provisioner, root string, log *zap.Logger) *Files {
	if root == "" {
		root = "/app"
	}
	return &Files{eng: eng, prov: prov, root: root, log: log.Named("files")}
}

// List returns the direct children of dir, which defaults to the root.
func (f *Files) List(ctx context.Context, sessionID, dir string) ([]FileNode, error) {
	abs, err := f.resolve(sessionID, "list", dir, false)
	if err != nil {
		return nil, err
	}
	entry, release, err := f.prov.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := f.eng.ListDir(ctx, entry.Runtime.ID, abs)
	if err != nil {
		return nil, f.mapErr(err, "list", sessionID, entry, abs)
	}
	nodes := make([]FileNode, 0, len(entries))
	for _, e := range entries {
		n := FileNode{Name: e.Name, Path: path.Join(abs, e.Name), Type: NodeFile}
		if e.IsDir {
			n.Type = NodeDirectory
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Read returns a file's content. Unless forceText is set, binary content is
// detected and returned base64 encoded; with forceText invalid UTF-8 is
// dropped.
func (f *Files) Read(ctx context.Context, sessionID, p string, forceText bool) (FileContent, error) {
	abs, err := f.resolve(sessionID, "read", p, true)
	if err != nil {
		return FileContent{}, err
	}
	entry, release, err := f.prov.Acquire(ctx, sessionID)
	if err != nil {
		return FileContent{}, err
	}
	defer release()

	data, err := f.eng.ReadFile(ctx, entry.Runtime.ID, abs)
	if err != nil {
		return FileContent{}, f.mapErr(err, "read", sessionID, entry, abs)
	}
	return encodeContent(data, forceText), nil
}

// Write replaces the file at p with content, creating parent directories.
// Content is streamed to the runtime and never placed on a command line.
func (f *Files) Write(ctx context.Context, sessionID, p string, content []byte) error {
	abs, err := f.resolve(sessionID, "write", p, true)
	if err != nil {
		return err
	}
	entry, release, err := f.prov.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := f.eng.WriteFile(ctx, entry.Runtime.ID, abs, bytes.NewReader(content)); err != nil {
		return f.mapErr(err, "write", sessionID, entry, abs)
	}
	return nil
}

// Create makes an empty file (mode 0666) or a directory tree at p.
// Creating an existing file leaves its content alone.
func (f *Files) Create(ctx context.Context, sessionID, p string, kind NodeType) error {
	if kind != NodeFile && kind != NodeDirectory {
		return newError(KindInvalidRequest, "create", sessionID, "type must be file or directory", nil)
	}
	abs, err := f.resolve(sessionID, "create", p, true)
	if err != nil {
		return err
	}
	entry, release, err := f.prov.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	var steps [][]string
	if kind == NodeDirectory {
		steps = [][]string{{"mkdir", "-p", abs}}
	} else {
		steps = [][]string{
			{"mkdir", "-p", path.Dir(abs)},
			{"touch", abs},
			{"chmod", "666", abs},
		}
	}
	for _, cmd := range steps {
		res, err := f.eng.Exec(ctx, entry.Runtime.ID, engine.ExecSpec{Cmd: cmd, WorkDir: f.root})
		if err == nil && res.ExitCode != 0 {
			err = engine.ClassifyPathError(string(res.Stderr), abs)
		}
		if err != nil {
			return f.mapErr(err, "create", sessionID, entry, abs)
		}
	}
	return nil
}

func (f *Files) resolve(sessionID, op, p string, child bool) (string, error) {
	var abs string
	var err error
	if child {
		abs, err = resolveChild(f.root, p)
	} else {
		abs, err = resolvePath(f.root, p)
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Op = op
			e.SessionID = sessionID
		}
		return "", err
	}
	return abs, nil
}

func (f *Files) mapErr(err error, op, sessionID string, entry Entry, p string) error {
	var kind Kind
	switch {
	case errors.Is(err, engine.ErrFileNotFound):
		kind = KindFileNotFound
	case errors.Is(err, engine.ErrPermission):
		kind = KindPermissionDenied
	case errors.Is(err, engine.ErrTooLarge):
		kind = KindFileTooLarge
	case errors.Is(err, engine.ErrNotDir), errors.Is(err, engine.ErrIsDir):
		kind = KindInvalidPath
	case errors.Is(err, engine.ErrNotFound):
		f.prov.Invalidate(sessionID, entry.Runtime.ID)
		kind = KindRuntimeNotFound
	case errors.Is(err, engine.ErrConflict):
		kind = KindRuntimeNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		f.log.Warn("file operation failed", zap.String("session_id", sessionID), zap.String("op", op), zap.String("path", p), zap.Error(err))
		kind = KindEngine
	}
	return newError(kind, op, sessionID, p, err)
}

// IsBinary reports whether data looks like non-text content: invalid UTF-8
// or a control byte other than tab, newline or carriage return.
func IsBinary(data []byte) bool {
	for _, b := range data {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7f {
			return true
		}
	}
	return !utf8.Valid(data)
}

func encodeContent(data []byte, forceText bool) FileContent {
	if forceText {
		return FileContent{Content: strings.ToValidUTF8(string(data), ""), Length: len(data)}
	}
	if IsBinary(data) {
		return FileContent{Content: base64.StdEncoding.EncodeToString(data), IsBinary: true, Length: len(data)}
	}
	return FileContent{Content: string(data), Length: len(data)}
}

// DecodeContent turns API content back into bytes. encoding is "" or "utf8"
// for text and "base64" for binary.
func DecodeContent(content, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8", "text":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, newError(KindInvalidRequest, "decode", "", "content is not valid base64", err)
		}
		return data, nil
	default:
		return nil, newError(KindInvalidRequest, "decode", "", "unknown encoding "+encoding, nil)
	}
}
