package fake

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/michaelbrown/runbox/internal/engine"
)

// FS is a flat in-memory filesystem keyed by cleaned absolute paths.
type FS struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	readOnly map[string]bool
}

// NewFS returns a filesystem containing only "/".
func NewFS() *FS {
	return &FS{
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		readOnly: make(map[string]bool),
	}
}

// Deny makes p and everything below it unreadable and unwritable.
func (f *FS) Deny(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnly[path.Clean(p)] = true
}

func (f *FS) denied(p string) bool {
	for q := p; ; q = path.Dir(q) {
		if f.readOnly[q] {
			return true
		}
		if q == "/" {
			return false
		}
	}
}

// Read returns a copy of the file at p.
func (f *FS) Read(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if f.denied(p) {
		return nil, fmt.Errorf("read %s: %w", p, engine.ErrPermission)
	}
	if f.dirs[p] {
		return nil, fmt.Errorf("read %s: %w", p, engine.ErrIsDir)
	}
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, engine.ErrFileNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Write stores data at p. The parent directory must exist.
func (f *FS) Write(p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if f.denied(p) {
		return fmt.Errorf("write %s: %w", p, engine.ErrPermission)
	}
	if f.dirs[p] {
		return fmt.Errorf("write %s: %w", p, engine.ErrIsDir)
	}
	parent := path.Dir(p)
	if _, isFile := f.files[parent]; isFile {
		return fmt.Errorf("write %s: %w", p, engine.ErrNotDir)
	}
	if !f.dirs[parent] {
		return fmt.Errorf("write %s: %w", p, engine.ErrFileNotFound)
	}
	f.files[p] = append([]byte(nil), data...)
	return nil
}

// MkdirAll creates p and any missing parents.
func (f *FS) MkdirAll(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if f.denied(p) {
		return fmt.Errorf("mkdir %s: %w", p, engine.ErrPermission)
	}
	for q := p; q != "/"; q = path.Dir(q) {
		if _, isFile := f.files[q]; isFile {
			return fmt.Errorf("mkdir %s: %w", p, engine.ErrNotDir)
		}
	}
	for q := p; q != "/"; q = path.Dir(q) {
		f.dirs[q] = true
	}
	return nil
}

// Remove deletes p and everything below it.
func (f *FS) Remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	prefix := p + "/"
	delete(f.files, p)
	delete(f.dirs, p)
	for k := range f.files {
		if strings.HasPrefix(k, prefix) {
			delete(f.files, k)
		}
	}
	for k := range f.dirs {
		if strings.HasPrefix(k, prefix) {
			delete(f.dirs, k)
		}
	}
}

// List returns the direct children of dir sorted by name.
func (f *FS) List(dir string) ([]engine.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir = path.Clean(dir)
	if f.denied(dir) {
		return nil, fmt.Errorf("list %s: %w", dir, engine.ErrPermission)
	}
	if _, isFile := f.files[dir]; isFile {
		return nil, fmt.Errorf("list %s: %w", dir, engine.ErrNotDir)
	}
	if !f.dirs[dir] {
		return nil, fmt.Errorf("list %s: %w", dir, engine.ErrFileNotFound)
	}

	var out []engine.DirEntry
	for k := range f.dirs {
		if k != dir && path.Dir(k) == dir {
			out = append(out, engine.DirEntry{Name: path.Base(k), IsDir: true})
		}
	}
	for k := range f.files {
		if path.Dir(k) == dir {
			out = append(out, engine.DirEntry{Name: path.Base(k)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists reports whether p is a file or directory.
func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	_, isFile := f.files[p]
	return isFile || f.dirs[p]
}
