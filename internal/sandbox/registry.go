package sandbox

import (
	"sort"
	"sync"
	"time"

	"github.com/michaelbrown/runbox/internal/engine"
)

// ServerState is the lifecycle state of a session's hosted server.
type ServerState string

const (
	ServerAbsent   ServerState = "absent"
	ServerStarting ServerState = "starting"
	ServerRunning  ServerState = "running"
	ServerStopped  ServerState = "stopped"
)

// Entry is the registry record for one session.
type Entry struct {
	SessionID     string         `json:"sessionId"`
	Runtime       engine.Runtime `json:"runtime"`
	Port          int            `json:"port"` // 0 when no server is bound
	Server        ServerState    `json:"serverState"`
	DepsInstalled bool           `json:"depsInstalled"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastUsedAt    time.Time      `json:"lastUsedAt"`
}

// slot serializes operations on one session. A slot lives while it holds an
// entry, has lock waiters, or has in-flight operations.
type slot struct {
	mu      sync.Mutex
	entry   *Entry
	waiters int
	active  int
}

// Registry maps session ids to their runtimes. Locks are per session; the
// registry-wide mutex only guards the map and is never held across engine
// calls.
type Registry struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
	now    func() time.Time

	// OnChange, when set, receives the session count after each change.
	OnChange func(n int)
}

// NewRegistry returns an initialized, empty registry.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	r.Init()
	return r
}

// Init (re)opens the registry with no sessions.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = make(map[string]*slot)
	r.closed = false
}

// Shutdown closes the registry and returns the entries it held. Later
// updates fail until Init is called again.
func (r *Registry) Shutdown() []Entry {
	r.mu.Lock()
	out := r.snapshotLocked()
	r.slots = make(map[string]*slot)
	r.closed = true
	r.mu.Unlock()
	r.changed()
	return out
}

// Get returns a copy of the session's entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.entry == nil {
		return Entry{}, false
	}
	return *s.entry, true
}

// Set stores e unconditionally.
func (r *Registry) Set(e Entry) {
	r.mu.Lock()
	s := r.slotLocked(e.SessionID)
	cp := e
	s.entry = &cp
	r.mu.Unlock()
	r.changed()
}

// Delete removes the session's entry and returns it.
func (r *Registry) Delete(id string) (Entry, bool) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.entry == nil {
		r.mu.Unlock()
		return Entry{}, false
	}
	e := *s.entry
	s.entry = nil
	r.gcLocked(id, s)
	r.mu.Unlock()
	r.changed()
	return e, true
}

// List returns all entries ordered by creation time.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of sessions with an entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.entry != nil {
			n++
		}
	}
	return n
}

// Update runs fn under the session's lock with a copy of the current entry
// (nil when absent). A nil result deletes the entry; an error leaves it
// unchanged. Calls for one session are serialized; calls for different
// sessions run concurrently.
func (r *Registry) Update(id string, fn func(cur *Entry) (*Entry, error)) (Entry, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Entry{}, false, newError(KindProvision, "registry", id, "registry is shut down", nil)
	}
	s := r.slotLocked(id)
	s.waiters++
	r.mu.Unlock()

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		r.mu.Lock()
		s.waiters--
		r.gcLocked(id, s)
		r.mu.Unlock()
	}()

	r.mu.Lock()
	var orig, cur *Entry
	if s.entry != nil {
		a, b := *s.entry, *s.entry
		orig, cur = &a, &b
	}
	r.mu.Unlock()

	next, err := fn(cur)
	if err != nil {
		if orig == nil {
			return Entry{}, false, err
		}
		return *orig, true, err
	}

	r.mu.Lock()
	if r.closed || r.slots[id] != s {
		// Shut down while fn ran; the entry is not recorded.
		r.mu.Unlock()
		if next == nil {
			return Entry{}, false, nil
		}
		return *next, false, newError(KindProvision, "registry", id, "registry is shut down", nil)
	}
	if next == nil {
		s.entry = nil
	} else {
		cp := *next
		cp.SessionID = id
		s.entry = &cp
	}
	r.mu.Unlock()
	r.changed()

	if next == nil {
		return Entry{}, false, nil
	}
	return *next, true, nil
}

// Acquire marks an operation in flight for the session and refreshes its
// LastUsedAt. The returned func ends the operation.
func (r *Registry) Acquire(id string) (release func()) {
	r.mu.Lock()
	s := r.slotLocked(id)
	s.active++
	if s.entry != nil {
		s.entry.LastUsedAt = r.now()
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			s.active--
			if s.entry != nil {
				s.entry.LastUsedAt = r.now()
			}
			if r.slots[id] == s {
				r.gcLocked(id, s)
			}
		})
	}
}

// Active returns the number of in-flight operations for the session.
func (r *Registry) Active(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s.active
	}
	return 0
}

func (r *Registry) slotLocked(id string) *slot {
	s, ok := r.slots[id]
	if !ok {
		s = &slot{}
		r.slots[id] = s
	}
	return s
}

func (r *Registry) gcLocked(id string, s *slot) {
	if s.entry == nil && s.waiters == 0 && s.active == 0 && r.slots[id] == s {
		delete(r.slots, id)
	}
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.slots))
	for _, s := range r.slots {
		if s.entry != nil {
			out = append(out, *s.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) changed() {
	if r.OnChange != nil {
		r.OnChange(r.Len())
	}
}
