package server

import (
	"context"
	"sync"
)

// Terminal is one live websocket terminal attached to a session.
type Terminal struct {
	SessionID string
	Cancel    context.CancelFunc // cancels the in-flight command and ends the read loop
}

// TerminalManager tracks open terminals so cleanup and shutdown can end them.
type TerminalManager struct {
	mu        sync.Mutex
	terminals map[string]map[*Terminal]struct{}
}

// NewTerminalManager creates a new TerminalManager.
func NewTerminalManager() *TerminalManager {
	return &TerminalManager{
		terminals: make(map[string]map[*Terminal]struct{}),
	}
}

// Open registers a terminal for sessionID. The returned context is
// cancelled by Close, CloseAll or the returned release func.
func (tm *TerminalManager) Open(ctx context.Context, sessionID string) (*Terminal, context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Terminal{SessionID: sessionID, Cancel: cancel}

	tm.mu.Lock()
	set, ok := tm.terminals[sessionID]
	if !ok {
		set = make(map[*Terminal]struct{})
		tm.terminals[sessionID] = set
	}
	set[t] = struct{}{}
	tm.mu.Unlock()

	release := func() {
		cancel()
		tm.mu.Lock()
		defer tm.mu.Unlock()
		if set, ok := tm.terminals[sessionID]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(tm.terminals, sessionID)
			}
		}
	}
	return t, ctx, release
}

// Count returns the number of open terminals for sessionID.
func (tm *TerminalManager) Count(sessionID string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.terminals[sessionID])
}

// Close cancels every terminal attached to sessionID.
func (tm *TerminalManager) Close(sessionID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for t := range tm.terminals[sessionID] {
		t.Cancel()
	}
	delete(tm.terminals, sessionID)
}

// CloseAll cancels all terminals.
func (tm *TerminalManager) CloseAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, set := range tm.terminals {
		for t := range set {
			t.Cancel()
		}
		delete(tm.terminals, id)
	}
}
