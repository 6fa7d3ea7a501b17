package session

import (
	"context"
	"sync"
)

// Guard is an exclusive lease on one session. Release returns the lease;
// releasing twice is a no-op.
type Guard interface {
	Release()
}

// SessionGate serializes turns per session: two concurrent acquires for the
// same session id strictly serialize while distinct sessions proceed in
// parallel.
type SessionGate interface {
	Acquire(ctx context.Context, sessionID string) (Guard, error)
	ActiveSessions() int
}

type gateEntry struct {
	slot chan struct{} // capacity-1 semaphore
	refs int
}

// Gate is the in-process session gate. The zero value is not usable; call
// NewGate.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

// NewGate creates an in-process gate.
func NewGate() *Gate {
	return &Gate{entries: make(map[string]*gateEntry)}
}

// Acquire blocks until the session is exclusively owned or ctx is done.
// Waiters keep the session entry alive, so ActiveSessions counts sessions
// with at least one guard or waiter referenced.
func (g *Gate) Acquire(ctx context.Context, sessionID string) (Guard, error) {
	g.mu.Lock()
	entry, ok := g.entries[sessionID]
	if !ok {
		entry = &gateEntry{slot: make(chan struct{}, 1)}
		g.entries[sessionID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
		return &localGuard{gate: g, sessionID: sessionID, entry: entry}, nil
	case <-ctx.Done():
		g.releaseRef(sessionID, entry)
		return nil, ctx.Err()
	}
}

// ActiveSessions returns the number of sessions currently referenced by a
// guard or a waiter.
func (g *Gate) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Gate) releaseRef(sessionID string, entry *gateEntry) {
	g.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(g.entries, sessionID)
	}
	g.mu.Unlock()
}

type localGuard struct {
	gate      *Gate
	sessionID string
	entry     *gateEntry
	once      sync.Once
}

func (l *localGuard) Release() {
	l.once.Do(func() {
		<-l.entry.slot
		l.gate.releaseRef(l.sessionID, l.entry)
	})
}
