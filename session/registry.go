package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zsiec/moqrelay/forward"
	"github.com/zsiec/moqrelay/relayctl"
)

// Registry tracks every connected Session, enforces the configured session
// cap, and implements relayctl.Dispatcher and forward.SenderLookup by
// looking up the target session and writing directly to it.
type Registry struct {
	max     int
	nextID  atomic.Uint64
	mu      sync.RWMutex
	entries map[uint64]*Session
}

var (
	_ relayctl.Dispatcher   = (*Registry)(nil)
	_ forward.SenderLookup  = (*Registry)(nil)
)

// NewRegistry builds a Registry that refuses new sessions once max are
// concurrently registered. max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{max: max, entries: make(map[uint64]*Session)}
}

// NextID allocates a session id unique for this Registry's lifetime.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// Register adds s, reporting false (and not adding it) if the registry is
// already at capacity.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.entries) >= r.max {
		return false
	}
	r.entries[s.ID()] = s
	return true
}

// Unregister removes a session, called once its Run loop returns.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	return s, ok
}

// Send implements relayctl.Dispatcher.
func (r *Registry) Send(_ context.Context, session uint64, msgType uint64, payload []byte) error {
	s, ok := r.get(session)
	if !ok {
		return nil
	}
	return s.Write(msgType, payload)
}

// Sender implements forward.SenderLookup.
func (r *Registry) Sender(session uint64) (forward.ObjectSender, bool) {
	s, ok := r.get(session)
	return s, ok
}
