// Package presence tracks which users hold at least one live connection.
package presence

import (
	"context"
	"sync"
	"time"
)

// Status is a user's presence as seen by every API process.
type Status struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	Connections int        `json:"-"`
}

// Registry counts live connections per user. Register reports the
// offline→online transition, Unregister the online→offline one.
type Registry interface {
	Register(ctx context.Context, userID, connID string) (becameOnline bool, err error)
	Unregister(ctx context.Context, userID, connID string) (becameOffline bool, lastSeen time.Time, err error)
	Status(ctx context.Context, userID string) (Status, error)
}

// MemoryRegistry is the single-process Registry used when Redis is absent.
type MemoryRegistry struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	before := len(set)
	set[connID] = struct{}{}
	return before == 0, nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, userID, connID string) (bool, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[userID]
	if _, ok := set[connID]; !ok {
		return false, time.Time{}, nil
	}
	delete(set, connID)
	if len(set) > 0 {
		return false, time.Time{}, nil
	}
	delete(r.conns, userID)
	seen := r.now().UTC()
	r.lastSeen[userID] = seen
	return true, seen, nil
}

func (r *MemoryRegistry) Status(_ context.Context, userID string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{UserID: userID, Connections: len(r.conns[userID])}
	st.Online = st.Connections > 0
	if seen, ok := r.lastSeen[userID]; ok && !st.Online {
		st.LastSeen = &seen
	}
	return st, nil
}
