// Package typing tracks who is currently typing in which session. The state
// is best effort: it is never persisted beyond its TTL.
package typing

import (
	"context"
	"sync"
	"time"
)

// Entry is one user typing in one session.
type Entry struct {
	SessionID int64     `json:"sessionId"`
	UserID    int64     `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	ConnID    string    `json:"connId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store holds typing entries, keyed by (session, user).
type Store interface {
	Put(ctx context.Context, e Entry) error
	// Remove reports whether an entry existed.
	Remove(ctx context.Context, sessionID, userID int64) (bool, error)
	// List returns the unexpired entries of a session.
	List(ctx context.Context, sessionID int64) ([]Entry, error)
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]map[int64]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]map[int64]Entry)}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.sessions[e.SessionID]
	if !ok {
		users = make(map[int64]Entry, 2)
		m.sessions[e.SessionID] = users
	}
	users[e.UserID] = e
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, sessionID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	_, ok = users[userID]
	delete(users, userID)
	if len(users) == 0 {
		delete(m.sessions, sessionID)
	}
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context, sessionID int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []Entry
	for _, e := range m.sessions[sessionID] {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}
