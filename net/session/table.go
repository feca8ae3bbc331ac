package session

import (
	"slices"
	"sync"
)

// Table maps peer identifiers to their active session. It is shared by the accept path, the
// dial path and every receive loop of one Manager.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
	}
}

// Put stores s under key and returns the session it displaced, if any.
func (t *Table) Put(key string, s *Session) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.sessions[key]
	t.sessions[key] = s
	return prev
}

func (t *Table) Get(key string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[key]
	return s, ok
}

// RemoveIf deletes key only while it still maps to s, so a session that was displaced by a
// newer connection under the same key cannot remove its successor.
func (t *Table) RemoveIf(key string, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.sessions[key]; ok && cur == s {
		delete(t.sessions, key)
		return true
	}
	return false
}

// Keys returns the identifiers currently in the table, sorted.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.sessions))
	for k := range t.sessions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Clear empties the table and returns what it held.
func (t *Table) Clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.sessions = make(map[string]*Session)
	return out
}
