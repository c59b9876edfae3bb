package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps live sessions in process memory. The default store
// for single-node deployments; sessions do not survive restarts, which
// is the contract for live session state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	records  map[string][]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		records:  make(map[string][]*Record),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	clone := *s
	m.sessions[s.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) AppendRecord(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[r.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	clone := *r
	m.records[r.SessionID] = append(m.records[r.SessionID], &clone)
	if clone.RecordedAt.After(s.LastSeen) {
		s.LastSeen = clone.RecordedAt
	}
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, sessionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	records := m.records[sessionID]
	out := make([]*Record, len(records))
	for i, r := range records {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.LastSeen.Before(idleSince) {
			delete(m.sessions, id)
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
