// Package session tracks delegation sessions: every token issued on
// behalf of a principal, hash-chained in issuance order, queryable while
// the session lives and archivable when it ends. The tracker is an audit
// surface; authorization never consults it.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrChainBroken     = errors.New("session record chain is broken")
)

// Session is the metadata for one principal's delegation session.
type Session struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Record is one issued token within a session. Records are append-only
// and hash-chained: EntryHash covers the record including PrevHash, so
// any later mutation breaks verification.
type Record struct {
	SessionID    string    `json:"session_id"`
	Sequence     uint64    `json:"sequence"`
	JTI          string    `json:"jti"`
	Subject      string    `json:"subject"`
	Actor        string    `json:"actor,omitempty"`
	Audience     string    `json:"audience"`
	Scopes       []string  `json:"scopes"`
	Chain        []string  `json:"chain,omitempty"`
	DecisionHash string    `json:"decision_hash,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RecordedAt   time.Time `json:"recorded_at"`
	Replayed     bool      `json:"replayed,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash,omitempty"`
}

// Store persists live sessions. Implementations only need to keep
// arrival order per session; ordering for display is the tracker's job.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// AppendRecord adds a record to its session and bumps last-seen.
	AppendRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, sessionID string) ([]*Record, error)
	DeleteSession(ctx context.Context, id string) error
	// Sweep drops sessions idle since before the deadline and reports
	// how many went. Stores with native expiry may make this a no-op.
	Sweep(ctx context.Context, idleSince time.Time) (int, error)
}

// EventType tags tracker events for subscribers.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventTokenRecorded  EventType = "token_recorded"
	EventTokenReplayed  EventType = "token_replayed"
	EventSessionEnded   EventType = "session_ended"
)

// Event is pushed to subscribers as sessions change. Subscribers that
// fall behind lose events; delivery never blocks an exchange.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Principal string    `json:"principal,omitempty"`
	Record    *Record   `json:"record,omitempty"`
	At        time.Time `json:"at"`
}
