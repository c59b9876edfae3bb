// Package audit records delegation decisions. Every exchange outcome,
// allowed or denied, and every terminal task transition produces one
// event carrying enough to reconstruct the decision: actor, subject,
// audience, scopes, chain snapshot and the policy decision hash.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventExchangeGranted EventType = "EXCHANGE_GRANTED"
	EventExchangeDenied  EventType = "EXCHANGE_DENIED"
	EventTaskTerminal    EventType = "TASK_TERMINAL"
	EventSessionArchived EventType = "SESSION_ARCHIVED"
	EventKeyRotated      EventType = "KEY_ROTATED"
)

// Event is one structured audit record.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Actor        string         `json:"actor,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Audience     string         `json:"audience,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Chain        []string       `json:"chain,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	DecisionHash string         `json:"decision_hash,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for
// concurrent use.
type Logger interface {
	Record(ctx context.Context, ev Event) error
}

// logger writes JSON lines to a writer, one event per line.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer,
// for tests and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, now: time.Now}
}

func (l *logger) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// Prefix for easy filtering out of mixed log streams.
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}

// Nop discards every event. Useful where audit wiring is optional.
type Nop struct{}

func (Nop) Record(ctx context.Context, ev Event) error { return nil }

// Memory retains events in order, for tests and the demo flow.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
