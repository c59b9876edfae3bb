package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/handoff-labs/handoff/pkg/token"
)

// TrackerConfig wires a tracker together.
type TrackerConfig struct {
	// Store defaults to an in-memory store.
	Store Store
	// Archiver receives the session bundle when a session ends. Nil
	// means ended sessions are simply dropped.
	Archiver Archiver
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// IdleTTL is how long a session may sit quiet before the reaper
	// drops it. Defaults to 30 minutes.
	IdleTTL time.Duration
	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}

// Tracker maintains live delegation sessions. Appends within one
// session serialize on a per-session lock; sessions never contend with
// each other.
type Tracker struct {
	store    Store
	archiver Archiver
	logger   *slog.Logger
	idleTTL  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
	subs     map[int]chan Event
	nextSub  int
}

// sessionState is the per-session serialization point and chain cursor.
type sessionState struct {
	mu        sync.Mutex
	principal string
	sequence  uint64
	chainHead string
	seenJTI   map[string]struct{}
}

func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		store:    cfg.Store,
		archiver: cfg.Archiver,
		logger:   cfg.Logger,
		idleTTL:  cfg.IdleTTL,
		now:      cfg.Now,
	}
	if t.store == nil {
		t.store = NewMemoryStore()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.idleTTL <= 0 {
		t.idleTTL = 30 * time.Minute
	}
	if t.now == nil {
		t.now = time.Now
	}
	t.sessions = make(map[string]*sessionState)
	t.subs = make(map[int]chan Event)
	return t
}

// Begin opens a session for a principal and returns its ID.
func (t *Tracker) Begin(ctx context.Context, principal string) (string, error) {
	if principal == "" {
		return "", fmt.Errorf("principal must not be empty")
	}
	now := t.now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Principal: principal,
		StartedAt: now,
		LastSeen:  now,
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}

	t.mu.Lock()
	t.sessions[sess.ID] = &sessionState{
		principal: principal,
		chainHead: genesisHash,
		seenJTI:   make(map[string]struct{}),
	}
	t.mu.Unlock()

	t.publish(Event{Type: EventSessionStarted, SessionID: sess.ID, Principal: principal, At: now})
	return sess.ID, nil
}

// Record appends an issued token to its session. Appends are serialized
// per session and ordered by arrival. A duplicate jti is recorded and
// flagged, not rejected; replay handling is an audit concern here.
func (t *Tracker) Record(ctx context.Context, sessionID string, tok *token.Token, decisionHash string) (*Record, error) {
	if tok == nil {
		return nil, fmt.Errorf("record: nil token")
	}
	state, err := t.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	_, replayed := state.seenJTI[tok.ID]

	r := &Record{
		SessionID:    sessionID,
		Sequence:     state.sequence + 1,
		JTI:          tok.ID,
		Subject:      tok.Subject,
		Actor:        tok.Chain.Actor(),
		Audience:     tok.Audience,
		Scopes:       tok.Scopes.Slice(),
		Chain:        tok.Chain.Flatten(),
		DecisionHash: decisionHash,
		IssuedAt:     tok.IssuedAt,
		ExpiresAt:    tok.ExpiresAt,
		RecordedAt:   t.now().UTC(),
		Replayed:     replayed,
		PrevHash:     state.chainHead,
	}
	hash, err := entryHash(r)
	if err != nil {
		return nil, err
	}
	r.EntryHash = hash

	if err := t.store.AppendRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}

	state.sequence = r.Sequence
	state.chainHead = r.EntryHash
	state.seenJTI[tok.ID] = struct{}{}

	t.publish(Event{Type: EventTokenRecorded, SessionID: sessionID, Principal: state.principal, Record: r, At: r.RecordedAt})
	if replayed {
		t.logger.WarnContext(ctx, "duplicate jti recorded in session",
			"session_id", sessionID, "jti", tok.ID)
		t.publish(Event{Type: EventTokenReplayed, SessionID: sessionID, Principal: state.principal, Record: r, At: r.RecordedAt})
	}
	return r, nil
}

// Chain returns the session's records ordered by issuance time for
// display. Storage order is arrival order; concurrent exchanges may
// land slightly out of issuance order and that is fine.
func (t *Tracker) Chain(ctx context.Context, sessionID string) ([]*Record, error) {
	records, err := t.store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].IssuedAt.Before(records[j].IssuedAt)
	})
	return records, nil
}

// VerifyChain re-derives the hash chain over the stored records.
func (t *Tracker) VerifyChain(ctx context.Context, sessionID string) error {
	records, err := t.store.ListRecords(ctx, sessionID)
	if err != nil {
		return err
	}
	return verifyRecords(records)
}

// End archives the session (when an archiver is configured) and drops
// it from live storage.
func (t *Tracker) End(ctx context.Context, sessionID string) error {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	records, err := t.store.ListRecords(ctx, sessionID)
	if err != nil {
		return err
	}

	if t.archiver != nil {
		bundle := &Bundle{
			Session:    *sess,
			Records:    records,
			ChainOK:    verifyRecords(records) == nil,
			ExportedAt: t.now().UTC(),
		}
		if err := t.archiver.Archive(ctx, bundle); err != nil {
			return fmt.Errorf("archive session %s: %w", sessionID, err)
		}
	}

	if err := t.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	t.publish(Event{Type: EventSessionEnded, SessionID: sessionID, Principal: sess.Principal, At: t.now().UTC()})
	return nil
}

// Subscribe registers an event channel. Slow subscribers drop events
// rather than stall the tracker. The returned cancel must be called.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *Tracker) publish(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; losing events beats blocking.
		}
	}
}

// Run sweeps idle sessions until the context ends. Stores with native
// expiry still get their tracker-side state cleaned here.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := t.now().UTC().Add(-t.idleTTL)
			n, err := t.store.Sweep(ctx, deadline)
			if err != nil {
				t.logger.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				t.logger.InfoContext(ctx, "swept idle sessions", "count", n)
			}
			t.dropDeadStates(ctx)
		}
	}
}

// dropDeadStates forgets tracker state for sessions the store no longer
// has (swept here or expired by the store itself).
func (t *Tracker) dropDeadStates(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if _, err := t.store.GetSession(ctx, id); err == nil {
			continue
		}
		t.mu.Lock()
		delete(t.sessions, id)
		t.mu.Unlock()
	}
}

// state returns the serialization point for a session, recovering the
// chain cursor from storage when this instance has not seen the session
// before (another node may have started it).
func (t *Tracker) state(ctx context.Context, sessionID string) (*sessionState, error) {
	t.mu.Lock()
	if st, ok := t.sessions[sessionID]; ok {
		t.mu.Unlock()
		return st, nil
	}
	t.mu.Unlock()

	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := t.store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &sessionState{
		principal: sess.Principal,
		chainHead: genesisHash,
		seenJTI:   make(map[string]struct{}),
	}
	if len(records) > 0 {
		last := records[len(records)-1]
		st.sequence = last.Sequence
		st.chainHead = last.EntryHash
	}
	for _, r := range records {
		st.seenJTI[r.JTI] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[sessionID]; ok {
		// Lost the race to another goroutine; use theirs.
		return existing, nil
	}
	t.sessions[sessionID] = st
	return st, nil
}
