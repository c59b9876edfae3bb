package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/audit"
	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/observability"
	"github.com/handoff-labs/handoff/pkg/scope"
)

var (
	// ErrUnknownTask means the task is neither live nor within the
	// terminal retention window.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotAwaitingInput means ProvideInput was called on a task that
	// is not parked in StateInputRequired.
	ErrNotAwaitingInput = errors.New("task is not awaiting input")
	// ErrClosed means the machine has been shut down.
	ErrClosed = errors.New("dispatch machine closed")
)

// Exchanger is the slice of the exchange engine the machine uses.
// *exchange.Engine satisfies it.
type Exchanger interface {
	Exchange(ctx context.Context, req exchange.Request) (*exchange.Grant, error)
}

// Transport delivers protocol calls to a downstream agent. The token
// is per-call: it is whatever the task's exchange granted, and it is
// reused for every call the task makes until expiry. *a2a.Client
// satisfies it.
type Transport interface {
	Send(ctx context.Context, token string, msg a2a.Message) (*a2a.SendResult, error)
	Stream(ctx context.Context, token string, msg a2a.Message) (<-chan a2a.StreamEvent, error)
	Task(ctx context.Context, token, taskID string) (*a2a.Task, error)
	Cancel(ctx context.Context, token, taskID string) error
}

// DispatchRequest describes one outbound unit of work.
type DispatchRequest struct {
	// TargetAgent is the audience the hop token is bound to and the
	// agent the message goes to.
	TargetAgent string
	// SubjectToken is the delegation token to exchange for this hop.
	SubjectToken string
	// ActorToken identifies the caller when dispatching as an
	// intermediate actor; empty on the orchestrator's first hop.
	ActorToken string
	// Scopes requested for the hop; empty asks for everything the
	// subject token carries.
	Scopes scope.Set
	// Message is the outbound payload.
	Message a2a.Message
	// Pattern defaults to PatternSync.
	Pattern Pattern
	// SessionID correlates the hop with a delegation session.
	SessionID string
}

// Config wires a Machine. One of Transport and Resolver is required:
// Transport sends every task to the same endpoint, Resolver picks a
// per-target transport and preferred pattern from the agent's
// discovery document.
type Config struct {
	Exchanger Exchanger
	Transport Transport
	Resolver  Resolver
	Audit     audit.Logger
	Metrics   *observability.Provider
	Logger    *slog.Logger
	// PollInterval is the period between tasks/get polls (default 2s).
	PollInterval time.Duration
	// Retention keeps terminal tasks visible to Get after completion
	// (default 5m); MaxTasks bounds how many are retained (default 1024).
	Retention time.Duration
	MaxTasks  int
	// MaxExchangeAttempts bounds local retries of retryable exchange
	// failures before the task fails (default 3).
	MaxExchangeAttempts int
	Backoff             exchange.BackoffPolicy
	// ExpirySkew refreshes the hop token when it is within this margin
	// of expiry (default 10s).
	ExpirySkew time.Duration
	Now        func() time.Time
}

// taskState is the live, mutable side of a task. snap is the
// authoritative record; everything else is what the drivers need.
type taskState struct {
	mu        sync.Mutex
	snap      Task
	grant     *exchange.Grant
	req       DispatchRequest
	transport Transport
	cancel    context.CancelFunc
}

// Machine runs the task lifecycle. It is the single writer of task
// state: drivers feed it remote events, and every transition funnels
// through one terminal-wins gate.
type Machine struct {
	exchanger    Exchanger
	transport    Transport
	resolver     Resolver
	auditor      audit.Logger
	metrics      *observability.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
	backoff      exchange.BackoffPolicy
	expirySkew   time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	closed   bool
	live     map[string]*taskState
	done     *expirable.LRU[string, *Task]
	watchers map[string]map[int]chan Event
	nextID   int
	wg       sync.WaitGroup
}

// New validates the config and builds a Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Exchanger == nil {
		return nil, fmt.Errorf("dispatch: exchanger is required")
	}
	if cfg.Transport == nil && cfg.Resolver == nil {
		return nil, fmt.Errorf("dispatch: transport or resolver is required")
	}
	m := &Machine{
		exchanger:    cfg.Exchanger,
		transport:    cfg.Transport,
		resolver:     cfg.Resolver,
		auditor:      cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxExchangeAttempts,
		backoff:      cfg.Backoff.WithDefaults(),
		expirySkew:   cfg.ExpirySkew,
		now:          cfg.Now,
	}
	if m.auditor == nil {
		m.auditor = audit.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = 3
	}
	if m.expirySkew <= 0 {
		m.expirySkew = 10 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1024
	}
	m.live = make(map[string]*taskState)
	m.done = expirable.NewLRU[string, *Task](maxTasks, nil, retention)
	m.watchers = make(map[string]map[int]chan Event)
	return m, nil
}

// Dispatch creates a task, performs the gating token exchange and, on
// success, submits the message to the target agent. The returned
// snapshot is at least Submitted, or Failed when the target could not
// be resolved or the exchange could not produce a token; in either
// case the message was never sent and the failure kind is on the task.
// The error return is reserved for invalid requests and a closed
// machine.
func (m *Machine) Dispatch(ctx context.Context, req DispatchRequest) (*Task, error) {
	if req.TargetAgent == "" {
		return nil, fmt.Errorf("dispatch: target agent is required")
	}
	if req.SubjectToken == "" {
		return nil, fmt.Errorf("dispatch: subject token is required")
	}
	switch req.Pattern {
	case "", PatternSync, PatternStreaming, PatternPolling:
	default:
		return nil, fmt.Errorf("dispatch: unknown pattern %q", req.Pattern)
	}

	// With a resolver, the target's discovery document supplies the
	// transport and, unless the caller pinned one, the pattern.
	transport := m.transport
	var resolveErr error
	if m.resolver != nil {
		rt, preferred, err := m.resolver.Resolve(ctx, req.TargetAgent)
		if err != nil {
			resolveErr = err
		} else {
			transport = rt
			if req.Pattern == "" {
				req.Pattern = preferred
			}
		}
	}
	if req.Pattern == "" {
		req.Pattern = PatternSync
	}

	now := m.now().UTC()
	ts := &taskState{
		snap: Task{
			ID:          uuid.New().String(),
			TargetAgent: req.TargetAgent,
			Pattern:     req.Pattern,
			State:       StateCreated,
			SessionID:   req.SessionID,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		req:       req,
		transport: transport,
	}
	ctx, done := m.track(ctx, req)
	exCtx, exCancel := context.WithCancel(ctx)
	ts.cancel = exCancel

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		exCancel()
		done(ErrClosed)
		return nil, ErrClosed
	}
	m.live[ts.snap.ID] = ts
	m.mu.Unlock()

	if resolveErr != nil {
		m.fail(ts, FailureTransport, resolveErr)
		done(resolveErr)
		return m.snapshot(ts), nil
	}

	grant, err := m.exchangeGrant(exCtx, req)
	if err != nil {
		m.fail(ts, failureKindOf(err), err)
		done(err)
		return m.snapshot(ts), nil
	}

	if !m.transition(ts, StateSubmitted, func(t *Task) {
		t.Token = tokenInfo(grant)
		t.Messages = append(t.Messages, req.Message.MessageID)
	}) {
		// Canceled while exchanging. The issued token stays valid
		// until natural expiry; it is simply never used.
		done(nil)
		return m.snapshot(ts), nil
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	ts.mu.Lock()
	ts.grant = grant
	ts.cancel = runCancel
	ts.mu.Unlock()
	exCancel()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx, ts)
	}()
	done(nil)
	return m.snapshot(ts), nil
}

// Get returns a snapshot of a live task or of a terminal one still in
// the retention window.
func (m *Machine) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	ts, ok := m.live[taskID]
	m.mu.RUnlock()
	if ok {
		return m.snapshot(ts), nil
	}
	if snap, ok := m.done.Get(taskID); ok {
		return snap.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
}

// Cancel transitions a task to Canceled, aborts its in-flight work and
// best-effort cancels the remote task. Canceling a task that already
// reached a terminal state is a no-op, not an error.
func (m *Machine) Cancel(ctx context.Context, taskID string) error {
	m.mu.RLock()
	ts, ok := m.live[taskID]
	m.mu.RUnlock()
	if !ok {
		if _, retained := m.done.Get(taskID); retained {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	ts.mu.Lock()
	remoteID := ts.snap.RemoteID
	var token string
	if ts.grant != nil {
		token = ts.grant.AccessToken
	}
	cancel := ts.cancel
	ts.mu.Unlock()

	if !m.transition(ts, StateCanceled, nil) {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if remoteID != "" && token != "" {
		if transport := m.transportFor(ts); transport != nil {
			if err := transport.Cancel(ctx, token, remoteID); err != nil {
				m.logger.WarnContext(ctx, "remote cancel failed",
					"task_id", taskID, "remote_id", remoteID, "error", err)
			}
		}
	}
	return nil
}

// transportFor returns the transport the task was resolved to, falling
// back to the machine-wide one.
func (m *Machine) transportFor(ts *taskState) Transport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.transport != nil {
		return ts.transport
	}
	return m.transport
}

// ProvideInput resumes a task parked in InputRequired with the
// caller's clarification, looping it back to Working.
func (m *Machine) ProvideInput(ctx context.Context, taskID string, msg a2a.Message) error {
	m.mu.RLock()
	ts, ok := m.live[taskID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	ts.mu.Lock()
	if ts.snap.State != StateInputRequired {
		state := ts.snap.State
		ts.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingInput, taskID, state)
	}
	msg.TaskID = ts.snap.RemoteID
	ts.mu.Unlock()

	if !m.transition(ts, StateWorking, func(t *Task) {
		t.Messages = append(t.Messages, msg.MessageID)
	}) {
		return nil
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	ts.mu.Lock()
	old := ts.cancel
	ts.cancel = runCancel
	ts.mu.Unlock()
	if old != nil {
		old()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resume(runCtx, ts, msg)
	}()
	return nil
}

// Watch subscribes to a live task's transitions. Events are dropped
// rather than blocking a slow consumer; the channel closes once the
// task leaves the live set. Watching a task that is not live returns
// an already-closed channel.
func (m *Machine) Watch(taskID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	if _, ok := m.live[taskID]; !ok {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	if m.watchers[taskID] == nil {
		m.watchers[taskID] = make(map[int]chan Event)
	}
	m.watchers[taskID][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if subs, ok := m.watchers[taskID]; ok {
				if _, live := subs[id]; live {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(m.watchers, taskID)
				}
			}
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close cancels all live tasks and waits for their drivers to finish.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tasks := make([]*taskState, 0, len(m.live))
	for _, ts := range m.live {
		tasks = append(tasks, ts)
	}
	m.mu.Unlock()

	for _, ts := range tasks {
		m.transition(ts, StateCanceled, nil)
		ts.mu.Lock()
		cancel := ts.cancel
		ts.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	m.wg.Wait()
	return nil
}

// transition is the single state mutation gate. It refuses to leave a
// terminal state, applies the optional mutation atomically with the
// state change, then notifies watchers and, on entering a terminal
// state, retires the task.
func (m *Machine) transition(ts *taskState, to State, mut func(*Task)) bool {
	ts.mu.Lock()
	from := ts.snap.State
	if from.Terminal() {
		ts.mu.Unlock()
		return false
	}
	ts.snap.State = to
	ts.snap.UpdatedAt = m.now().UTC()
	if mut != nil {
		mut(&ts.snap)
	}
	snap := ts.snap.clone()
	ts.mu.Unlock()

	if from != to {
		m.notify(Event{
			TaskID:  snap.ID,
			From:    from,
			To:      to,
			Failure: snap.Failure,
			At:      snap.UpdatedAt,
		})
	}
	if to.Terminal() {
		m.retire(ts, snap)
	}
	return true
}

// fail is a Failed transition carrying the classification and cause.
func (m *Machine) fail(ts *taskState, kind FailureKind, cause error) bool {
	return m.transition(ts, StateFailed, func(t *Task) {
		t.Failure = kind
		if cause != nil {
			t.Err = cause.Error()
		}
	})
}

// retire moves a terminal task from the live set into the retention
// window, closes its watchers and records the terminal audit event.
func (m *Machine) retire(ts *taskState, snap *Task) {
	m.mu.Lock()
	delete(m.live, snap.ID)
	m.done.Add(snap.ID, snap)
	subs := m.watchers[snap.ID]
	delete(m.watchers, snap.ID)
	m.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ev := audit.Event{
		Type:      audit.EventTaskTerminal,
		Audience:  snap.TargetAgent,
		SessionID: snap.SessionID,
		Reason:    string(snap.State),
		Metadata: map[string]any{
			"task_id": snap.ID,
			"pattern": string(snap.Pattern),
		},
	}
	if snap.Token != nil {
		ev.Scopes = snap.Token.Scopes.Slice()
		ev.DecisionHash = snap.Token.DecisionHash
	}
	if snap.Failure != "" {
		ev.Reason = fmt.Sprintf("%s: %s", snap.State, snap.Failure)
		ev.Metadata["error"] = snap.Err
	}
	if err := m.auditor.Record(context.Background(), ev); err != nil {
		m.logger.Warn("audit record failed", "task_id", snap.ID, "error", err)
	}
}

func (m *Machine) notify(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Machine) snapshot(ts *taskState) *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.snap.clone()
}

func (m *Machine) track(ctx context.Context, req DispatchRequest) (context.Context, func(error)) {
	if m.metrics == nil {
		return ctx, func(error) {}
	}
	return m.metrics.TrackOperation(ctx, "dispatch",
		attribute.String("handoff.target_agent", req.TargetAgent),
		attribute.String("handoff.pattern", string(req.Pattern)),
	)
}
