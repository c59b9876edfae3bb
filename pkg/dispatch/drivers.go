package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/exchange"
)

// maxPollFailures bounds consecutive failed status polls before the
// task fails; a single flaky poll must not kill a healthy remote task.
const maxPollFailures = 3

func (m *Machine) run(ctx context.Context, ts *taskState) {
	ts.mu.Lock()
	pattern := ts.snap.Pattern
	ts.mu.Unlock()

	if pattern == PatternStreaming {
		m.runStream(ctx, ts)
		return
	}
	// Sync and polling both start with message/send; they differ only
	// in whether the agent is expected to resolve in one round trip.
	m.runSend(ctx, ts)
}

func (m *Machine) runSend(ctx context.Context, ts *taskState) {
	token, msg := m.callArgs(ts)
	m.transition(ts, StateWorking, nil)

	result, err := m.transportFor(ts).Send(ctx, token, msg)
	if err != nil {
		m.deliverFailure(ctx, ts, err)
		return
	}
	m.applySendResult(ctx, ts, result)
}

func (m *Machine) runStream(ctx context.Context, ts *taskState) {
	token, msg := m.callArgs(ts)

	events, err := m.transportFor(ts).Stream(ctx, token, msg)
	if err != nil {
		m.deliverFailure(ctx, ts, err)
		return
	}
	m.transition(ts, StateWorking, nil)
	m.consumeStream(ctx, ts, events)
}

// resume continues a task after the caller supplied the clarification
// an InputRequired park asked for.
func (m *Machine) resume(ctx context.Context, ts *taskState, msg a2a.Message) {
	token, err := m.freshToken(ctx, ts)
	if err != nil {
		m.fail(ts, failureKindOf(err), err)
		return
	}

	ts.mu.Lock()
	pattern := ts.snap.Pattern
	ts.mu.Unlock()

	if pattern == PatternStreaming {
		events, err := m.transportFor(ts).Stream(ctx, token, msg)
		if err != nil {
			m.deliverFailure(ctx, ts, err)
			return
		}
		m.consumeStream(ctx, ts, events)
		return
	}

	result, err := m.transportFor(ts).Send(ctx, token, msg)
	if err != nil {
		m.deliverFailure(ctx, ts, err)
		return
	}
	m.applySendResult(ctx, ts, result)
}

// applySendResult folds a message/send reply into the task: a direct
// message completes it, a terminal or parked task snapshot settles it,
// and a still-running snapshot hands over to the poll loop.
func (m *Machine) applySendResult(ctx context.Context, ts *taskState, result *a2a.SendResult) {
	switch {
	case result.Message != nil:
		reply := result.Message
		m.transition(ts, StateCompleted, func(t *Task) {
			appendMessage(t, reply.MessageID)
			t.Output = reply.Text()
		})
	case result.Task != nil:
		if m.applyRemote(ts, result.Task) {
			return
		}
		m.pollLoop(ctx, ts)
	default:
		m.fail(ts, FailureRemote, errors.New("agent returned an empty result"))
	}
}

// consumeStream folds the event sequence of one stream into the task.
// The hop token attached at Submitted rides the entire stream; there
// is no mid-stream re-exchange.
func (m *Machine) consumeStream(ctx context.Context, ts *taskState, events <-chan a2a.StreamEvent) {
	settled := false
	for ev := range events {
		switch {
		case ev.Err != nil:
			m.deliverFailure(ctx, ts, ev.Err)
			return
		case ev.Task != nil:
			if m.applyRemote(ts, ev.Task) {
				settled = true
			}
		case ev.Status != nil:
			snapshot := &a2a.Task{ID: ev.Status.TaskID, Status: ev.Status.Status}
			if m.applyRemote(ts, snapshot) {
				settled = true
			}
		case ev.Message != nil:
			progress := ev.Message
			m.transition(ts, StateWorking, func(t *Task) {
				appendMessage(t, progress.MessageID)
				t.Output = progress.Text()
			})
		}
	}
	if settled {
		return
	}
	if ctx.Err() != nil {
		m.transition(ts, StateCanceled, nil)
		return
	}
	m.fail(ts, FailureTransport, errors.New("stream ended before a terminal state"))
}

// pollLoop tracks a long-running remote task with periodic tasks/get
// calls. The hop token is reused until its expiry margin; then a fresh
// exchange replaces it before the next poll; a poll never rides an
// expired credential.
func (m *Machine) pollLoop(ctx context.Context, ts *taskState) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			m.transition(ts, StateCanceled, nil)
			return
		case <-ticker.C:
		}

		token, err := m.freshToken(ctx, ts)
		if err != nil {
			m.fail(ts, failureKindOf(err), err)
			return
		}

		ts.mu.Lock()
		remoteID := ts.snap.RemoteID
		ts.mu.Unlock()

		remote, err := m.transportFor(ts).Task(ctx, token, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				m.transition(ts, StateCanceled, nil)
				return
			}
			failures++
			if failures >= maxPollFailures {
				m.fail(ts, failureKindOf(err), err)
				return
			}
			m.logger.WarnContext(ctx, "status poll failed",
				"task_id", ts.snap.ID, "remote_id", remoteID,
				"attempt", failures, "error", err)
			continue
		}
		failures = 0
		if m.applyRemote(ts, remote) {
			return
		}
	}
}

// applyRemote folds a remote task snapshot into local state and
// reports whether the task settled: reached a terminal state or parked
// awaiting input.
func (m *Machine) applyRemote(ts *taskState, remote *a2a.Task) bool {
	var msgID, text string
	if remote.Status.Message != nil {
		msgID = remote.Status.Message.MessageID
		text = remote.Status.Message.Text()
	}
	record := func(t *Task) {
		if remote.ID != "" {
			t.RemoteID = remote.ID
		}
		appendMessage(t, msgID)
	}

	switch remote.Status.State {
	case a2a.TaskStateCompleted:
		m.transition(ts, StateCompleted, func(t *Task) {
			record(t)
			if text != "" {
				t.Output = text
			}
		})
		return true
	case a2a.TaskStateFailed:
		m.transition(ts, StateFailed, func(t *Task) {
			record(t)
			t.Failure = FailureRemote
			t.Err = text
			if t.Err == "" {
				t.Err = "agent reported failure"
			}
		})
		return true
	case a2a.TaskStateCanceled:
		m.transition(ts, StateCanceled, record)
		return true
	case a2a.TaskStateInputRequired:
		m.transition(ts, StateInputRequired, func(t *Task) {
			record(t)
			if text != "" {
				t.Output = text
			}
		})
		return true
	default:
		// submitted, working, or a state this build does not know:
		// the remote is still going.
		m.transition(ts, StateWorking, record)
		return false
	}
}

// exchangeGrant obtains the hop token, retrying retryable failures up
// to the configured bound. Fatal taxonomy kinds return immediately.
func (m *Machine) exchangeGrant(ctx context.Context, req DispatchRequest) (*exchange.Grant, error) {
	exReq := exchange.Request{
		SubjectToken:    req.SubjectToken,
		ActorToken:      req.ActorToken,
		TargetAudience:  req.TargetAgent,
		RequestedScopes: req.Scopes,
		SessionID:       req.SessionID,
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		grant, err := m.exchanger.Exchange(ctx, exReq)
		if err == nil {
			return grant, nil
		}
		lastErr = err
		if !exchange.Retryable(err) || attempt >= m.maxAttempts || ctx.Err() != nil {
			return nil, lastErr
		}
		m.logger.WarnContext(ctx, "exchange failed, retrying",
			"target", req.TargetAgent, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(m.backoff.Delay(req.TargetAgent, attempt)):
		}
	}
}

// freshToken returns the task's hop token, re-exchanging first when it
// is inside its expiry margin. A failed renewal is a use-time expiry:
// the error wraps ErrTokenExpired on top of the underlying cause.
func (m *Machine) freshToken(ctx context.Context, ts *taskState) (string, error) {
	ts.mu.Lock()
	grant := ts.grant
	req := ts.req
	ts.mu.Unlock()

	if grant != nil && m.now().UTC().Add(m.expirySkew).Before(grant.ExpiresAt) {
		return grant.AccessToken, nil
	}

	renewed, err := m.exchangeGrant(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: renewing hop token: %w", exchange.ErrTokenExpired, err)
	}

	ts.mu.Lock()
	ts.grant = renewed
	ts.snap.Token = tokenInfo(renewed)
	ts.snap.UpdatedAt = m.now().UTC()
	ts.mu.Unlock()
	return renewed.AccessToken, nil
}

// deliverFailure folds a call error into the task, crediting
// cancellation to Canceled rather than Failed.
func (m *Machine) deliverFailure(ctx context.Context, ts *taskState, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		m.transition(ts, StateCanceled, nil)
		return
	}
	m.fail(ts, failureKindOf(err), err)
}

func (m *Machine) callArgs(ts *taskState) (token string, msg a2a.Message) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.grant != nil {
		token = ts.grant.AccessToken
	}
	return token, ts.req.Message
}

func appendMessage(t *Task, id string) {
	if id == "" {
		return
	}
	for _, existing := range t.Messages {
		if existing == id {
			return
		}
	}
	t.Messages = append(t.Messages, id)
}
