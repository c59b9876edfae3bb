// Package dispatch drives outbound calls to downstream agents using
// exchanged delegation tokens. Every task goes through one state
// machine regardless of how the remote agent communicates: a token
// exchange gates entry into Submitted, and the first transition into a
// terminal state wins: a completion racing a cancellation records
// exactly one outcome, and the loser is a silent no-op.
package dispatch

import (
	"errors"
	"time"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/scope"
)

// State of a dispatched task.
type State string

const (
	StateCreated       State = "created"
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Pattern is the communication pattern requested for a task. The agent
// may still answer a sync send with a long-running task, in which case
// the machine falls back to polling it.
type Pattern string

const (
	PatternSync      Pattern = "sync"
	PatternStreaming Pattern = "streaming"
	PatternPolling   Pattern = "polling"
)

// FailureKind classifies why a task ended in StateFailed, attached to
// the terminal audit event.
type FailureKind string

const (
	FailureInvalidToken  FailureKind = "invalid_token"
	FailurePolicyDenied  FailureKind = "policy_denied"
	FailureNoViableScope FailureKind = "no_viable_scope"
	FailureChainDepth    FailureKind = "chain_depth_exceeded"
	FailureTimeout       FailureKind = "exchange_timeout"
	FailureTokenExpired  FailureKind = "token_expired"
	FailureTransport     FailureKind = "transport"
	FailureRemote        FailureKind = "remote"
	FailureInternal      FailureKind = "internal"
)

// failureKindOf maps an error onto the audit classification. Expiry is
// checked first: a failed re-exchange after token expiry wraps both
// ErrTokenExpired and the underlying cause.
func failureKindOf(err error) FailureKind {
	var rpcErr *a2a.Error
	switch {
	case errors.Is(err, exchange.ErrTokenExpired):
		return FailureTokenExpired
	case errors.Is(err, exchange.ErrInvalidSubjectToken), errors.Is(err, exchange.ErrInvalidActorToken):
		return FailureInvalidToken
	case errors.Is(err, exchange.ErrPolicyDenied):
		return FailurePolicyDenied
	case errors.Is(err, exchange.ErrNoViableScope):
		return FailureNoViableScope
	case errors.Is(err, exchange.ErrChainDepthExceeded):
		return FailureChainDepth
	case errors.Is(err, exchange.ErrExchangeTimeout), errors.Is(err, exchange.ErrThrottled):
		return FailureTimeout
	case errors.Is(err, a2a.ErrAgentUnavailable):
		return FailureTransport
	case errors.As(err, &rpcErr):
		return FailureRemote
	default:
		return FailureInternal
	}
}

// TokenInfo is the audit-safe view of the token a task carries: what
// was granted and until when, never the credential itself.
type TokenInfo struct {
	Audience     string    `json:"audience"`
	Scopes       scope.Set `json:"scopes"`
	ExpiresAt    time.Time `json:"expires_at"`
	DecisionHash string    `json:"decision_hash,omitempty"`
}

func tokenInfo(g *exchange.Grant) *TokenInfo {
	return &TokenInfo{
		Audience:     g.Audience,
		Scopes:       g.Scopes,
		ExpiresAt:    g.ExpiresAt,
		DecisionHash: g.DecisionHash,
	}
}

// Task is a point-in-time snapshot of one dispatched unit of work.
type Task struct {
	ID          string      `json:"id"`
	TargetAgent string      `json:"target_agent"`
	Pattern     Pattern     `json:"pattern"`
	State       State       `json:"state"`
	Token       *TokenInfo  `json:"token,omitempty"`
	RemoteID    string      `json:"remote_id,omitempty"`
	Messages    []string    `json:"messages,omitempty"`
	Failure     FailureKind `json:"failure,omitempty"`
	Err         string      `json:"error,omitempty"`
	Output      string      `json:"output,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (t *Task) clone() *Task {
	cp := *t
	if t.Token != nil {
		tok := *t.Token
		cp.Token = &tok
	}
	cp.Messages = append([]string(nil), t.Messages...)
	return &cp
}

// Event is one observed state transition.
type Event struct {
	TaskID  string      `json:"task_id"`
	From    State       `json:"from"`
	To      State       `json:"to"`
	Failure FailureKind `json:"failure,omitempty"`
	At      time.Time   `json:"at"`
}
