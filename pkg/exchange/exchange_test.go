package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/audit"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/policy"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/session"
	"github.com/handoff-labs/handoff/pkg/token"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

const testRules = `
version: 1
rules:
  - actor_id: orchestrator
    subject_audience: all-agents
    target_audience: hr-agent
    max_scopes: [hr:read, hr:write]
  - actor_id: orchestrator
    subject_audience: all-agents
    target_audience: it-agent
    max_scopes: [it:read, it:write]
  - actor_id: hr-agent
    subject_audience: hr-agent
    target_audience: hr-api
    max_scopes: [hr:read]
`

type testEnv struct {
	engine *Engine
	codec  *token.Codec
	keys   *token.InMemoryKeySet
	audit  *audit.Memory
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	ks, err := token.NewInMemoryKeySet()
	require.NoError(t, err)
	codec := token.NewCodec(ks, token.CodecConfig{Issuer: "https://idp.test", Now: fixedClock(testEpoch)})

	rules, err := policy.Parse([]byte(testRules))
	require.NoError(t, err)

	auditor := audit.NewMemory()
	cfg := Config{
		Verifier: codec,
		Policy:   rules,
		Issuer:   issuer.NewLocal(codec),
		SelfID:   "orchestrator",
		Audit:    auditor,
		Backoff:  BackoffPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxJitter: time.Millisecond},
		Now:      fixedClock(testEpoch),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{engine: engine, codec: codec, keys: ks, audit: auditor}
}

// subjectToken mints a user-delegated token the way the IdP would after
// browser login: audience all-agents, no actor chain yet.
func (env *testEnv) subjectToken(t *testing.T, scopes ...string) string {
	t.Helper()
	raw, err := env.codec.Issue(context.Background(), token.IssueParams{
		Subject:  "alice",
		Audience: "all-agents",
		Scopes:   scope.New(scopes...),
	})
	require.NoError(t, err)
	return raw
}

// actorToken mints an agent's own credential, the client-credentials
// token it presents to prove who is doing the exchanging.
func (env *testEnv) actorToken(t *testing.T, agentID string) string {
	t.Helper()
	raw, err := env.codec.Issue(context.Background(), token.IssueParams{
		Subject:  agentID,
		Audience: "handoff",
		Scopes:   scope.New("exchange"),
	})
	require.NoError(t, err)
	return raw
}

func TestFirstHopDownscopesAndStartsChain(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	grant, err := env.engine.Exchange(ctx, Request{
		SubjectToken:    env.subjectToken(t, "hr:read", "hr:write", "it:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read", "hr:write", "it:read"),
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", grant.Subject)
	assert.Equal(t, "hr-agent", grant.Audience)
	assert.Equal(t, "hr:read hr:write", grant.Scopes.String(), "it:read is outside the policy ceiling")
	assert.Equal(t, []string{"orchestrator"}, grant.Chain.Flatten())
	assert.Equal(t, "orchestrator", grant.Actor)
	assert.Equal(t, "Bearer", grant.TokenType)
	assert.NotEmpty(t, grant.DecisionHash)

	// The issued token itself carries the exchange outcome.
	tok, err := env.codec.Verify(ctx, grant.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Subject)
	assert.Equal(t, "hr-agent", tok.Audience)
	assert.Equal(t, "hr:read hr:write", tok.Scopes.String())
	assert.Equal(t, []string{"orchestrator"}, tok.Chain.Flatten())
}

func TestSecondHopNestsActorChain(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	hop1, err := env.engine.Exchange(ctx, Request{
		SubjectToken:    env.subjectToken(t, "hr:read", "hr:write", "it:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read", "hr:write"),
	})
	require.NoError(t, err)

	hop2, err := env.engine.Exchange(ctx, Request{
		SubjectToken:    hop1.AccessToken,
		ActorToken:      env.actorToken(t, "hr-agent"),
		TargetAudience:  "hr-api",
		RequestedScopes: scope.New("hr:read", "hr:write"),
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", hop2.Subject, "subject must survive every hop")
	assert.Equal(t, "hr:read", hop2.Scopes.String(), "hop ceiling narrows the grant")
	assert.Equal(t, []string{"hr-agent", "orchestrator"}, hop2.Chain.Flatten())
	assert.Equal(t, "hr-agent", hop2.Actor)

	tok, err := env.codec.Verify(ctx, hop2.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Subject)
	assert.Equal(t, []string{"hr-agent", "orchestrator"}, tok.Chain.Flatten())
}

func TestEmptyIntersectionFailsNoViableScope(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "it-agent",
		RequestedScopes: scope.New("it:write"),
	})
	assert.ErrorIs(t, err, ErrNoViableScope)
	assert.False(t, Retryable(err))
}

func TestExpiredSubjectTokenFailsVerification(t *testing.T) {
	env := newTestEnv(t, nil)

	// Mint with a clock far enough back that the token is long dead.
	past := token.NewCodec(env.keys, token.CodecConfig{
		Issuer: "https://idp.test",
		Now:    fixedClock(testEpoch.Add(-time.Hour)),
	})
	raw, err := past.Issue(context.Background(), token.IssueParams{
		Subject:  "alice",
		Audience: "all-agents",
		Scopes:   scope.New("hr:read"),
	})
	require.NoError(t, err)

	_, err = env.engine.Exchange(context.Background(), Request{
		SubjectToken:    raw,
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrInvalidSubjectToken)
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.False(t, Retryable(err))
}

func TestGarbageActorTokenFails(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		ActorToken:      "not-a-jwt",
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrInvalidActorToken)
}

func TestPolicyDenyIsAuditedAndFinal(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "payroll-api", // no rule allows this
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrPolicyDenied)
	assert.False(t, Retryable(err))

	events := env.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventExchangeDenied, events[0].Type)
	assert.Equal(t, "orchestrator", events[0].Actor)
	assert.Equal(t, "alice", events[0].Subject)
	assert.Contains(t, events[0].Reason, "policy")
}

func TestGrantIsAuditedWithDecisionHash(t *testing.T) {
	env := newTestEnv(t, nil)

	grant, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	require.NoError(t, err)

	events := env.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventExchangeGranted, events[0].Type)
	assert.Equal(t, grant.DecisionHash, events[0].DecisionHash)
	assert.Equal(t, []string{"orchestrator"}, events[0].Chain)
}

func TestEmptyRequestedScopesAskForSubjectScopes(t *testing.T) {
	env := newTestEnv(t, nil)

	grant, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:   env.subjectToken(t, "hr:read", "hr:write", "it:read"),
		TargetAudience: "hr-agent",
	})
	require.NoError(t, err)
	assert.Equal(t, "hr:read hr:write", grant.Scopes.String())
}

func TestChainDepthBoundFailsClosed(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxChainDepth = 2 })
	ctx := context.Background()

	// A subject token already two hops deep.
	chain, err := actorchain.New("orchestrator")
	require.NoError(t, err)
	chain, err = actorchain.Append(chain, "hr-agent", 0)
	require.NoError(t, err)
	raw, err := env.codec.Issue(ctx, token.IssueParams{
		Subject:  "alice",
		Audience: "all-agents",
		Scopes:   scope.New("hr:read"),
		Chain:    chain,
	})
	require.NoError(t, err)

	_, err = env.engine.Exchange(ctx, Request{
		SubjectToken:    raw,
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrChainDepthExceeded)
	assert.False(t, Retryable(err))
}

// flakyIssuer fails with ErrUnavailable until succeedAfter calls have
// been made, then delegates.
type flakyIssuer struct {
	delegate     issuer.Issuer
	succeedAfter int32
	calls        atomic.Int32
}

func (f *flakyIssuer) Exchange(ctx context.Context, req issuer.Request) (*issuer.Response, error) {
	n := f.calls.Add(1)
	if n <= f.succeedAfter {
		return nil, issuer.ErrUnavailable
	}
	return f.delegate.Exchange(ctx, req)
}

func TestIssuerRetriesThenSucceeds(t *testing.T) {
	var flaky *flakyIssuer
	env := newTestEnv(t, func(cfg *Config) {
		flaky = &flakyIssuer{delegate: cfg.Issuer, succeedAfter: 2}
		cfg.Issuer = flaky
		cfg.MaxAttempts = 3
	})

	grant, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, "hr:read", grant.Scopes.String())
}

func TestIssuerExhaustionIsTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Issuer = &flakyIssuer{delegate: cfg.Issuer, succeedAfter: 99}
		cfg.MaxAttempts = 2
	})

	_, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrExchangeTimeout)
	assert.True(t, Retryable(err))
	assert.NotErrorIs(t, err, ErrPolicyDenied, "timeouts must never masquerade as denials")
}

// stalledIssuer blocks until the caller's context expires.
type stalledIssuer struct{}

func (stalledIssuer) Exchange(ctx context.Context, req issuer.Request) (*issuer.Response, error) {
	<-ctx.Done()
	return nil, issuer.ErrUnavailable
}

func TestDeadlineSurfacesAsExchangeTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Issuer = stalledIssuer{} })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.engine.Exchange(ctx, Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, ErrExchangeTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIssuerRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Issuer = issuerFunc(func(ctx context.Context, req issuer.Request) (*issuer.Response, error) {
			calls.Add(1)
			return nil, issuer.ErrRejected
		})
	})

	_, err := env.engine.Exchange(context.Background(), Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	})
	assert.ErrorIs(t, err, issuer.ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottledCaller(t *testing.T) {
	limiter, err := NewCallerLimiter(0, 1, 8)
	require.NoError(t, err)
	env := newTestEnv(t, func(cfg *Config) { cfg.Limiter = limiter })

	req := Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
	}

	_, err = env.engine.Exchange(context.Background(), req)
	require.NoError(t, err)

	_, err = env.engine.Exchange(context.Background(), req)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, Retryable(err))
}

func TestSessionRecordingIsBestEffort(t *testing.T) {
	tracker := session.NewTracker(session.TrackerConfig{Now: fixedClock(testEpoch)})
	env := newTestEnv(t, func(cfg *Config) { cfg.Sessions = tracker })
	ctx := context.Background()

	sessionID, err := tracker.Begin(ctx, "alice")
	require.NoError(t, err)

	grant, err := env.engine.Exchange(ctx, Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
		SessionID:       sessionID,
	})
	require.NoError(t, err)

	records, err := tracker.Chain(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Subject)
	assert.Equal(t, "hr-agent", records[0].Audience)
	assert.Equal(t, grant.DecisionHash, records[0].DecisionHash)

	// A dead session must not take the exchange down with it.
	grant, err = env.engine.Exchange(ctx, Request{
		SubjectToken:    env.subjectToken(t, "hr:read"),
		TargetAudience:  "hr-agent",
		RequestedScopes: scope.New("hr:read"),
		SessionID:       "no-such-session",
	})
	require.NoError(t, err)
	require.NotNil(t, grant)
}

func TestEngineRequiresCoreCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "verifier")
}

type issuerFunc func(ctx context.Context, req issuer.Request) (*issuer.Response, error)

func (f issuerFunc) Exchange(ctx context.Context, req issuer.Request) (*issuer.Response, error) {
	return f(ctx, req)
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(ErrExchangeTimeout))
	assert.True(t, Retryable(ErrThrottled))
	for _, err := range []error{
		ErrInvalidSubjectToken, ErrInvalidActorToken, ErrPolicyDenied,
		ErrNoViableScope, ErrChainDepthExceeded, errors.New("other"),
	} {
		assert.False(t, Retryable(err), "%v must not be retryable", err)
	}
}
