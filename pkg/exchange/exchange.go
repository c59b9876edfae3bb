// Package exchange implements chained delegation token exchange: the
// RFC 8693 flow that turns a subject token plus an acting identity into
// a narrower token for the next hop. Every exchange re-verifies, re-runs
// policy and re-downscopes; there is no trusted-hop shortcut. The engine
// holds no mutable state shared between exchanges beyond the read-only
// rule set, so concurrent exchanges never contend.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/audit"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/observability"
	"github.com/handoff-labs/handoff/pkg/policy"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/session"
	"github.com/handoff-labs/handoff/pkg/token"
)

// DefaultTTL is the lifetime requested for issued tokens when the
// engine is not configured otherwise.
const DefaultTTL = 5 * time.Minute

// defaultMaxAttempts bounds local retries against an unavailable issuer.
const defaultMaxAttempts = 3

var (
	// ErrInvalidSubjectToken means the subject token failed
	// verification. Fatal; never retried.
	ErrInvalidSubjectToken = errors.New("invalid subject token")
	// ErrInvalidActorToken means the actor token failed verification.
	// Fatal; never retried.
	ErrInvalidActorToken = errors.New("invalid actor token")
	// ErrPolicyDenied means no rule permits this delegation. Fatal and
	// audited; distinct from ErrExchangeTimeout by contract.
	ErrPolicyDenied = errors.New("exchange denied by policy")
	// ErrNoViableScope means the requested/subject/ceiling intersection
	// is empty. Fatal.
	ErrNoViableScope = errors.New("no viable scope for exchange")
	// ErrChainDepthExceeded means appending the caller would push the
	// actor chain past its bound. Fatal; indicates a looping topology.
	ErrChainDepthExceeded = errors.New("delegation chain depth exceeded")
	// ErrExchangeTimeout means the issuer could not be reached within
	// the caller's deadline. Retryable.
	ErrExchangeTimeout = errors.New("exchange timed out")
	// ErrTokenExpired is surfaced at use time, after a token was
	// already granted; dispatch reacts with a fresh exchange.
	ErrTokenExpired = errors.New("token expired")
	// ErrThrottled means the caller exceeded its exchange rate.
	// Retryable after backoff.
	ErrThrottled = errors.New("exchange rate limit exceeded")
)

// Retryable reports whether the error is worth retrying with backoff.
// Everything fatal in the taxonomy returns false.
func Retryable(err error) bool {
	return errors.Is(err, ErrExchangeTimeout) || errors.Is(err, ErrThrottled)
}

// Verifier checks a raw token. *token.Codec satisfies it.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*token.Token, error)
}

// Recorder is the slice of the session tracker the engine uses.
type Recorder interface {
	Record(ctx context.Context, sessionID string, tok *token.Token, decisionHash string) (*session.Record, error)
}

// Request is one exchange: turn SubjectToken into a token for
// TargetAudience, acting as the bearer of ActorToken (or as the
// engine's own identity when ActorToken is empty, the first hop).
type Request struct {
	SubjectToken    string
	ActorToken      string
	TargetAudience  string
	RequestedScopes scope.Set
	// SessionID attaches the grant to a delegation session for audit.
	// Optional; recording is best-effort and never blocks the exchange.
	SessionID string
}

// Grant is the all-or-nothing result of a successful exchange.
type Grant struct {
	// AccessToken is the newly issued token, signed by the issuer.
	AccessToken     string
	IssuedTokenType string
	TokenType       string

	// Fields below are what the engine verified and computed; for a
	// remote issuer they describe what was requested of it.
	Subject      string
	Audience     string
	Scopes       scope.Set
	Chain        *actorchain.Chain
	Actor        string
	DecisionHash string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// ExpiresIn returns the grant lifetime in whole seconds at issue time.
func (g *Grant) ExpiresIn() int64 {
	return int64(g.ExpiresAt.Sub(g.IssuedAt) / time.Second)
}

// Config assembles an Engine. Verifier, Policy and Issuer are required.
type Config struct {
	Verifier Verifier
	Policy   policy.Validator
	Issuer   issuer.Issuer

	// SelfID is the engine's own actor identity, used as the calling
	// actor when a request carries no actor token (first hop).
	SelfID string

	// Sessions receives issued tokens when requests name a session.
	Sessions Recorder
	// Audit receives one event per decision, grants and denials both.
	Audit audit.Logger
	// Metrics instruments exchanges when set.
	Metrics *observability.Provider
	// Limiter throttles per-caller exchange rates when set.
	Limiter *CallerLimiter

	Logger *slog.Logger

	// TTL for issued tokens; DefaultTTL when zero.
	TTL time.Duration
	// MaxChainDepth bounds the actor chain; actorchain.DefaultMaxDepth
	// when zero.
	MaxChainDepth int
	// MaxAttempts bounds issuer retries per exchange. The deadline in
	// ctx still wins: retries stop as soon as it expires.
	MaxAttempts int
	// Backoff shapes the delay between issuer retries.
	Backoff BackoffPolicy
	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}

// Engine performs chained token exchanges.
type Engine struct {
	verifier Verifier
	policy   policy.Validator
	iss      issuer.Issuer
	selfID   string
	sessions Recorder
	auditor  audit.Logger
	metrics  *observability.Provider
	limiter  *CallerLimiter
	logger   *slog.Logger

	ttl         time.Duration
	maxDepth    int
	maxAttempts int
	backoff     BackoffPolicy
	now         func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("exchange: verifier is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("exchange: policy validator is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("exchange: issuer is required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("exchange: self actor identity is required")
	}

	e := &Engine{
		verifier:    cfg.Verifier,
		policy:      cfg.Policy,
		iss:         cfg.Issuer,
		selfID:      cfg.SelfID,
		sessions:    cfg.Sessions,
		auditor:     cfg.Audit,
		metrics:     cfg.Metrics,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		maxDepth:    cfg.MaxChainDepth,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		now:         cfg.Now,
	}
	if e.auditor == nil {
		e.auditor = audit.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.ttl <= 0 {
		e.ttl = DefaultTTL
	}
	if e.maxDepth <= 0 {
		e.maxDepth = actorchain.DefaultMaxDepth
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	e.backoff = e.backoff.WithDefaults()
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Exchange runs one delegation hop. All-or-nothing: any failure means
// no token was issued.
//
// The steps, in order: verify subject token, resolve the calling actor
// (actor token subject, or the engine's own identity), consult policy,
// downscope, extend the actor chain, have the issuer mint the token,
// then record it against the session when one is attached.
func (e *Engine) Exchange(ctx context.Context, req Request) (*Grant, error) {
	ctx, done := e.track(ctx, req)
	grant, err := e.exchange(ctx, req)
	done(err)
	return grant, err
}

func (e *Engine) exchange(ctx context.Context, req Request) (*Grant, error) {
	subject, err := e.verifier.Verify(ctx, req.SubjectToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubjectToken, err)
	}

	caller := e.selfID
	if req.ActorToken != "" {
		actorTok, err := e.verifier.Verify(ctx, req.ActorToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidActorToken, err)
		}
		caller = actorTok.Subject
	}

	if e.limiter != nil && !e.limiter.Allow(caller) {
		return nil, fmt.Errorf("%w: caller %q", ErrThrottled, caller)
	}

	requested := req.RequestedScopes
	if requested.IsEmpty() {
		// RFC 8693 leaves scope optional; an absent request asks for
		// everything the subject token already carries.
		requested = subject.Scopes
	}

	decision, err := e.policy.Check(ctx, policy.CheckInput{
		Actor:           caller,
		Subject:         subject,
		TargetAudience:  req.TargetAudience,
		RequestedScopes: requested,
	})
	if err != nil {
		if errors.Is(err, policy.ErrDenied) {
			err = fmt.Errorf("%w: %w", ErrPolicyDenied, err)
		}
		e.auditDenied(ctx, req, caller, subject, err)
		return nil, err
	}

	granted, err := scope.Downscope(requested, subject.Scopes, decision.Ceiling)
	if err != nil {
		err = fmt.Errorf("%w: requested %q, subject %q, ceiling %q",
			ErrNoViableScope, requested.String(), subject.Scopes.String(), decision.Ceiling.String())
		e.auditDenied(ctx, req, caller, subject, err)
		return nil, err
	}

	chain, err := actorchain.Append(subject.Chain, caller, e.maxDepth)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrChainDepthExceeded, err)
		e.auditDenied(ctx, req, caller, subject, err)
		return nil, err
	}

	resp, err := e.issue(ctx, issuer.Request{
		SubjectToken: req.SubjectToken,
		ActorToken:   req.ActorToken,
		Subject:      subject.Subject,
		Audience:     req.TargetAudience,
		Scopes:       granted,
		Chain:        chain,
		TTL:          e.ttl,
	})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	grant := &Grant{
		AccessToken:     resp.AccessToken,
		IssuedTokenType: resp.IssuedTokenType,
		TokenType:       resp.TokenType,
		Subject:         subject.Subject,
		Audience:        req.TargetAudience,
		Scopes:          granted,
		Chain:           chain,
		Actor:           caller,
		DecisionHash:    decision.Hash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if resp.ExpiresIn <= 0 {
		grant.ExpiresAt = now.Add(e.ttl)
	}
	if !resp.Scope.IsEmpty() {
		// The issuer has the final word on granted scope; it may only
		// narrow further, never widen past what we asked for.
		grant.Scopes = resp.Scope.Intersect(granted)
	}

	e.record(ctx, req.SessionID, grant)
	e.auditGranted(ctx, req, grant)
	return grant, nil
}

// issue calls the issuer with bounded retries. Only unavailability is
// retried; a rejection is final. The context deadline caps everything.
func (e *Engine) issue(ctx context.Context, req issuer.Request) (*issuer.Response, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff.Delay(req.Subject+":"+req.Audience, attempt)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrExchangeTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := e.iss.Exchange(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrExchangeTimeout, ctx.Err())
		}
		if !errors.Is(err, issuer.ErrUnavailable) {
			return nil, err
		}
		lastErr = err
		e.logger.WarnContext(ctx, "issuer unavailable, retrying",
			"attempt", attempt+1, "audience", req.Audience, "error", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrExchangeTimeout, lastErr)
}

// record appends the grant to its session. Best-effort: the tracker is
// an audit surface, so its unavailability never fails an exchange.
func (e *Engine) record(ctx context.Context, sessionID string, g *Grant) {
	if e.sessions == nil || sessionID == "" {
		return
	}
	tok := &token.Token{
		Raw:       g.AccessToken,
		ID:        g.DecisionHash,
		Subject:   g.Subject,
		Audience:  g.Audience,
		Scopes:    g.Scopes,
		Chain:     g.Chain,
		IssuedAt:  g.IssuedAt,
		ExpiresAt: g.ExpiresAt,
	}
	if verified, err := e.verifier.Verify(ctx, g.AccessToken); err == nil {
		// A locally verifiable grant records its true jti; opaque
		// remote tokens fall back to the decision hash as the ID.
		tok = verified
	}
	if _, err := e.sessions.Record(ctx, sessionID, tok, g.DecisionHash); err != nil {
		e.logger.WarnContext(ctx, "session record failed",
			"session_id", sessionID, "error", err)
	}
}

func (e *Engine) track(ctx context.Context, req Request) (context.Context, func(error)) {
	if e.metrics == nil {
		return ctx, func(error) {}
	}
	return e.metrics.TrackOperation(ctx, "exchange",
		attribute.String("handoff.target_audience", req.TargetAudience),
		attribute.Bool("handoff.first_hop", req.ActorToken == ""),
	)
}

func (e *Engine) auditGranted(ctx context.Context, req Request, g *Grant) {
	err := e.auditor.Record(ctx, audit.Event{
		Type:         audit.EventExchangeGranted,
		Actor:        g.Actor,
		Subject:      g.Subject,
		Audience:     g.Audience,
		Scopes:       g.Scopes.Slice(),
		Chain:        g.Chain.Flatten(),
		SessionID:    req.SessionID,
		DecisionHash: g.DecisionHash,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
}

func (e *Engine) auditDenied(ctx context.Context, req Request, caller string, subject *token.Token, cause error) {
	ev := audit.Event{
		Type:      audit.EventExchangeDenied,
		Actor:     caller,
		Audience:  req.TargetAudience,
		SessionID: req.SessionID,
		Reason:    cause.Error(),
	}
	if subject != nil {
		ev.Subject = subject.Subject
		ev.Chain = subject.Chain.Flatten()
	}
	if err := e.auditor.Record(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "audit record failed", "error", err)
	}
}
