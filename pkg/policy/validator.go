package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/token"
)

// Validator is the decision point consulted on every exchange.
type Validator interface {
	Check(ctx context.Context, in CheckInput) (*Decision, error)
}

// CheckInput carries everything a rule or condition may look at.
type CheckInput struct {
	// Actor is the verified identity performing the exchange.
	Actor string
	// Subject is the verified subject token being exchanged.
	Subject *token.Token
	// TargetAudience is the audience the new token will be bound to.
	TargetAudience string
	// RequestedScopes is what the caller asked for, before downscoping.
	RequestedScopes scope.Set
}

// Decision records an allow. Ceiling bounds the scopes the exchange may
// grant; Hash is the canonical digest bound into audit entries.
type Decision struct {
	RuleIndex int
	Ceiling   scope.Set
	Hash      string
}

// Check finds the single applicable rule and evaluates its condition.
// No rule, or a condition that is false or errors, is a deny.
func (rs *RuleSet) Check(ctx context.Context, in CheckInput) (*Decision, error) {
	if in.Subject == nil {
		return nil, fmt.Errorf("%w: no subject token", ErrDenied)
	}

	cr, ok := rs.match(in.Actor, in.Subject.Audience, in.TargetAudience)
	if !ok {
		return nil, fmt.Errorf("%w: no rule for actor %q, subject audience %q, target %q",
			ErrDenied, in.Actor, in.Subject.Audience, in.TargetAudience)
	}

	if cr.program != nil {
		allowed, err := evalCondition(cr.program, conditionInput(in))
		if err != nil {
			// Fail closed: a broken condition never grants.
			return nil, fmt.Errorf("%w: rule %d condition: %v", ErrDenied, cr.index, err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: rule %d condition false", ErrDenied, cr.index)
		}
	}

	hash, err := decisionHash(in, cr)
	if err != nil {
		return nil, fmt.Errorf("decision hash: %w", err)
	}

	return &Decision{
		RuleIndex: cr.index,
		Ceiling:   cr.ceiling,
		Hash:      hash,
	}, nil
}

func conditionInput(in CheckInput) map[string]any {
	return map[string]any{
		"actor": in.Actor,
		"subject": map[string]any{
			"sub":    in.Subject.Subject,
			"aud":    in.Subject.Audience,
			"scopes": in.Subject.Scopes.Slice(),
		},
		"target_audience":  in.TargetAudience,
		"requested_scopes": in.RequestedScopes.Slice(),
		"chain_depth":      in.Subject.Chain.Depth(),
	}
}

// decisionHash digests the decision inputs and outcome in RFC 8785
// canonical form, so identical decisions always hash identically.
func decisionHash(in CheckInput, cr *compiledRule) (string, error) {
	record := map[string]any{
		"actor":            in.Actor,
		"subject":          in.Subject.Subject,
		"subject_audience": in.Subject.Audience,
		"subject_jti":      in.Subject.ID,
		"target_audience":  in.TargetAudience,
		"requested_scopes": in.RequestedScopes.Slice(),
		"rule_index":       cr.index,
		"ceiling":          cr.ceiling.Slice(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
