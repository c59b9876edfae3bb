// Package token encodes, signs and verifies the delegation tokens that
// move between agents. A verified token is an immutable value; nothing
// downstream re-parses the raw JWS.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/scope"
)

var (
	ErrInvalidSignature  = errors.New("token signature invalid")
	ErrExpired           = errors.New("token expired")
	ErrMalformed         = errors.New("token malformed")
	ErrMissingClaim      = errors.New("required claim missing")
	ErrInsufficientScope = errors.New("token lacks required scope")
)

// Token is a verified delegation token. All fields come from validated
// claims; Raw is the compact JWS exactly as received.
type Token struct {
	Raw       string
	ID        string
	Subject   string
	Audience  string
	Scopes    scope.Set
	Chain     *actorchain.Chain
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer valid at the given
// instant. Use-time expiry between verification and use is the caller's
// concern; this helper makes the check explicit.
func (t *Token) Expired(at time.Time) bool {
	return !at.Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime at the given instant, or zero when
// already expired.
func (t *Token) TTL(at time.Time) time.Duration {
	if t.Expired(at) {
		return 0
	}
	return t.ExpiresAt.Sub(at)
}

// RequireScopes verifies the token covers every scope a resource needs.
// Worker agents call this before touching their downstream APIs.
func (t *Token) RequireScopes(required scope.Set) error {
	if !t.Scopes.ContainsAll(required) {
		return fmt.Errorf("%w: have %q, need %q", ErrInsufficientScope, t.Scopes.String(), required.String())
	}
	return nil
}

// RequireAudience verifies the token was minted for this resource.
func (t *Token) RequireAudience(audience string) error {
	if t.Audience != audience {
		return fmt.Errorf("%w: audience %q, expected %q", ErrMalformed, t.Audience, audience)
	}
	return nil
}
