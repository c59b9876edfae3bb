// Package issuer abstracts where delegated tokens come from. The engine
// computes what to mint; an Issuer turns that into a signed token either
// locally (embedded keyset) or by calling a real RFC 8693 endpoint.
package issuer

import (
	"context"
	"errors"
	"time"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/scope"
)

// RFC 8693 token type identifiers.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeJWT           = "urn:ietf:params:oauth:token-type:jwt"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

var (
	// ErrUnavailable means the issuer could not be reached or answered
	// with a server error. Retryable.
	ErrUnavailable = errors.New("issuer unavailable")
	// ErrRejected means the issuer refused the exchange. Not retryable.
	ErrRejected = errors.New("issuer rejected exchange")
)

// Request carries both the raw inbound tokens (a remote issuer forwards
// them verbatim and decides for itself) and the values the engine
// already verified and computed (a local issuer mints from these).
type Request struct {
	SubjectToken string
	ActorToken   string

	Subject  string
	Audience string
	Scopes   scope.Set
	Chain    *actorchain.Chain
	TTL      time.Duration
}

// Response mirrors the RFC 8693 token response.
type Response struct {
	AccessToken     string
	IssuedTokenType string
	TokenType       string
	ExpiresIn       int64
	Scope           scope.Set
}

// Issuer mints delegated tokens.
type Issuer interface {
	Exchange(ctx context.Context, req Request) (*Response, error)
}
