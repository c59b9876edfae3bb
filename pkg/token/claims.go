package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/handoff-labs/handoff/pkg/actorchain"
)

func init() {
	// RFC 7519 4.1.3: a single audience serializes as a plain string.
	// Standard issuers emit this form and resource servers expect it.
	jwt.MarshalSingleStringAsArray = false
}

// Claims is the JWT claim set carried by delegation tokens. Scope is the
// space-delimited OAuth form; Act is the nested actor chain and is absent
// on tokens that have not been delegated yet.
type Claims struct {
	jwt.RegisteredClaims
	Scope string            `json:"scope,omitempty"`
	Act   *actorchain.Chain `json:"act,omitempty"`
}
