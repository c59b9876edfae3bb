package issuer

import (
	"context"
	"fmt"

	"github.com/handoff-labs/handoff/pkg/token"
)

// Local mints tokens with an embedded codec. Used by the demo flow, by
// tests, and as the signing backend of the serve command when no
// external IdP is configured.
type Local struct {
	codec *token.Codec
}

// NewLocal wraps a codec as an Issuer.
func NewLocal(codec *token.Codec) *Local {
	return &Local{codec: codec}
}

func (l *Local) Exchange(ctx context.Context, req Request) (*Response, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}

	raw, err := l.codec.Issue(ctx, token.IssueParams{
		Subject:  req.Subject,
		Audience: req.Audience,
		Scopes:   req.Scopes,
		Chain:    req.Chain,
		TTL:      ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	return &Response{
		AccessToken:     raw,
		IssuedTokenType: TokenTypeJWT,
		TokenType:       "Bearer",
		ExpiresIn:       int64(ttl.Seconds()),
		Scope:           req.Scopes,
	}, nil
}
