package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/handoff-labs/handoff/pkg/actorchain"
	"github.com/handoff-labs/handoff/pkg/scope"
)

// DefaultTTL is the lifetime of issued delegation tokens. Hop tokens are
// deliberately short-lived; a hop that needs longer re-exchanges.
const DefaultTTL = 5 * time.Minute

// CodecConfig tunes verification and local issuance.
type CodecConfig struct {
	// Issuer is stamped into the iss claim of locally issued tokens.
	Issuer string
	// MaxChainDepth bounds the actor chain; zero means
	// actorchain.DefaultMaxDepth.
	MaxChainDepth int
	// Leeway absorbs clock skew when checking temporal claims.
	Leeway time.Duration
	// Now supplies the verification clock; nil means time.Now. Tests
	// pin this to exercise expiry deterministically.
	Now func() time.Time
}

// Codec verifies and issues delegation tokens against a KeySet.
type Codec struct {
	keys     KeySet
	issuer   string
	maxDepth int
	leeway   time.Duration
	now      func() time.Time
}

// NewCodec builds a codec. The KeySet is required.
func NewCodec(keys KeySet, cfg CodecConfig) *Codec {
	c := &Codec{
		keys:     keys,
		issuer:   cfg.Issuer,
		maxDepth: cfg.MaxChainDepth,
		leeway:   cfg.Leeway,
		now:      cfg.Now,
	}
	if c.issuer == "" {
		c.issuer = "handoff"
	}
	if c.maxDepth <= 0 {
		c.maxDepth = actorchain.DefaultMaxDepth
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Verify parses and validates a compact JWS. Checks run in order:
// signature, expiry, chain depth, required claims. Nothing from the
// token is trusted before the signature passes.
func (c *Codec) Verify(ctx context.Context, raw string) (*Token, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)

	parsed, err := parser.ParseWithClaims(raw, &Claims{}, c.keys.KeyFunc())
	if err != nil {
		return nil, c.mapParseError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	if depth := claims.Act.Depth(); depth > c.maxDepth {
		return nil, fmt.Errorf("%w: depth %d, max %d", actorchain.ErrDepthExceeded, depth, c.maxDepth)
	}

	return c.tokenFromClaims(raw, claims)
}

func (c *Codec) mapParseError(err error) error {
	switch {
	case errors.Is(err, actorchain.ErrDepthExceeded):
		return fmt.Errorf("%w: %v", actorchain.ErrDepthExceeded, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (c *Codec) tokenFromClaims(raw string, claims *Claims) (*Token, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] == "" {
		return nil, fmt.Errorf("%w: aud", ErrMissingClaim)
	}
	if len(claims.Audience) > 1 {
		return nil, fmt.Errorf("%w: multiple audiences", ErrMalformed)
	}
	scopes := scope.Parse(claims.Scope)
	if scopes.IsEmpty() {
		return nil, fmt.Errorf("%w: scope", ErrMissingClaim)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: iat", ErrMissingClaim)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	return &Token{
		Raw:       raw,
		ID:        claims.ID,
		Subject:   claims.Subject,
		Audience:  claims.Audience[0],
		Scopes:    scopes,
		Chain:     claims.Act,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// IssueParams describes a token to mint locally.
type IssueParams struct {
	Subject  string
	Audience string
	Scopes   scope.Set
	Chain    *actorchain.Chain
	// TTL defaults to DefaultTTL when zero.
	TTL time.Duration
}

// Issue signs a fresh token. Every issued token gets a new jti; the
// subject passes through verbatim.
func (c *Codec) Issue(ctx context.Context, p IssueParams) (string, error) {
	if p.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if p.Audience == "" {
		return "", fmt.Errorf("%w: aud", ErrMissingClaim)
	}
	if p.Scopes.IsEmpty() {
		return "", fmt.Errorf("%w: scope", ErrMissingClaim)
	}
	if depth := p.Chain.Depth(); depth > c.maxDepth {
		return "", fmt.Errorf("%w: depth %d, max %d", actorchain.ErrDepthExceeded, depth, c.maxDepth)
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := c.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.Audience},
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: p.Scopes.String(),
		Act:   p.Chain,
	}

	signed, err := c.keys.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
