package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/scope"
	"github.com/handoff-labs/handoff/pkg/token"
)

type bearerKey struct{}

// RequireBearer guards a resource with handoff-issued tokens. It
// verifies the Bearer credential, checks it was minted for this
// audience and covers the required scopes, and injects the verified
// token into the request context. Agents wrap their downstream APIs
// with this; it fails closed when no verifier is configured.
func RequireBearer(verifier exchange.Verifier, audience string, required scope.Set) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if verifier == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			tok, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if err := tok.RequireAudience(audience); err != nil {
				WriteUnauthorized(w, r, "Token not valid for this resource")
				return
			}
			if err := tok.RequireScopes(required); err != nil {
				WriteForbidden(w, r, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), bearerKey{}, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the verified delegation token RequireBearer
// stored on the context.
func BearerToken(ctx context.Context) (*token.Token, bool) {
	tok, ok := ctx.Value(bearerKey{}).(*token.Token)
	return tok, ok
}
