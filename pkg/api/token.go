package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/scope"
)

// tokenResponse is the RFC 8693 §2.2.1 success payload.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

// handleToken is the RFC 8693 token exchange endpoint: form-encoded
// request in, JSON grant out.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, r, "Malformed form body")
		return
	}

	if gt := r.PostFormValue("grant_type"); gt != issuer.GrantTypeTokenExchange {
		WriteBadRequest(w, r, fmt.Sprintf("grant_type must be %q", issuer.GrantTypeTokenExchange))
		return
	}
	subjectToken := r.PostFormValue("subject_token")
	if subjectToken == "" {
		WriteBadRequest(w, r, "subject_token is required")
		return
	}
	if !supportedTokenType(r.PostFormValue("subject_token_type")) {
		WriteBadRequest(w, r, "unsupported subject_token_type")
		return
	}
	actorToken := r.PostFormValue("actor_token")
	if actorToken != "" && !supportedTokenType(r.PostFormValue("actor_token_type")) {
		WriteBadRequest(w, r, "unsupported actor_token_type")
		return
	}
	audience := r.PostFormValue("audience")
	if audience == "" {
		WriteBadRequest(w, r, "audience is required")
		return
	}
	if rtt := r.PostFormValue("requested_token_type"); rtt != "" && !supportedTokenType(rtt) {
		WriteBadRequest(w, r, "unsupported requested_token_type")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	grant, err := s.engine.Exchange(ctx, exchange.Request{
		SubjectToken:    subjectToken,
		ActorToken:      actorToken,
		TargetAudience:  audience,
		RequestedScopes: scope.Parse(r.PostFormValue("scope")),
		// session_id is an extension parameter linking the grant to a
		// delegation session for audit.
		SessionID: r.PostFormValue("session_id"),
	})
	if err != nil {
		s.writeExchangeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:     grant.AccessToken,
		IssuedTokenType: grant.IssuedTokenType,
		TokenType:       grant.TokenType,
		ExpiresIn:       grant.ExpiresIn(),
		Scope:           grant.Scopes.String(),
	})
}

func supportedTokenType(t string) bool {
	return t == issuer.TokenTypeJWT || t == issuer.TokenTypeAccessToken
}

// writeExchangeError maps the exchange error taxonomy onto problem
// responses: bad credentials 401, policy refusals 403, unsatisfiable
// requests 400, issuer timeouts 504.
func (s *Server) writeExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidSubjectToken),
		errors.Is(err, exchange.ErrInvalidActorToken),
		errors.Is(err, exchange.ErrTokenExpired):
		WriteUnauthorized(w, r, "Invalid or expired token")
	case errors.Is(err, exchange.ErrPolicyDenied),
		errors.Is(err, exchange.ErrChainDepthExceeded):
		WriteForbidden(w, r, err.Error())
	case errors.Is(err, exchange.ErrNoViableScope):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, exchange.ErrThrottled):
		WriteTooManyRequests(w, r, 1)
	case errors.Is(err, exchange.ErrExchangeTimeout),
		errors.Is(err, context.DeadlineExceeded):
		WriteGatewayTimeout(w, r, "Token issuer did not respond in time")
	default:
		WriteInternal(w, r, err)
	}
}
