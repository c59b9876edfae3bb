package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/handoff-labs/handoff/pkg/scope"
)

// RemoteConfig points the client at a real token exchange endpoint.
type RemoteConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// SubjectTokenType and ActorTokenType default to TokenTypeJWT.
	SubjectTokenType string
	ActorTokenType   string
	// HTTPClient defaults to a client with a 10s timeout. Per-call
	// deadlines come from the context.
	HTTPClient *http.Client
}

// Remote performs RFC 8693 exchanges against an external issuer with
// client_secret_basic authentication.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote validates the config and builds the client.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if _, err := url.Parse(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("token url: %w", err)
	}
	if cfg.SubjectTokenType == "" {
		cfg.SubjectTokenType = TokenTypeJWT
	}
	if cfg.ActorTokenType == "" {
		cfg.ActorTokenType = TokenTypeJWT
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{cfg: cfg, client: client}, nil
}

// wire shape of a token endpoint response.
type remoteTokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
}

type remoteErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (r *Remote) Exchange(ctx context.Context, req Request) (*Response, error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeTokenExchange)
	form.Set("subject_token", req.SubjectToken)
	form.Set("subject_token_type", r.cfg.SubjectTokenType)
	form.Set("requested_token_type", TokenTypeJWT)
	form.Set("audience", req.Audience)
	if req.ActorToken != "" {
		form.Set("actor_token", req.ActorToken)
		form.Set("actor_token_type", r.cfg.ActorTokenType)
	}
	if !req.Scopes.IsEmpty() {
		form.Set("scope", req.Scopes.String())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if r.cfg.ClientID != "" {
		httpReq.SetBasicAuth(r.cfg.ClientID, r.cfg.ClientSecret)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// Keep the transport error in the chain so callers can still
		// detect context deadline expiry through it.
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tr remoteTokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("%w: malformed token response: %v", ErrUnavailable, err)
		}
		if tr.AccessToken == "" {
			return nil, fmt.Errorf("%w: token response missing access_token", ErrUnavailable)
		}
		return &Response{
			AccessToken:     tr.AccessToken,
			IssuedTokenType: tr.IssuedTokenType,
			TokenType:       tr.TokenType,
			ExpiresIn:       tr.ExpiresIn,
			Scope:           scope.Parse(tr.Scope),
		}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var er remoteErrorResponse
		_ = json.Unmarshal(body, &er)
		if er.Error == "" {
			er.Error = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, er.Error, er.Description)

	default:
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
}
