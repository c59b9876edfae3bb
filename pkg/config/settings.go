package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Issuer modes.
const (
	IssuerModeLocal  = "local"
	IssuerModeRemote = "remote"
)

// Settings is the YAML settings document. It carries everything with
// more structure than an environment variable: who this engine is, how
// tokens get minted, exchange limits, session lifecycle, and the agent
// endpoints supplied to the dispatcher.
type Settings struct {
	// SelfID is the engine's own actor identity, used as the calling
	// actor on first-hop exchanges.
	SelfID   string                   `yaml:"self_id"`
	Issuer   IssuerSettings           `yaml:"issuer"`
	Exchange ExchangeSettings         `yaml:"exchange"`
	Sessions SessionSettings          `yaml:"sessions"`
	Agents   map[string]AgentEndpoint `yaml:"agents"`
}

// IssuerSettings selects and configures the token issuance backend.
type IssuerSettings struct {
	// Mode is "local" (embedded keyset) or "remote" (RFC 8693 endpoint).
	Mode string `yaml:"mode"`
	// Name is stamped into the iss claim of locally issued tokens.
	Name     string `yaml:"name"`
	TokenURL string `yaml:"token_url"`
	ClientID string `yaml:"client_id"`
	// ClientSecretEnv names the environment variable holding the client
	// secret; the secret itself never lives in the file.
	ClientSecretEnv string `yaml:"client_secret_env"`
}

// ClientSecret resolves the client secret from the environment.
func (s IssuerSettings) ClientSecret() string {
	if s.ClientSecretEnv == "" {
		return ""
	}
	return os.Getenv(s.ClientSecretEnv)
}

// ExchangeSettings tunes the exchange engine.
type ExchangeSettings struct {
	TokenTTLSeconds int     `yaml:"token_ttl_seconds"`
	MaxChainDepth   int     `yaml:"max_chain_depth"`
	MaxAttempts     int     `yaml:"max_attempts"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	RateBurst       int     `yaml:"rate_burst"`
}

// TokenTTL returns the configured token lifetime.
func (s ExchangeSettings) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

// SessionSettings tunes the session tracker.
type SessionSettings struct {
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
	// ArchiveDriver is "sqlite", "postgres", or empty (no archiving).
	ArchiveDriver string `yaml:"archive_driver"`
	ArchiveDSN    string `yaml:"archive_dsn"`
}

// IdleTTL returns the configured idle timeout.
func (s SessionSettings) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// AgentEndpoint is one externally supplied downstream agent: where it
// lives and which scopes a hop to it should request.
type AgentEndpoint struct {
	URL    string   `yaml:"url"`
	Scopes []string `yaml:"scopes"`
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("settings %q: %w", path, err)
	}
	return s, nil
}

// ParseSettings decodes a settings document strictly: unknown fields are
// errors, so a typoed key never silently falls back to a default.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings returns settings suitable for a local dev run.
func DefaultSettings() *Settings {
	s := &Settings{SelfID: "orchestrator"}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Issuer.Mode == "" {
		s.Issuer.Mode = IssuerModeLocal
	}
	if s.Issuer.Name == "" {
		s.Issuer.Name = "handoff"
	}
	if s.Exchange.TokenTTLSeconds <= 0 {
		s.Exchange.TokenTTLSeconds = 300
	}
	if s.Exchange.MaxChainDepth <= 0 {
		s.Exchange.MaxChainDepth = 10
	}
	if s.Exchange.MaxAttempts <= 0 {
		s.Exchange.MaxAttempts = 3
	}
	if s.Sessions.IdleTTLMinutes <= 0 {
		s.Sessions.IdleTTLMinutes = 30
	}
}

func (s *Settings) validate() error {
	if s.SelfID == "" {
		return fmt.Errorf("settings: self_id is required")
	}
	switch s.Issuer.Mode {
	case IssuerModeLocal:
	case IssuerModeRemote:
		if s.Issuer.TokenURL == "" {
			return fmt.Errorf("settings: issuer.token_url is required in remote mode")
		}
		if s.Issuer.ClientID == "" {
			return fmt.Errorf("settings: issuer.client_id is required in remote mode")
		}
	default:
		return fmt.Errorf("settings: unknown issuer.mode %q", s.Issuer.Mode)
	}
	switch s.Sessions.ArchiveDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("settings: unknown sessions.archive_driver %q", s.Sessions.ArchiveDriver)
	}
	for name, ep := range s.Agents {
		if ep.URL == "" {
			return fmt.Errorf("settings: agent %q has no url", name)
		}
	}
	return nil
}
