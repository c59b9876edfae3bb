package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoff-labs/handoff/pkg/config"
)

const sampleSettings = `
self_id: orchestrator
issuer:
  mode: remote
  token_url: https://idp.example/oauth2/token
  client_id: token-exchanger
  client_secret_env: HANDOFF_CLIENT_SECRET
exchange:
  token_ttl_seconds: 120
  max_chain_depth: 5
  rate_per_second: 25
  rate_burst: 50
sessions:
  idle_ttl_minutes: 10
  archive_driver: sqlite
  archive_dsn: file:handoff.db
agents:
  hr-agent:
    url: http://localhost:8001
    scopes: [hr:read, hr:write]
  it-agent:
    url: http://localhost:8002
    scopes: [it:read, it:write]
`

func TestParseSettings(t *testing.T) {
	s, err := config.ParseSettings([]byte(sampleSettings))
	require.NoError(t, err)

	assert.Equal(t, "orchestrator", s.SelfID)
	assert.Equal(t, config.IssuerModeRemote, s.Issuer.Mode)
	assert.Equal(t, "https://idp.example/oauth2/token", s.Issuer.TokenURL)
	assert.Equal(t, 2*time.Minute, s.Exchange.TokenTTL())
	assert.Equal(t, 5, s.Exchange.MaxChainDepth)
	assert.Equal(t, 3, s.Exchange.MaxAttempts, "unset fields keep defaults")
	assert.Equal(t, 10*time.Minute, s.Sessions.IdleTTL())
	assert.Equal(t, "sqlite", s.Sessions.ArchiveDriver)

	require.Contains(t, s.Agents, "hr-agent")
	assert.Equal(t, "http://localhost:8001", s.Agents["hr-agent"].URL)
	assert.Equal(t, []string{"hr:read", "hr:write"}, s.Agents["hr-agent"].Scopes)
}

func TestParseSettingsDefaults(t *testing.T) {
	s, err := config.ParseSettings([]byte("self_id: orchestrator\n"))
	require.NoError(t, err)

	assert.Equal(t, config.IssuerModeLocal, s.Issuer.Mode)
	assert.Equal(t, "handoff", s.Issuer.Name)
	assert.Equal(t, 5*time.Minute, s.Exchange.TokenTTL())
	assert.Equal(t, 10, s.Exchange.MaxChainDepth)
	assert.Equal(t, 30*time.Minute, s.Sessions.IdleTTL())
}

func TestParseSettingsRejectsUnknownFields(t *testing.T) {
	_, err := config.ParseSettings([]byte("self_id: x\nisuer:\n  mode: local\n"))
	assert.Error(t, err, "a typoed key must not silently vanish")
}

func TestParseSettingsValidation(t *testing.T) {
	cases := map[string]string{
		"missing self_id":          "issuer:\n  mode: local\n",
		"remote without url":       "self_id: x\nissuer:\n  mode: remote\n  client_id: c\n",
		"remote without client":    "self_id: x\nissuer:\n  mode: remote\n  token_url: https://idp\n",
		"unknown issuer mode":      "self_id: x\nissuer:\n  mode: csv\n",
		"unknown archive driver":   "self_id: x\nsessions:\n  archive_driver: tape\n",
		"agent endpoint lacks url": "self_id: x\nagents:\n  hr-agent:\n    scopes: [hr:read]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseSettings([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestClientSecretComesFromEnvironment(t *testing.T) {
	t.Setenv("HANDOFF_CLIENT_SECRET", "s3cret")

	s, err := config.ParseSettings([]byte(sampleSettings))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", s.Issuer.ClientSecret())

	s.Issuer.ClientSecretEnv = ""
	assert.Empty(t, s.Issuer.ClientSecret())
}
