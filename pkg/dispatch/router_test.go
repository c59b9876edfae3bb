package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/agentcard"
)

// agentServer answers every protocol call with a fixed text reply.
func agentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := a2a.NewTextMessage(a2a.RoleAgent, "pong")
		result, err := json.Marshal(reply)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		resp := a2a.Response{JSONRPC: a2a.Version, ID: json.RawMessage(`"1"`), Result: result}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// discoveryServer publishes one card document at the well-known path.
func discoveryServer(t *testing.T, card string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != agentcard.WellKnownPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(card))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cardDoc(url string, streaming bool) string {
	return fmt.Sprintf(`{
		"name": "hr-agent",
		"url": %q,
		"version": "1.2.0",
		"capabilities": {"streaming": %t},
		"skills": []
	}`, url, streaming)
}

func TestRouterResolvesThroughCard(t *testing.T) {
	agent := agentServer(t)
	discovery := discoveryServer(t, cardDoc(agent.URL, true))

	router := NewRouter(RouterConfig{
		Agents: map[string]string{"hr-agent": discovery.URL},
		Cards:  agentcard.NewClient(agentcard.ClientConfig{}),
	})

	transport, pattern, err := router.Resolve(context.Background(), "hr-agent")
	require.NoError(t, err)
	assert.Equal(t, PatternStreaming, pattern)

	// The transport is bound to the endpoint the card advertised, not
	// to the discovery URL.
	result, err := transport.Send(context.Background(), "hop-token", a2a.NewTextMessage(a2a.RoleUser, "ping"))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "pong", result.Message.Text())
}

func TestRouterUnknownAgent(t *testing.T) {
	router := NewRouter(RouterConfig{Agents: map[string]string{"hr-agent": "http://hr.internal"}})

	_, _, err := router.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRouterFallsBackWhenDiscoveryUnreachable(t *testing.T) {
	router := NewRouter(RouterConfig{
		Agents: map[string]string{"hr-agent": "http://127.0.0.1:1"},
		Cards:  agentcard.NewClient(agentcard.ClientConfig{}),
	})

	transport, pattern, err := router.Resolve(context.Background(), "hr-agent")
	require.NoError(t, err)
	assert.Equal(t, PatternSync, pattern)
	assert.NotNil(t, transport)
}

func TestRouterRejectsInvalidCard(t *testing.T) {
	discovery := discoveryServer(t, `{"name": "hr-agent"}`)
	router := NewRouter(RouterConfig{
		Agents: map[string]string{"hr-agent": discovery.URL},
		Cards:  agentcard.NewClient(agentcard.ClientConfig{}),
	})

	_, _, err := router.Resolve(context.Background(), "hr-agent")
	assert.ErrorIs(t, err, agentcard.ErrInvalidCard)
}

func TestRouterReusesClients(t *testing.T) {
	agent := agentServer(t)
	discovery := discoveryServer(t, cardDoc(agent.URL, false))
	router := NewRouter(RouterConfig{
		Agents: map[string]string{"hr-agent": discovery.URL},
		Cards:  agentcard.NewClient(agentcard.ClientConfig{}),
	})

	first, pattern, err := router.Resolve(context.Background(), "hr-agent")
	require.NoError(t, err)
	assert.Equal(t, PatternSync, pattern)

	second, _, err := router.Resolve(context.Background(), "hr-agent")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRouterWithoutDiscovery(t *testing.T) {
	agent := agentServer(t)
	router := NewRouter(RouterConfig{Agents: map[string]string{"hr-agent": agent.URL}})

	transport, pattern, err := router.Resolve(context.Background(), "hr-agent")
	require.NoError(t, err)
	assert.Equal(t, PatternSync, pattern)

	result, err := transport.Send(context.Background(), "", a2a.NewTextMessage(a2a.RoleUser, "ping"))
	require.NoError(t, err)
	require.NotNil(t, result.Message)
}
