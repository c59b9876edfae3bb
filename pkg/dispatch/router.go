package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/agentcard"
)

// ErrUnknownAgent means the target agent is not in the router's
// directory.
var ErrUnknownAgent = errors.New("unknown target agent")

// Resolver chooses how to reach a target agent: the transport bound to
// its endpoint and the communication pattern its discovery document
// advertises.
type Resolver interface {
	Resolve(ctx context.Context, target string) (Transport, Pattern, error)
}

// RouterConfig wires a Router.
type RouterConfig struct {
	// Agents maps target agent IDs to the base URLs their discovery
	// documents live under.
	Agents map[string]string
	// Cards fetches and caches discovery documents. Nil disables
	// discovery: every agent is reached at its configured URL with the
	// sync pattern.
	Cards *agentcard.Client
	// HTTPClient is shared by the per-agent protocol clients.
	HTTPClient *http.Client
}

// Router resolves target agents against a static directory plus their
// published discovery documents: the card's url is the protocol
// endpoint, and capabilities.streaming selects the streaming driver.
// Protocol clients are built once per endpoint and reused.
type Router struct {
	agents map[string]string
	cards  *agentcard.Client
	http   *http.Client

	mu      sync.Mutex
	clients map[string]*a2a.Client
}

// NewRouter builds a Router over a copy of the directory.
func NewRouter(cfg RouterConfig) *Router {
	agents := make(map[string]string, len(cfg.Agents))
	for name, base := range cfg.Agents {
		agents[name] = base
	}
	return &Router{
		agents:  agents,
		cards:   cfg.Cards,
		http:    cfg.HTTPClient,
		clients: make(map[string]*a2a.Client),
	}
}

// Resolve looks the target up in the directory and consults its card.
// An unreachable card degrades to the configured endpoint and the sync
// pattern; an invalid card is a hard error.
func (r *Router) Resolve(ctx context.Context, target string) (Transport, Pattern, error) {
	base, ok := r.agents[target]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownAgent, target)
	}

	endpoint := base
	pattern := PatternSync
	if r.cards != nil {
		card, err := r.cards.Fetch(ctx, base)
		switch {
		case err == nil:
			endpoint = card.URL
			if card.SupportsStreaming() {
				pattern = PatternStreaming
			}
		case errors.Is(err, agentcard.ErrUnreachable):
			// Keep the configured endpoint and the lowest common pattern.
		default:
			return nil, "", fmt.Errorf("agent %q: %w", target, err)
		}
	}

	client, err := r.client(endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("agent %q: %w", target, err)
	}
	return client, pattern, nil
}

func (r *Router) client(endpoint string) (*a2a.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[endpoint]; ok {
		return c, nil
	}
	c, err := a2a.NewClient(a2a.ClientConfig{Endpoint: endpoint, HTTPClient: r.http})
	if err != nil {
		return nil, err
	}
	r.clients[endpoint] = c
	return c, nil
}
