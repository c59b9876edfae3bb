package agentcard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute

	// maxCardBytes bounds how much of a response body we are willing
	// to read. A discovery document is small; anything bigger is junk.
	maxCardBytes = 1 << 20
)

// Client fetches agent cards over HTTP and caches them by base URL.
type Client struct {
	http  *http.Client
	cache *expirable.LRU[string, *Card]
}

// ClientConfig tunes a Client. The zero value gets sane defaults.
type ClientConfig struct {
	// HTTPClient overrides the transport. Defaults to a client with a
	// 10s timeout.
	HTTPClient *http.Client
	// CacheSize is the maximum number of cards kept. Default 256.
	CacheSize int
	// CacheTTL is how long a fetched card stays fresh. Default 5m.
	CacheTTL time.Duration
}

// NewClient builds a card client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Client{
		http:  hc,
		cache: expirable.NewLRU[string, *Card](size, nil, ttl),
	}
}

// Fetch returns the agent card published at baseURL. Cards are cached
// by normalized base URL; a cached card is returned without a network
// round trip until its TTL lapses.
func (c *Client) Fetch(ctx context.Context, baseURL string) (*Card, error) {
	key := normalizeBaseURL(baseURL)
	if card, ok := c.cache.Get(key); ok {
		return card, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+WellKnownPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnreachable, key, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	card, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, card)
	return card, nil
}

// Invalidate drops the cached card for baseURL, forcing the next Fetch
// to hit the network.
func (c *Client) Invalidate(baseURL string) {
	c.cache.Remove(normalizeBaseURL(baseURL))
}

func normalizeBaseURL(u string) string {
	u = strings.TrimSpace(u)
	for strings.HasSuffix(u, "/") {
		u = strings.TrimSuffix(u, "/")
	}
	return u
}
