package agentcard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardServer(t *testing.T, hits *atomic.Int64, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	var hits atomic.Int64
	srv := cardServer(t, &hits, demoCard)

	client := NewClient(ClientConfig{})
	card, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "HR Agent", card.Name)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchCachesByBaseURL(t *testing.T) {
	var hits atomic.Int64
	srv := cardServer(t, &hits, demoCard)

	client := NewClient(ClientConfig{})
	_, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	// Trailing slashes normalize to the same cache key.
	card, err := client.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "HR Agent", card.Name)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchRefreshesAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := cardServer(t, &hits, demoCard)

	client := NewClient(ClientConfig{CacheTTL: 20 * time.Millisecond})
	_, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchInvalidate(t *testing.T) {
	var hits atomic.Int64
	srv := cardServer(t, &hits, demoCard)

	client := NewClient(ClientConfig{})
	_, err := client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	client.Invalidate(srv.URL)

	_, err = client.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchRejectsInvalidCard(t *testing.T) {
	var hits atomic.Int64
	srv := cardServer(t, &hits, `{"name": "broken"}`)

	client := NewClient(ClientConfig{})
	_, err := client.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrInvalidCard)

	// Invalid documents are never cached.
	_, err = client.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrInvalidCard)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{})
	_, err := client.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestFetchUnreachableHost(t *testing.T) {
	client := NewClient(ClientConfig{HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}})
	_, err := client.Fetch(context.Background(), "http://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrUnreachable)
}
