package exchange

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultLimiterSize = 1024

// CallerLimiter applies a token bucket per calling actor. Buckets live
// in a size-bounded LRU so an open caller population cannot grow memory
// without bound; an evicted caller simply starts a fresh bucket.
type CallerLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewCallerLimiter allows sustained perSecond exchanges per caller with
// the given burst. maxCallers <= 0 uses a default table size.
func NewCallerLimiter(perSecond float64, burst, maxCallers int) (*CallerLimiter, error) {
	if maxCallers <= 0 {
		maxCallers = defaultLimiterSize
	}
	buckets, err := lru.New[string, *rate.Limiter](maxCallers)
	if err != nil {
		return nil, err
	}
	return &CallerLimiter{
		buckets: buckets,
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}, nil
}

// Allow reports whether the caller may proceed now.
func (l *CallerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	limiter, ok := l.buckets.Get(caller)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(caller, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}
