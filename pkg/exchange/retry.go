package exchange

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes the delay between issuer retries: exponential
// growth from Base capped at Max, plus deterministic jitter. Jitter is
// a PRF of the retry key and attempt rather than a random draw, so a
// given exchange replays with identical timing.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// WithDefaults fills unset fields with the engine's defaults.
func (p BackoffPolicy) WithDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}
	if p.MaxJitter <= 0 {
		p.MaxJitter = 50 * time.Millisecond
	}
	return p
}

// Delay computes the wait before the given attempt (attempt >= 1).
func (p BackoffPolicy) Delay(key string, attempt int) time.Duration {
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}
	d := p.Base * time.Duration(1<<uint(exp))
	if d > p.Max {
		d = p.Max
	}
	return d + p.jitter(key, attempt)
}

func (p BackoffPolicy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
