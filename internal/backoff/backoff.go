// Package backoff computes retry delays for failed sends.
//
// Full exponential growth keeps many disconnected clients from retrying in
// lockstep after a shared outage; the cap bounds worst-case latency and the
// jitter draw decorrelates simultaneous reconnects.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultBaseDelay  = 1000 * time.Millisecond
	DefaultMaxDelay   = 30000 * time.Millisecond
	DefaultMaxJitter  = 500 * time.Millisecond
	DefaultMaxRetries = 5
)

// Config holds the tunables of the retry policy.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
	MaxRetries int
}

// DefaultConfig returns the standard policy: 1s base, 30s cap, 500ms jitter,
// 5 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxJitter:  DefaultMaxJitter,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns min(MaxDelay, BaseDelay*2^attempt) plus a uniform random
// jitter in [0, MaxJitter). Setting MaxJitter to zero makes the result
// deterministic.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := cfg.MaxDelay
	// Compare via division rather than shifting the base: a large base
	// shifted left can overflow and slip under the cap as a tiny value.
	if cfg.BaseDelay > 0 && attempt < 63 && time.Duration(1)<<uint(attempt) <= cfg.MaxDelay/cfg.BaseDelay {
		if exp := cfg.BaseDelay << uint(attempt); exp < cfg.MaxDelay {
			d = exp
		}
	}

	if cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(cfg.MaxJitter)))
	}
	return d
}

// ShouldRetry reports whether a message with the given retry count is still
// within the retry budget.
func ShouldRetry(retryCount int, cfg Config) bool {
	return retryCount < cfg.MaxRetries
}
