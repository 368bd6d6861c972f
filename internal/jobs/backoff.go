package jobs

import (
	"math/rand"
	"time"
)

type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// NextRetryAt computes the next retry time using exponential backoff
// with full jitter. attempt is 1-based (1 => BaseDelay).
func NextRetryAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	// Shift overflows past ~62 doublings; clamp early.
	delay := cfg.MaxDelay
	if attempt-1 < 32 {
		delay = cfg.BaseDelay << (attempt - 1)
		if delay > cfg.MaxDelay || delay <= 0 {
			delay = cfg.MaxDelay
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))
	return now.Add(jitter).UTC()
}
