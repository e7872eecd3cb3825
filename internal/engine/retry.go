package engine

import (
	"time"

	"github.com/arbiterhq/arbiter/internal/model"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 60 * time.Second
)

// RetryPolicy controls requeue-on-failure: up to MaxRetries attempts,
// each with an exponentially growing advisory cooldown.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func PolicyFromConfig(cfg model.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  time.Duration(cfg.BaseDelaySec) * time.Second,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	return p
}

// Backoff returns the cooldown before retry number n (1-based):
// base * 2^(n-1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseDelay << (n - 1)
}
