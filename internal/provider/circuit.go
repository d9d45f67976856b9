package provider

import (
	"sync"
	"time"

	"github.com/antoniostano/atom/internal/reliability"
)

// Health is a provider's circuit state.
type Health string

const (
	HealthClosed   Health = "closed"
	HealthOpen     Health = "open"
	HealthHalfOpen Health = "half-open"
)

func (h Health) gauge() float64 {
	switch h {
	case HealthHalfOpen:
		return 1
	case HealthOpen:
		return 2
	default:
		return 0
	}
}

// Descriptor is a point-in-time view of one provider's health.
type Descriptor struct {
	Name                string     `json:"name"`
	Priority            int        `json:"priority"`
	Health              Health     `json:"health"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	MaxInputTokens      int        `json:"max_input_tokens,omitempty"`
}

// circuit tracks one provider's health. A half-open circuit admits a single
// probe; every other caller sees it as unavailable until the probe settles.
type circuit struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	health      Health
	failures    int
	lastFailure time.Time
	probing     bool
}

func newCircuit(threshold int, cooldown time.Duration) *circuit {
	if threshold <= 0 {
		threshold = 1
	}
	return &circuit{threshold: threshold, cooldown: cooldown, health: HealthClosed}
}

// acquire reports whether a call may go to the provider now.
func (c *circuit) acquire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.health {
	case HealthOpen:
		if now.Sub(c.lastFailure) < c.cooldown {
			return false
		}
		c.health = HealthHalfOpen
		c.probing = true
		return true
	case HealthHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

func (c *circuit) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = HealthClosed
	c.failures = 0
	c.probing = false
}

func (c *circuit) fail(kind reliability.Kind, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = now
	c.probing = false
	if c.health == HealthHalfOpen || !reliability.Retryable(kind) || c.failures >= c.threshold {
		c.health = HealthOpen
	}
}

// release gives back an acquired slot without judging the provider, for
// caller cancellation and inputs the provider cannot take. An oversized input
// is the caller's fault, so it neither counts as a failure nor opens the
// circuit; the next provider with a larger window gets the request.
func (c *circuit) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
}

func (c *circuit) snapshot() (Health, int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health, c.failures, c.lastFailure
}
