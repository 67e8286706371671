// Package backoff provides the exponential reconnect delay policy used by
// the sensor service scheduler.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Default policy values applied by Normalize.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Policy describes a reconnection schedule: exponential backoff with a
// ceiling and an optional attempt limit.
type Policy struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"` // 0 = unlimited
	AddJitter    bool          `yaml:"add_jitter" json:"add_jitter"`
}

// DefaultPolicy returns the standard reconnection policy: enabled,
// 1s initial delay, 30s ceiling, unlimited attempts.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxAttempts:  0,
	}
}

// Normalize fills zero-valued fields with defaults and clamps inconsistent
// values. It never changes Enabled or MaxAttempts.
func (p Policy) Normalize() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the delay before reconnect attempt n (0-based), following
// initial * 2^n capped at MaxDelay. Attempt 0 waits InitialDelay, attempt 1
// waits twice that, and so on.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt <= 0 {
		return p.withJitter(p.InitialDelay)
	}

	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 { // <=0 guards shift overflow
			return p.withJitter(p.MaxDelay)
		}
	}
	return p.withJitter(delay)
}

// Exhausted reports whether the policy permits no further attempts after
// the given number of attempts have already been made.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// withJitter adds up to 25% random jitter when enabled, to avoid multiple
// protocols reconnecting in lockstep after a shared outage.
func (p Policy) withJitter(d time.Duration) time.Duration {
	if !p.AddJitter || d <= 0 {
		return d
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(d/4) + 1))
	randMu.Unlock()
	return d + jitter
}
