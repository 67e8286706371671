// Package breaker provides a generic circuit breaker for guarding fallible
// operations against a known-bad upstream. The breaker fails fast while open,
// re-admits a limited number of probes after a cooldown, and closes again
// once enough probes succeed.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/c360/sensorbridge/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed indicates normal operation; calls pass through
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls
	StateOpen
	// StateHalfOpen indicates trial calls are permitted
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default configuration values applied by New.
const (
	DefaultSuccessThreshold = 1
	DefaultFailureWindow    = 60 * time.Second
)

// Config controls the breaker thresholds. FailureThreshold must be >= 1 and
// ResetTimeout must be >= 0; SuccessThreshold and FailureWindow default to 1
// and 60s respectively when zero.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int
	// FailureWindow is the trailing window over which failures are counted.
	FailureWindow time.Duration
	// OnStateChange, if set, is invoked once per actual transition with the
	// new and previous state. It is called synchronously from the method
	// that caused the transition, or from the reset timer goroutine.
	OnStateChange func(newState, oldState State)
}

// Result reports the outcome of an Execute call.
type Result struct {
	// Rejected is true when the breaker was open and the operation was
	// never invoked.
	Rejected bool
	// State is the breaker state after the call, post any transition.
	State State
	// Err is the operation error, or errors.ErrCircuitOpen on rejection.
	Err error
}

// Success reports whether the operation ran and returned no error.
func (r Result) Success() bool {
	return !r.Rejected && r.Err == nil
}

// Breaker is a failure-isolation state machine wrapping any fallible
// operation. The zero value is not usable; construct with New. A Breaker is
// safe for concurrent use and owns at most one pending reset timer.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	failures   []time.Time
	successes  int
	resetTimer *time.Timer
	timerGen   uint64 // invalidates stale reset timer callbacks
}

// New creates a closed breaker. It returns an invalid-configuration error
// when FailureThreshold < 1 or ResetTimeout < 0.
func New(cfg Config) (*Breaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"breaker", "New", "validate failure threshold")
	}
	if cfg.ResetTimeout < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"breaker", "New", "validate reset timeout")
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	return &Breaker{cfg: cfg, state: StateClosed}, nil
}

// Execute runs op through the breaker. While the breaker is open the
// operation is never invoked and a rejected Result is returned immediately.
// Otherwise op runs and its outcome drives the state machine: failures
// accumulate toward the threshold (closed) or re-open the breaker
// (half-open probe failed); successes trim failure history (closed) or
// count toward closing (half-open).
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) Result {
	b.mu.Lock()
	b.pruneLocked(time.Now())
	if b.state == StateOpen {
		state := b.state
		b.mu.Unlock()
		return Result{Rejected: true, State: state, Err: errors.ErrCircuitOpen}
	}
	b.mu.Unlock()

	if err := op(ctx); err != nil {
		return b.recordFailure(err)
	}
	return b.recordSuccess()
}

// Do runs op through the breaker and returns its value alongside the Result.
// On rejection or failure the returned value is the zero value of T.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, Result) {
	var val T
	res := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if !res.Success() {
		var zero T
		return zero, res
	}
	return val, res
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the number of failures inside the trailing window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return len(b.failures)
}

// Reset returns the breaker to closed, clearing failure history and
// cancelling any pending reset timer.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	notify()
}

// ForceClose is an explicit external transition to closed, identical to
// Reset. Provided for symmetry with ForceOpen.
func (b *Breaker) ForceClose() {
	b.Reset()
}

// ForceOpen trips the breaker open regardless of failure history. The reset
// timer is scheduled as usual, so the breaker recovers to half-open after
// ResetTimeout.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	notify := b.transitionLocked(StateOpen)
	b.mu.Unlock()
	notify()
}

// recordSuccess applies a successful execution to the state machine.
func (b *Breaker) recordSuccess() Result {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	case StateClosed:
		// Bounded retention: each success forgives the oldest recorded
		// failure so recovered transients do not later trip the breaker.
		if len(b.failures) > 0 {
			b.failures = b.failures[1:]
		}
	}
	state := b.state
	b.mu.Unlock()
	notify()
	return Result{State: state}
}

// recordFailure applies a failed execution to the state machine.
func (b *Breaker) recordFailure(err error) Result {
	now := time.Now()
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateHalfOpen:
		// The probe failed: re-open and restart the cooldown.
		notify = b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	}
	state := b.state
	b.mu.Unlock()
	notify()
	return Result{State: state, Err: err}
}

// transitionLocked moves to the target state and returns a closure that
// fires the state-change callback. The closure must be invoked after the
// mutex is released; it is a no-op for self-transitions.
func (b *Breaker) transitionLocked(target State) func() {
	old := b.state
	if old == target {
		if target == StateClosed {
			// Reset/ForceClose on an already-closed breaker still clears
			// history and cancels any pending timer.
			b.failures = nil
			b.successes = 0
			b.cancelTimerLocked()
		}
		return func() {}
	}

	b.state = target
	switch target {
	case StateOpen:
		b.scheduleResetLocked()
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = nil
		b.successes = 0
		b.cancelTimerLocked()
	}

	if cb := b.cfg.OnStateChange; cb != nil {
		return func() { cb(target, old) }
	}
	return func() {}
}

// scheduleResetLocked arms the one-shot open→half-open timer, replacing any
// pending one.
func (b *Breaker) scheduleResetLocked() {
	b.cancelTimerLocked()
	b.timerGen++
	gen := b.timerGen
	b.resetTimer = time.AfterFunc(b.cfg.ResetTimeout, func() {
		b.mu.Lock()
		if b.timerGen != gen || b.state != StateOpen {
			b.mu.Unlock()
			return
		}
		b.resetTimer = nil
		notify := b.transitionLocked(StateHalfOpen)
		b.mu.Unlock()
		notify()
	})
}

func (b *Breaker) cancelTimerLocked() {
	b.timerGen++
	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
}

// pruneLocked drops failures older than the trailing window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}
