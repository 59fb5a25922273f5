// Package breaker implements the three-state availability breaker that
// guards calls to the mail-sending dependency.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/metrics"
)

// State represents the current state of the breaker.
//
// State transitions:
//
//	Closed -> Open:      when failure count reaches the threshold
//	Open -> HalfOpen:    after the recovery timeout elapses (on poll)
//	HalfOpen -> Closed:  when the probe call succeeds
//	HalfOpen -> Open:    when the probe call fails
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // tripped, calls fail fast
	StateHalfOpen              // recovery probe, one trial call allowed
)

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

// Config holds the configuration for one guarded dependency.
type Config struct {
	// Name identifies the guarded dependency (e.g. "ses").
	Name string

	// FailureThreshold is the failure count at which the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long to stay Open before allowing a probe.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default guard settings: three failures to
// trip, thirty seconds before probing.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker short-circuits calls to a failing dependency. One instance is
// constructed per guarded dependency name and injected into the worker;
// all messages processed by that worker share it.
type Breaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state           State
	probeInFlight   bool
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	b := &Breaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}

	logger.Info("availability breaker created",
		zap.String("name", cfg.Name),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return b
}

// Allow reports whether a call may be executed. It is a pure read except
// for the Open -> HalfOpen transition, which happens as a side effect of
// polling once the recovery timeout has elapsed. In HalfOpen exactly one
// trial call is admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			b.logger.Info("availability breaker allowing probe call",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		// Exactly one probe at a time; a released probe (the holder
		// exited without calling the dependency) frees the slot.
		if !b.probeInFlight {
			b.probeInFlight = true
			b.logger.Info("availability breaker allowing probe call",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call. A HalfOpen probe success
// closes the circuit and resets the failure count; in Closed state the
// failure count decays by one instead of resetting.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionTo(StateClosed)
		b.failureCount = 0
		b.logger.Info("availability breaker closed, dependency recovered",
			zap.String("name", b.config.Name),
		)
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure records a failed call. In Closed state the circuit opens
// once the failure count reaches the threshold; a HalfOpen probe failure
// re-opens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
			b.logger.Warn("availability breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
		} else {
			b.logger.Warn("availability breaker recorded failure",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
			)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.transitionTo(StateOpen)
		b.logger.Warn("availability breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// ReleaseProbe hands an admitted half-open probe back without recording
// an outcome. Callers whose admitted request terminates before reaching
// the guarded dependency must release, otherwise no probe would ever
// resolve and the breaker would stay half-open forever. A no-op in any
// other state.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen || !b.probeInFlight {
		return
	}

	b.probeInFlight = false
	b.logger.Debug("availability breaker probe released unresolved",
		zap.String("name", b.config.Name),
	)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string {
	return b.config.Name
}

// Stats is a snapshot of breaker counters for the ops surface.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		LastStateChange: b.lastStateChange.Format(time.RFC3339),
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailure = b.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// transitionTo changes state (must be called with the lock held).
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	metrics.SetBreakerState(b.config.Name, int(newState))

	b.logger.Debug("availability breaker state transition",
		zap.String("name", b.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (b *Breaker) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("Breaker[%s] state=%s failures=%d/%d",
		b.config.Name, b.state, b.failureCount, b.config.FailureThreshold)
}
