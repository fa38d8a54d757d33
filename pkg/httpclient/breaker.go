package httpclient

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the breaker's position. The zero value is closed.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name, so JSON stats read "open"
// rather than a bare integer.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *CircuitState) UnmarshalText(text []byte) error {
	for state, name := range circuitStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown circuit state %q", text)
}

// CircuitBreaker trips after a run of consecutive failures so a dead
// upstream is not hammered with requests that cannot succeed. An open
// circuit refuses everything until the cooldown elapses, then admits a
// bounded number of probes: a probe success closes the circuit, a probe
// failure re-opens it and restarts the cooldown.
type CircuitBreaker struct {
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu sync.RWMutex

	state CircuitState

	// streak counts consecutive failures; any success clears it.
	streak int

	// probes counts requests admitted since entering half-open.
	probes int

	// openedAt is set when the circuit trips. The cooldown is measured
	// from here, so failures reported while already open do not push
	// the recovery window out.
	openedAt    time.Time
	lastFailure time.Time

	// Lifetime counters, reported by Stats and never reset.
	requests  int64
	successes int64
	failures  int64
}

// NewCircuitBreaker creates a closed breaker. Non-positive parameters
// fall back to the package defaults.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, halfOpenMax int) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		halfOpenMax:  halfOpenMax,
		now:          time.Now,
	}
	if cb.threshold <= 0 {
		cb.threshold = DefaultCircuitThreshold
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = DefaultCircuitTimeout
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = DefaultCircuitHalfOpenMax
	}
	return cb
}

// Allow reports whether a request may proceed, advancing an open
// circuit to half-open once its cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false
		}
		cb.probes++
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure streak. A successful probe is proof
// enough of recovery, so it closes a half-open circuit outright.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	cb.successes++
	cb.streak = 0

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure extends the failure streak, tripping the circuit when
// the streak reaches the threshold or when any probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	cb.failures++
	cb.streak++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.streak >= cb.threshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		cb.trip()
	}
}

// trip opens the circuit and starts its cooldown. Callers hold mu.
func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
}

// State returns the breaker's position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.streak
}

// Reset force-closes the circuit and clears the streak. Lifetime
// counters are left intact.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.streak = 0
	cb.probes = 0
}

// CircuitBreakerStats is a point-in-time snapshot for monitoring.
type CircuitBreakerStats struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalRequests       int64        `json:"total_requests"`
	TotalSuccesses      int64        `json:"total_successes"`
	TotalFailures       int64        `json:"total_failures"`
	LastFailure         time.Time    `json:"last_failure,omitzero"`
}

// Stats snapshots the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.streak,
		TotalRequests:       cb.requests,
		TotalSuccesses:      cb.successes,
		TotalFailures:       cb.failures,
		LastFailure:         cb.lastFailure,
	}
}
