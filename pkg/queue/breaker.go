package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker rejects a call without
// invoking the target and no fallback was supplied.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Default breaker thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 30 * time.Second
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-ish failure count in CLOSED
	// that opens the breaker. Successes in CLOSED do not reset it.
	FailureThreshold int

	// SuccessThreshold is the success count in HALF_OPEN that closes
	// the breaker.
	SuccessThreshold int

	// OpenTimeout is how long OPEN rejects before permitting a probe
	// call in HALF_OPEN.
	OpenTimeout time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
}

// BreakerStatus is a snapshot for inspection endpoints.
type BreakerStatus struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
}

// CircuitBreaker throttles calls to a flaky dependency.
//
// Transition rules: CLOSED counts failures and opens at the threshold;
// OPEN rejects immediately (running the fallback when supplied, never
// the target) until the timeout elapses, then the next call probes in
// HALF_OPEN; HALF_OPEN closes after enough successes and re-opens on
// any failure, preserving the failure count.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in CLOSED.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs op through the breaker. When the breaker is OPEN and not
// yet due for a probe, op is never invoked: the fallback runs instead,
// or ErrBreakerOpen is returned.
func (b *CircuitBreaker) Execute(op func() error, fallback func() error) error {
	if !b.allow() {
		if fallback != nil {
			return fallback()
		}
		return ErrBreakerOpen
	}

	err := op()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, transitioning OPEN to
// HALF_OPEN when the open timeout has elapsed.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return true
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
		}
	case BreakerClosed:
		// Successes never reset the failure count in CLOSED.
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.failures++
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// Status returns a snapshot of the breaker.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

// Reset forces the breaker to CLOSED with zeroed counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
}
