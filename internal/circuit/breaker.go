// Package circuit implements a circuit breaker guarding the calls this
// module makes to peers that can go away for a while: the per-key byte
// moves of a sync, and SFTP client connections. After enough consecutive
// failures the breaker opens and fails fast instead of hammering a dead
// peer; after a cooldown it lets a limited number of probes through and
// closes again once they succeed.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
)

// State is the breaker's current disposition toward new calls.
type State int

const (
	// Closed: calls flow normally; failures are counted.
	Closed State = iota
	// Open: calls fail immediately without reaching the peer.
	Open
	// HalfOpen: a limited number of probe calls are allowed through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "half-open"
	}
}

// Config tunes a breaker. Zero values get sensible defaults.
type Config struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is how many half-open probes must succeed before
	// the breaker closes again.
	SuccessThreshold int `yaml:"success_threshold"`

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxHalfOpenCalls bounds concurrent probes while half-open.
	MaxHalfOpenCalls int `yaml:"max_half_open_calls"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxHalfOpenCalls <= 0 {
		c.MaxHalfOpenCalls = 1
	}
	return c
}

// CircuitBreaker tracks consecutive failures for one named peer-facing
// call path.
type CircuitBreaker struct {
	name   string
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
}

// NewCircuitBreaker builds a breaker named name (the name shows up in
// fail-fast errors so an operator can tell which path is down).
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  Closed,
	}
}

// State reports the breaker's current state, advancing open to half-open
// if the cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbe()
	return cb.state
}

// maybeProbe transitions open -> half-open once the cooldown is over.
// Callers must hold mu.
func (cb *CircuitBreaker) maybeProbe() {
	if cb.state == Open && time.Since(cb.openedAt) >= cb.config.Cooldown {
		cb.state = HalfOpen
		cb.successes = 0
		cb.halfOpenCalls = 0
	}
}

// acquire decides whether a call may proceed, reserving a probe slot in
// the half-open state.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbe()

	switch cb.state {
	case Open:
		return annexerr.New(annexerr.Transient, "circuit breaker open").
			WithComponent("circuit").WithDetail("breaker", cb.name)
	case HalfOpen:
		if cb.halfOpenCalls >= cb.config.MaxHalfOpenCalls {
			return annexerr.New(annexerr.Transient, "circuit breaker probing").
				WithComponent("circuit").WithDetail("breaker", cb.name)
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A finished probe releases its half-open slot either way.
	if cb.state == HalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == HalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = Open
			cb.openedAt = time.Now()
			cb.failures = 0
		}
		return
	}

	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = Closed
			cb.failures = 0
			cb.successes = 0
		}
	case Closed:
		cb.failures = 0
	}
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn under the breaker, failing fast while the
// breaker is open. Context cancellation is reported as-is, not counted
// as a peer failure.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	if ctx.Err() != nil {
		return err
	}
	cb.record(err)
	return err
}
