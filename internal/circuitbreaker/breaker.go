// Package circuitbreaker stops calling a failing notification sink for a
// while, then lets a single trial request through to see whether it recovered.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are skipped
	StateHalfOpen              // one trial request in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "combinado",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by sink and states.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. A key trips open after
// threshold failures and stays open for cooldown.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.New(),
	}
}

// WithClock sets the time source.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one trial request.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.clock.Since(e.openedAt) < b.cooldown {
			return false
		}
		b.transition(key, e, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		if err == nil {
			return
		}
		e = &entry{}
		b.entries[key] = e
	}

	if err == nil {
		e.failures = 0
		b.transition(key, e, StateClosed)
		return
	}

	e.failures++
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		e.openedAt = b.clock.Now()
		b.transition(key, e, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(key string, e *entry, to State) {
	if e.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, e.state.String(), to.String()).Inc()
	e.state = to
}
