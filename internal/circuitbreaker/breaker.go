// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. The custody client keys it by
// settlement network so one degraded chain does not stall the others.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State is a circuit's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "holdfast",
	Subsystem: "custody",
	Name:      "circuit_transitions_total",
	Help:      "Custody circuit transitions by chain and states.",
}, []string{"chain", "from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

type transition struct {
	key      string
	from, to State
}

// Breaker trips a key open after threshold consecutive failures. Once
// cooldown has passed it admits a single trial call; its outcome closes or
// reopens the circuit.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New returns a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers fn to run after each state change, outside the
// breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Do runs fn if key's circuit admits it and records the outcome.
// countsAsFailure decides which errors trip the breaker; nil counts every
// error. Errors that do not count still release a half-open trial call.
func (b *Breaker) Do(key string, countsAsFailure func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countsAsFailure == nil || countsAsFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call for key may proceed. An open circuit past its
// cooldown moves to half-open and admits the caller as its trial call.
func (b *Breaker) Allow(key string) bool {
	var (
		ok bool
		t  *transition
	)
	b.mu.Lock()
	c := b.circuits[key]
	switch {
	case c == nil || c.state == StateClosed:
		ok = true
	case c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cooldown:
		t = b.move(c, key, StateHalfOpen)
		ok = true
	}
	b.mu.Unlock()
	b.fire(t)
	return ok
}

// RecordSuccess clears key's failures and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	var t *transition
	b.mu.Lock()
	if c := b.circuits[key]; c != nil {
		c.failures = 0
		if c.state == StateHalfOpen {
			t = b.move(c, key, StateClosed)
		}
	}
	b.mu.Unlock()
	b.fire(t)
}

// RecordFailure counts a failure for key. A failed trial call reopens at once.
func (b *Breaker) RecordFailure(key string) {
	var t *transition
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		t = b.move(c, key, StateOpen)
	}
	b.mu.Unlock()
	b.fire(t)
}

// State returns key's state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// move must be called with b.mu held.
func (b *Breaker) move(c *circuit, key string, to State) *transition {
	if c.state == to {
		return nil
	}
	t := &transition{key: key, from: c.state, to: to}
	c.state = to
	transitionsTotal.WithLabelValues(key, t.from.String(), to.String()).Inc()
	return t
}

func (b *Breaker) fire(t *transition) {
	if t == nil {
		return
	}
	b.mu.Lock()
	fn := b.onTransition
	b.mu.Unlock()
	if fn != nil {
		fn(t.key, t.from, t.to)
	}
}
