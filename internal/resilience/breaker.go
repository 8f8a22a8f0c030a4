// Package resilience provides a circuit breaker for calls to remote
// recognition services.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Breaker.Do while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config holds breaker thresholds.
type Config struct {
	Name         string
	MaxFailures  int           // consecutive failures that open the breaker
	ResetTimeout time.Duration // time spent open before a probe is allowed
}

// DefaultConfig returns 5 failures and a 30s reset timeout.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// Breaker fails fast after repeated failures so a dead service does not
// stall the pipeline for a full request timeout per utterance.
//
// State transitions:
//
//	CLOSED ── MaxFailures ──→ OPEN ── ResetTimeout ──→ HALF_OPEN
//	  ↑                        ↑                          │
//	  └──── probe succeeds ────┼──────────────────────────┤
//	                           └──── probe fails ─────────┘
//
// Only one probe is allowed while HALF_OPEN.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
	onChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker. Zero config values fall back to defaults.
func NewBreaker(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers a hook invoked (outside the lock) on every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn unless the breaker is open. Errors from fn count as failures.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	hook := b.onChange
	name := b.cfg.Name
	b.mu.Unlock()

	if changed {
		b.notify(hook, name, from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
	default:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	b.probing = false
	to := b.state
	hook := b.onChange
	name := b.cfg.Name
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			log.Warn().Str("breaker", name).Int("failures", failures).Err(err).Msg("Circuit breaker opened")
		}
		b.notify(hook, name, from, to)
	}
}

func (b *Breaker) notify(hook func(string, State, State), name string, from, to State) {
	log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
	if hook != nil {
		hook(name, from, to)
	}
}
