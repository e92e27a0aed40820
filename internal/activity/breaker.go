// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState int32

// Breaker states.
const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	State          BreakerState
	Failures       int64
	Threshold      int
	Cooldown       time.Duration
	LastTransition time.Time
	OpenUntil      time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(b *Breaker) { b.clock = clock }
}

// WithTransitionHook registers fn to run after every state change. fn runs
// with the transition lock held and must not call back into the breaker.
func WithTransitionHook(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker counts consecutive write failures and stops writes once the count
// reaches the threshold. After the cooldown it lets exactly one trial write
// through; the trial's outcome closes or reopens the circuit.
//
// Reads are lock-free. Transitions are serialised by mu.
type Breaker struct {
	threshold    int
	cooldown     time.Duration
	clock        func() time.Time
	onTransition func(from, to BreakerState)

	state          atomic.Int32
	failures       atomic.Int64
	openUntil      atomic.Int64
	lastTransition atomic.Int64

	mu    sync.Mutex
	trial bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition.Store(b.clock().UnixNano())
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int64 {
	return b.failures.Load()
}

// Accepting reports whether producers may enqueue. An open breaker whose
// cooldown has elapsed accepts again so the trial write has events to carry.
func (b *Breaker) Accepting() bool {
	if b.State() != StateOpen {
		return true
	}
	return b.clock().UnixNano() >= b.openUntil.Load()
}

// Allow reports whether the consumer may attempt a write now. An open
// breaker past its cooldown moves to half-open and grants the single trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().UnixNano() < b.openUntil.Load() {
			return false
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures.Store(0)
	b.trial = false
	if b.State() != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failed write. Reaching the threshold while closed,
// or failing the half-open trial, opens the circuit for the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.failures.Add(1)
	switch b.State() {
	case StateClosed:
		if n >= int64(b.threshold) {
			b.open()
		}
	case StateHalfOpen:
		b.trial = false
		b.open()
	case StateOpen:
		// a write raced the transition; the circuit is already open
	}
}

// Reset forces the breaker closed with a zero count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures.Store(0)
	b.trial = false
	b.openUntil.Store(0)
	if b.State() != StateClosed {
		b.transition(StateClosed)
	}
}

// Snapshot returns the current breaker state without locking.
func (b *Breaker) Snapshot() BreakerSnapshot {
	snap := BreakerSnapshot{
		State:          b.State(),
		Failures:       b.failures.Load(),
		Threshold:      b.threshold,
		Cooldown:       b.cooldown,
		LastTransition: time.Unix(0, b.lastTransition.Load()).UTC(),
	}
	if until := b.openUntil.Load(); until > 0 && snap.State == StateOpen {
		snap.OpenUntil = time.Unix(0, until).UTC()
	}
	return snap
}

func (b *Breaker) open() {
	b.openUntil.Store(b.clock().Add(b.cooldown).UnixNano())
	b.transition(StateOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.State()
	b.state.Store(int32(to))
	b.lastTransition.Store(b.clock().UnixNano())
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}
