// Package circuit implements the emergency-mode breaker spec section 7
// requires of the Execution layer: ten consecutive venue errors halts
// further order submissions until an operator or a later success resets it.
package circuit

import (
	"fmt"
	"sync"
)

// State is the breaker's current mode.
type State string

const (
	StateClosed State = "closed" // normal operation
	StateOpen   State = "open"   // submissions halted
)

// Config configures the breaker. MaxConsecutiveErrors matches spec
// section 7's ">= 10 in a row flips the system into emergency mode".
type Config struct {
	MaxConsecutiveErrors int
}

// DefaultConfig returns the spec-mandated threshold of 10.
func DefaultConfig() Config {
	return Config{MaxConsecutiveErrors: 10}
}

// Breaker tracks consecutive venue errors and trips into emergency mode.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveErrors int
	tripReason        string
	onTrip            func(reason string)
	onReset           func()
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnTrip registers a callback invoked the moment the breaker opens.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// OnReset registers a callback invoked when the breaker closes again.
func (b *Breaker) OnReset(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = fn
}

// RecordError increments the consecutive-error counter and trips the
// breaker open once it reaches the configured threshold.
func (b *Breaker) RecordError() {
	b.mu.Lock()
	b.consecutiveErrors++
	trip := b.state == StateClosed && b.consecutiveErrors >= b.cfg.MaxConsecutiveErrors
	if trip {
		b.state = StateOpen
		b.tripReason = fmt.Sprintf("%d consecutive venue errors", b.consecutiveErrors)
	}
	onTrip := b.onTrip
	reason := b.tripReason
	b.mu.Unlock()

	if trip && onTrip != nil {
		onTrip(reason)
	}
}

// RecordSuccess clears the consecutive-error counter and, if the breaker
// was open, closes it again.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveErrors = 0
	wasOpen := b.state == StateOpen
	b.state = StateClosed
	onReset := b.onReset
	b.mu.Unlock()

	if wasOpen && onReset != nil {
		onReset()
	}
}

// Tripped reports whether submissions are currently halted.
func (b *Breaker) Tripped() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen, b.tripReason
}

// Reset forces the breaker closed, e.g. after operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveErrors = 0
	b.tripReason = ""
}
