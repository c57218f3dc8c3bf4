// Package breaker implements a three-state circuit breaker (closed / open /
// half-open) guarding calls to an unreliable dependency.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Breaker isolates a caller from a failing dependency. The zero value is not
// usable; construct with New.
//
// Retry must happen *inside* the function passed to Call: once Call's
// underlying function returns, the breaker has already seen the final
// outcome of all retries as a single success or failure.
type Breaker struct {
	failureThreshold int
	timeout          time.Duration

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
}

// New constructs a breaker that opens after failureThreshold consecutive
// failures and stays open for timeout before allowing a half-open trial.
func New(failureThreshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		state:            Closed,
	}
}

// ErrOpen is returned by Call when the breaker rejects a call without
// invoking the underlying function.
type ErrOpen struct{}

func (ErrOpen) Error() string { return "circuit breaker open" }

// Call invokes fn if the breaker's state permits it, and records the
// outcome. It returns ErrOpen without invoking fn when the breaker is open
// and the timeout has not yet elapsed.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrOpen{}
	}

	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailureTime) < b.timeout {
			return false
		}
		logrus.Debug("circuit breaker: open timeout elapsed, allowing half-open trial")
		b.state = HalfOpen
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		logrus.Debug("circuit breaker: trial succeeded, closing")
	}
	b.state = Closed
	b.failureCount = 0
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	if b.state == HalfOpen {
		logrus.Debug("circuit breaker: trial failed, reopening")
		b.state = Open
		return
	}

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		logrus.WithField("failures", b.failureCount).Debug("circuit breaker: threshold reached, opening")
		b.state = Open
	}
}

// Reset forces the breaker back to closed with a zeroed failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
}

// State reports the breaker's current state without mutating it. A pending
// open→half-open transition (timeout elapsed) is reported as Open until the
// next Call observes it, matching the "next call transitions" wording of
// the breaker's contract.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool     { return b.State() == Open }
func (b *Breaker) IsHalfOpen() bool { return b.State() == HalfOpen }
func (b *Breaker) IsClosed() bool   { return b.State() == Closed }
