// SPDX-License-Identifier: AGPL-3.0-only

package reconciler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned when the breaker is refusing work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the breaker state, exported for metrics.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// circuitBreaker protects the store from sustained overload. It tracks the
// cumulative error rate across invocations; once the rate crosses the
// threshold it opens and refuses work for resetAfter, then admits a trial
// invocation in half-open state. A successful trial closes the breaker and
// resets the counters; a failed one reopens it.
type circuitBreaker struct {
	mtx        sync.Mutex
	state      CircuitState
	total      int64
	failed     int64
	threshold  float64
	resetAfter time.Duration
	openedAt   time.Time

	now func() time.Time
}

func newCircuitBreaker(threshold float64, resetAfter time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// allow reports whether a new invocation may proceed. In open state it
// transitions to half-open once the reset window has elapsed.
func (c *circuitBreaker) allow() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state == CircuitOpen {
		if c.now().Sub(c.openedAt) < c.resetAfter {
			return ErrCircuitOpen
		}
		c.state = CircuitHalfOpen
	}
	return nil
}

// record feeds the outcome of one invocation's store operations back into
// the breaker.
func (c *circuitBreaker) record(succeeded, failed int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.total += succeeded + failed
	c.failed += failed

	switch c.state {
	case CircuitHalfOpen:
		if failed > 0 {
			c.state = CircuitOpen
			c.openedAt = c.now()
			return
		}
		if succeeded > 0 {
			c.state = CircuitClosed
			c.total, c.failed = 0, 0
		}
	case CircuitClosed:
		if c.total > 0 && float64(c.failed)/float64(c.total) > c.threshold {
			c.state = CircuitOpen
			c.openedAt = c.now()
		}
	}
}

func (c *circuitBreaker) currentState() CircuitState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}
