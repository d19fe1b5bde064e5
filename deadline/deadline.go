// Package deadline holds the time budget shared by every bidder of one auction.
package deadline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Deadline is an immutable time budget which starts when the auction request arrived.
//
// Consumers call Remaining each time they need it. A Deadline is passed by value, so a
// derived per-call budget can never shrink the budget seen by another call.
type Deadline struct {
	start  time.Time
	budget time.Duration
	clock  clock.Clock
}

// New builds a Deadline which expires budget after start. A nil clock means the wall clock.
func New(start time.Time, budget time.Duration, clk clock.Clock) Deadline {
	if clk == nil {
		clk = clock.New()
	}
	return Deadline{
		start:  start,
		budget: budget,
		clock:  clk,
	}
}

// Start returns the time the auction request arrived.
func (d Deadline) Start() time.Time {
	return d.start
}

// Budget returns the total duration of the auction.
func (d Deadline) Budget() time.Duration {
	return d.budget
}

// At returns the instant the deadline expires.
func (d Deadline) At() time.Time {
	return d.start.Add(d.budget)
}

// Remaining returns the budget left right now. A negative value means the deadline has passed.
func (d Deadline) Remaining() time.Duration {
	return d.budget - d.clock.Since(d.start)
}

// Expired is true once no budget is left.
func (d Deadline) Expired() bool {
	return d.Remaining() <= 0
}

// Elapsed returns the time spent since the auction request arrived.
func (d Deadline) Elapsed() time.Duration {
	return d.clock.Since(d.start)
}

// WithContext returns a context which is cancelled when the deadline expires.
func (d Deadline) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	return d.clock.WithDeadline(parent, d.At())
}

// CallContext returns a context for one outbound call, bounded by the budget remaining right now.
func (d Deadline) CallContext(parent context.Context) (context.Context, context.CancelFunc) {
	return d.clock.WithTimeout(parent, d.Remaining())
}
