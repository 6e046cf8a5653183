// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cancel provides composable cancellation sources for compaction passes.
//
// A compaction pass polls a Canceller at node granularity: before descending
// into a child and before writing a node back. Sources are combined by
// wrapping, never by embedding, so every variant in this package satisfies the
// same two-method interface.
//
// # Usage Examples
//
// Cancel a pass after a deadline or when an operator raises a flag:
//
//	stop := cancel.NewFlag()
//	c := cancel.ShortCircuit(cancel.Any(
//	    cancel.Deadline(time.Now().Add(time.Hour), time.Now),
//	    stop,
//	))
//
//	// later, from another goroutine
//	stop.Cancel("operator request")
//
//	if v := c.Check(); v.IsCancelled() {
//	    log.Printf("compaction cancelled: %s", v.Reason())
//	}
//
// # Dangers and Warnings
//
//   - **Monotonicity**: Only ShortCircuit guarantees that a cancelled verdict is
//     permanent. Deadline, Condition and Any recompute on every call; wrap them
//     before handing them to concurrent workers.
//   - **Cost**: Check is called for every node visited. Conditions must be cheap.
//
// # Thread Safety
//
// Every Canceller in this package is safe for concurrent use.
package cancel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Verdict is the outcome of a cancellation check.
type Verdict struct {
	cancelled bool
	reason    string
}

// Continue is the verdict of a source that has not been cancelled.
var Continue = Verdict{}

// Cancelled returns a cancelled verdict carrying reason.
func Cancelled(reason string) Verdict {
	return Verdict{cancelled: true, reason: reason}
}

// IsCancelled reports whether the verdict requests an abort.
func (v Verdict) IsCancelled() bool { return v.cancelled }

// Reason returns the human-readable cancellation reason, or "" for Continue.
func (v Verdict) Reason() string { return v.reason }

func (v Verdict) String() string {
	if !v.cancelled {
		return "continue"
	}
	return "cancelled: " + v.reason
}

// Canceller decides whether an in-progress pass should abort.
type Canceller interface {
	// IsCancelable reports whether Check can ever return a cancelled verdict.
	IsCancelable() bool
	// Check returns the current verdict.
	Check() Verdict
}

type never struct{}

func (never) IsCancelable() bool { return false }
func (never) Check() Verdict     { return Continue }

// Never returns a source that is never cancelled.
func Never() Canceller { return never{} }

// Flag is an explicit, settable cancellation source. The first reason wins.
type Flag struct {
	reason atomic.Pointer[string]
}

// NewFlag creates a flag that is not yet raised.
func NewFlag() *Flag { return &Flag{} }

// Cancel raises the flag. Later calls keep the first reason.
func (f *Flag) Cancel(reason string) {
	f.reason.CompareAndSwap(nil, &reason)
}

func (f *Flag) IsCancelable() bool { return true }

func (f *Flag) Check() Verdict {
	if r := f.reason.Load(); r != nil {
		return Cancelled(*r)
	}
	return Continue
}

type deadline struct {
	at    time.Time
	clock func() time.Time
}

// Deadline returns a source that is cancelled once clock() reaches at.
// A nil clock defaults to time.Now.
func Deadline(at time.Time, clock func() time.Time) Canceller {
	if clock == nil {
		clock = time.Now
	}
	return deadline{at: at, clock: clock}
}

func (d deadline) IsCancelable() bool { return true }

func (d deadline) Check() Verdict {
	if now := d.clock(); !now.Before(d.at) {
		return Cancelled("timeout after " + d.at.Format(time.RFC3339))
	}
	return Continue
}

type condition struct {
	reason string
	fn     func() bool
}

// Condition returns a source that is cancelled whenever fn returns true,
// for example on memory or disk pressure.
func Condition(reason string, fn func() bool) Canceller {
	return condition{reason: reason, fn: fn}
}

func (c condition) IsCancelable() bool { return true }

func (c condition) Check() Verdict {
	if c.fn() {
		return Cancelled(c.reason)
	}
	return Continue
}

type ctxCanceller struct {
	ctx context.Context
}

// Context returns a source that is cancelled once ctx is done.
func Context(ctx context.Context) Canceller {
	return ctxCanceller{ctx: ctx}
}

func (c ctxCanceller) IsCancelable() bool { return c.ctx.Done() != nil }

func (c ctxCanceller) Check() Verdict {
	select {
	case <-c.ctx.Done():
		cause := context.Cause(c.ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return Cancelled("context deadline exceeded")
		}
		return Cancelled(cause.Error())
	default:
		return Continue
	}
}

type anyOf []Canceller

// Any returns a source that is cancelled if any of sources is cancelled.
// Non-cancelable sources are dropped up front.
func Any(sources ...Canceller) Canceller {
	var live anyOf
	for _, s := range sources {
		if s != nil && s.IsCancelable() {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Never()
	case 1:
		return live[0]
	}
	return live
}

func (a anyOf) IsCancelable() bool { return true }

func (a anyOf) Check() Verdict {
	for _, s := range a {
		if v := s.Check(); v.IsCancelled() {
			return v
		}
	}
	return Continue
}

type shortCircuit struct {
	parent Canceller
	cached atomic.Pointer[Verdict]
}

// ShortCircuit memoizes the first cancelled verdict of parent. Once parent has
// reported cancelled, every later Check returns that same verdict without
// consulting parent again.
func ShortCircuit(parent Canceller) Canceller {
	if _, ok := parent.(*shortCircuit); ok {
		return parent
	}
	return &shortCircuit{parent: parent}
}

func (s *shortCircuit) IsCancelable() bool { return s.parent.IsCancelable() }

func (s *shortCircuit) Check() Verdict {
	for {
		prev := s.cached.Load()
		if prev != nil && prev.cancelled {
			return *prev
		}
		fresh := s.parent.Check()
		if s.cached.CompareAndSwap(prev, &fresh) {
			return fresh
		}
		// lost the race; re-read, another goroutine may have cached a cancellation
	}
}

// WithTimeout cancels when parent does or once d has elapsed since now,
// evaluating the deadline at most once after it fires.
func WithTimeout(parent Canceller, d time.Duration, clock func() time.Time) Canceller {
	if clock == nil {
		clock = time.Now
	}
	return ShortCircuit(Any(parent, Deadline(clock().Add(d), clock)))
}
