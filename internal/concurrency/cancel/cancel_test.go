// Licensed under the MIT License. See LICENSE file in the project root for details.

package cancel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

// countingSource flips to cancelled after a number of checks and counts calls.
type countingSource struct {
	calls atomic.Int64
	after int64
}

func (c *countingSource) IsCancelable() bool { return true }

func (c *countingSource) Check() Verdict {
	n := c.calls.Add(1)
	if n > c.after {
		return Cancelled("tripped")
	}
	return Continue
}

// flappingSource alternates between cancelled and continue.
type flappingSource struct {
	calls atomic.Int64
}

func (f *flappingSource) IsCancelable() bool { return true }

func (f *flappingSource) Check() Verdict {
	if f.calls.Add(1)%2 == 1 {
		return Cancelled("flap")
	}
	return Continue
}

func TestVariants(t *testing.T) {
	Convey("Given the basic cancellation sources", t, func() {
		Convey("Never is not cancelable and always continues", func() {
			So(Never().IsCancelable(), ShouldBeFalse)
			So(Never().Check().IsCancelled(), ShouldBeFalse)
		})

		Convey("A flag keeps the first reason", func() {
			f := NewFlag()
			So(f.Check(), ShouldResemble, Continue)
			f.Cancel("first")
			f.Cancel("second")
			So(f.Check().IsCancelled(), ShouldBeTrue)
			So(f.Check().Reason(), ShouldEqual, "first")
		})

		Convey("A deadline fires once the clock reaches it", func() {
			now := time.Unix(1000, 0)
			clock := func() time.Time { return now }
			d := Deadline(time.Unix(1010, 0), clock)
			So(d.Check().IsCancelled(), ShouldBeFalse)
			now = time.Unix(1010, 0)
			So(d.Check().IsCancelled(), ShouldBeTrue)
		})

		Convey("A condition reports its reason", func() {
			low := true
			c := Condition("low disk space", func() bool { return low })
			So(c.Check().Reason(), ShouldEqual, "low disk space")
			low = false
			So(c.Check().IsCancelled(), ShouldBeFalse)
		})

		Convey("A context source follows the context", func() {
			So(Context(context.Background()).IsCancelable(), ShouldBeFalse)

			ctx, stop := context.WithCancel(context.Background())
			c := Context(ctx)
			So(c.IsCancelable(), ShouldBeTrue)
			So(c.Check().IsCancelled(), ShouldBeFalse)
			stop()
			So(c.Check().IsCancelled(), ShouldBeTrue)
			So(c.Check().Reason(), ShouldEqual, context.Canceled.Error())
		})
	})
}

func TestAny(t *testing.T) {
	Convey("Given an OR-combination of sources", t, func() {
		f1, f2 := NewFlag(), NewFlag()
		c := Any(Never(), f1, f2)

		So(c.IsCancelable(), ShouldBeTrue)
		So(c.Check().IsCancelled(), ShouldBeFalse)

		Convey("It is cancelled when any child is cancelled", func() {
			f2.Cancel("second")
			So(c.Check().Reason(), ShouldEqual, "second")
		})

		Convey("Only non-cancelable children collapse to Never", func() {
			So(Any(Never(), nil).IsCancelable(), ShouldBeFalse)
		})
	})
}

func TestShortCircuit(t *testing.T) {
	Convey("Given a short-circuit memoizer", t, func() {
		Convey("It stops querying the parent after cancellation", func() {
			parent := &countingSource{after: 2}
			s := ShortCircuit(parent)

			So(s.Check().IsCancelled(), ShouldBeFalse)
			So(s.Check().IsCancelled(), ShouldBeFalse)
			So(s.Check().IsCancelled(), ShouldBeTrue)
			for i := 0; i < 10; i++ {
				So(s.Check().Reason(), ShouldEqual, "tripped")
			}
			So(parent.calls.Load(), ShouldEqual, 3)
		})

		Convey("It never un-cancels even if the parent does", func() {
			s := ShortCircuit(&flappingSource{})
			So(s.Check().IsCancelled(), ShouldBeTrue)
			So(s.Check().IsCancelled(), ShouldBeTrue)
			So(s.Check().Reason(), ShouldEqual, "flap")
		})

		Convey("It is idempotent when wrapped twice", func() {
			s := ShortCircuit(NewFlag())
			So(ShortCircuit(s), ShouldEqual, s)
		})

		Convey("It delegates IsCancelable", func() {
			So(ShortCircuit(Never()).IsCancelable(), ShouldBeFalse)
		})
	})
}

func TestShortCircuitConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given many goroutines checking a memoized flag", t, func() {
		f := NewFlag()
		s := ShortCircuit(f)

		var wg sync.WaitGroup
		var flips atomic.Int64
		start := make(chan struct{})
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				seen := false
				for j := 0; j < 2000; j++ {
					v := s.Check()
					if seen && !v.IsCancelled() {
						flips.Add(1)
					}
					if v.IsCancelled() {
						seen = true
						if v.Reason() != "stop" {
							flips.Add(1)
						}
					}
				}
			}()
		}
		close(start)
		f.Cancel("stop")
		wg.Wait()

		So(flips.Load(), ShouldEqual, 0)
		So(s.Check().Reason(), ShouldEqual, "stop")
	})
}

func TestWithTimeout(t *testing.T) {
	Convey("Given a timeout layered under the memoizer", t, func() {
		var clockCalls atomic.Int64
		now := time.Unix(0, 0)
		clock := func() time.Time {
			clockCalls.Add(1)
			return now
		}
		c := WithTimeout(Never(), time.Minute, clock)
		So(c.Check().IsCancelled(), ShouldBeFalse)

		now = now.Add(2 * time.Minute)
		So(c.Check().IsCancelled(), ShouldBeTrue)
		calls := clockCalls.Load()

		now = time.Unix(0, 0)
		So(c.Check().IsCancelled(), ShouldBeTrue)
		So(clockCalls.Load(), ShouldEqual, calls)
	})
}
