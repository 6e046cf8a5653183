// Licensed under the MIT License. See LICENSE file in the project root for details.

package writerpool

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

func writeMany(t *testing.T, s segment.Session, prefix string, n int) []segment.RecordID {
	ids := make([]segment.RecordID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.WriteProperty(segment.Property{
			Name:   prefix,
			Values: []segment.Value{segment.LongValue(int64(i))},
		})
		if err != nil {
			t.Error(err)
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

func TestPools(t *testing.T) {
	tag := generation.NewTag(2, 2, true)
	opts := segment.WriterOptions{MaxSegmentRecords: 16}

	for _, typ := range []Type{Shared, ThreadSpecific} {
		typ := typ
		Convey("Given a "+typ.String()+" pool", t, func() {
			store := segment.NewMemStore()
			pool := New(typ, store, tag, opts)
			So(pool.Tag(), ShouldResemble, tag)

			Convey("Concurrent workers write readable, tagged records", func() {
				var wg sync.WaitGroup
				results := make([][]segment.RecordID, 8)
				for w := 0; w < 8; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						s, err := pool.Acquire(w)
						if err != nil {
							t.Error(err)
							return
						}
						defer pool.Release(w)
						results[w] = writeMany(t, s, "w"+string(rune('a'+w)), 50)
					}(w)
				}
				wg.Wait()
				So(pool.Flush(), ShouldBeNil)
				So(pool.Stats().Records, ShouldEqual, 400)

				r := segment.NewReader(store)
				for w, ids := range results {
					So(len(ids), ShouldEqual, 50)
					for i, id := range ids {
						p, err := r.ReadProperty(id)
						So(err, ShouldBeNil)
						So(p.Values[0].Long, ShouldEqual, i)
						So(p.Name, ShouldEqual, "w"+string(rune('a'+w)))
						got, err := r.Tag(id)
						So(err, ShouldBeNil)
						So(got, ShouldResemble, tag)
					}
				}
			})
		})
	}
}

func TestThreadSpecificOwnership(t *testing.T) {
	Convey("Given a thread-specific pool", t, func() {
		store := segment.NewMemStore()
		pool := New(ThreadSpecific, store, generation.NewTag(1, 1, true), segment.DefaultWriterOptions())

		s0, err := pool.Acquire(0)
		So(err, ShouldBeNil)

		Convey("A busy slot cannot be acquired twice", func() {
			_, err := pool.Acquire(0)
			So(errors.Is(err, ErrSlotBusy), ShouldBeTrue)
		})

		Convey("Released slots hand back the same writer", func() {
			pool.Release(0)
			again, err := pool.Acquire(0)
			So(err, ShouldBeNil)
			So(again, ShouldEqual, s0)
		})

		Convey("Distinct slots get distinct writers and segments", func() {
			s1, err := pool.Acquire(1)
			So(err, ShouldBeNil)
			So(s1, ShouldNotEqual, s0)
			So(Slots(pool), ShouldEqual, 2)

			a, _ := s0.WriteBlob("x")
			b, _ := s1.WriteBlob("x")
			So(a.Segment, ShouldNotEqual, b.Segment)
		})

		Convey("Negative slots are rejected", func() {
			_, err := pool.Acquire(-1)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a shared pool", t, func() {
		pool := New(Shared, segment.NewMemStore(), generation.NewTag(1, 1, true), segment.DefaultWriterOptions())
		a, _ := pool.Acquire(0)
		b, _ := pool.Acquire(0)
		So(a, ShouldNotBeNil)
		So(b, ShouldNotBeNil)
		So(Slots(pool), ShouldEqual, 1)
	})
}

func TestParseType(t *testing.T) {
	Convey("Pool types parse from their command line names", t, func() {
		typ, err := ParseType("thread")
		So(err, ShouldBeNil)
		So(typ, ShouldEqual, ThreadSpecific)
		typ, err = ParseType("shared")
		So(err, ShouldBeNil)
		So(typ, ShouldEqual, Shared)
		_, err = ParseType("bogus")
		So(err, ShouldNotBeNil)
	})
}
