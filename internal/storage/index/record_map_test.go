// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

func TestRecordMapBasics(t *testing.T) {
	Convey("Given a new record map", t, func() {
		tag := generation.NewTag(4, 2, true)
		m := NewRecordMap(tag, 16)
		src := segment.RecordID{Segment: uuid.New(), Number: 7}
		dst := segment.RecordID{Segment: uuid.New(), Number: 1}

		So(m.Tag(), ShouldResemble, tag)
		_, ok := m.Get(src)
		So(ok, ShouldBeFalse)

		Convey("The first Put wins", func() {
			So(m.Put(src, dst), ShouldResemble, dst)
			other := segment.RecordID{Segment: uuid.New(), Number: 2}
			So(m.Put(src, other), ShouldResemble, dst)

			got, ok := m.Get(src)
			So(ok, ShouldBeTrue)
			So(got, ShouldResemble, dst)
			So(m.Len(), ShouldEqual, 1)
		})

		Convey("Invalid sizes panic", func() {
			So(func() { NewRecordMap(tag, 3) }, ShouldPanic)
			So(func() { NewRecordMap(tag, 0) }, ShouldPanic)
		})
	})
}

func TestRecordMapConcurrentPut(t *testing.T) {
	Convey("Given goroutines racing to map the same keys", t, func() {
		m := NewRecordMap(generation.NewTag(1, 1, true), 8)
		seg := uuid.New()

		var wg sync.WaitGroup
		winners := make([][]segment.RecordID, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				mine := uuid.New()
				for k := 0; k < 200; k++ {
					key := segment.RecordID{Segment: seg, Number: uint32(k)}
					winners[g] = append(winners[g], m.Put(key, segment.RecordID{Segment: mine, Number: uint32(k)}))
				}
			}(g)
		}
		wg.Wait()

		So(m.Len(), ShouldEqual, 200)
		for k := 0; k < 200; k++ {
			for g := 1; g < 8; g++ {
				So(winners[g][k], ShouldResemble, winners[0][k])
			}
		}
	})
}

func TestRecordMapMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewRecordMap(generation.NewTag(1, 1, true), 4)
		model := make(map[segment.RecordID]segment.RecordID)
		segs := []uuid.UUID{uuid.New(), uuid.New()}

		n := rapid.IntRange(1, 200).Draw(t, "n")
		for i := 0; i < n; i++ {
			key := segment.RecordID{
				Segment: segs[rapid.IntRange(0, 1).Draw(t, "seg")],
				Number:  uint32(rapid.IntRange(0, 50).Draw(t, "num")),
			}
			val := segment.RecordID{Segment: segs[0], Number: uint32(i)}
			got := m.Put(key, val)
			if want, ok := model[key]; ok {
				if got != want {
					t.Fatalf("Put(%v) = %v, want existing %v", key, got, want)
				}
			} else {
				model[key] = val
				if got != val {
					t.Fatalf("Put(%v) = %v, want %v", key, got, val)
				}
			}
		}
		if m.Len() != len(model) {
			t.Fatalf("Len() = %d, want %d", m.Len(), len(model))
		}
	})
}
