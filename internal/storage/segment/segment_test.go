// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
)

// writeTree writes a MemNode tree depth-first and returns the root record.
func writeTree(t testing.TB, w *Writer, n NodeState) RecordID {
	t.Helper()
	var rec NodeRecord
	for _, name := range n.PropertyNames() {
		p, err := n.Property(name)
		if err != nil {
			t.Fatal(err)
		}
		id, err := w.WriteProperty(p)
		if err != nil {
			t.Fatal(err)
		}
		rec.Properties = append(rec.Properties, PropertyRef{Name: name, ID: id})
	}
	for _, name := range n.ChildNames() {
		c, err := n.Child(name)
		if err != nil {
			t.Fatal(err)
		}
		rec.Children = append(rec.Children, ChildRef{Name: name, ID: writeTree(t, w, c)})
	}
	id, err := w.WriteNode(rec)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func sampleTree() *MemNode {
	root := NewMemNode()
	root.Set("title", StringValue("root"))
	root.Child("a").Set("x", LongValue(1))
	root.Child("b").Set("y", LongValue(2)).SetArray("tags", StringValue("p"), StringValue("q"))
	root.Child("c").Set("z", LongValue(3)).Set("ratio", DoubleValue(0.5)).Set("on", BoolValue(true))
	root.Child("c").Child("deep").Set("bin", BinaryValue("blob-1"))
	return root
}

func TestWriterReaderRoundTrip(t *testing.T) {
	Convey("Given a writer over an in-memory store", t, func() {
		store := NewMemStore()
		tag := generation.NewTag(2, 2, true)
		w := NewWriter(store, tag, WriterOptions{MaxSegmentRecords: 4})
		src := sampleTree()

		root := writeTree(t, w, src.State())
		So(w.Flush(), ShouldBeNil)

		r := NewReader(store)
		got, err := r.ReadNode(root)
		So(err, ShouldBeNil)

		Convey("The tree reads back logically equal", func() {
			d, err := Diff(src.State(), got)
			So(err, ShouldBeNil)
			So(d, ShouldEqual, "")
		})

		Convey("Signed zero and NaN doubles keep their bits", func() {
			special := NewMemNode()
			special.Child("a").Set("d", DoubleValue(math.Copysign(0, -1)))
			special.Child("a").Set("nan", DoubleValue(math.NaN()))
			id := writeTree(t, w, special.State())
			So(w.Flush(), ShouldBeNil)

			back, err := r.ReadNode(id)
			So(err, ShouldBeNil)
			d, err := Diff(special.State(), back)
			So(err, ShouldBeNil)
			So(d, ShouldEqual, "")

			a, _ := back.Child("a")
			p, err := a.Property("d")
			So(err, ShouldBeNil)
			So(math.Signbit(p.Values[0].Double), ShouldBeTrue)
		})

		Convey("Binary values resolve to the original blob id", func() {
			c, _ := got.Child("c")
			deep, _ := c.Child("deep")
			p, err := deep.Property("bin")
			So(err, ShouldBeNil)
			So(p.Values[0].Blob, ShouldEqual, blob.ID("blob-1"))
		})

		Convey("Every segment carries the writer's tag", func() {
			ids, err := store.SegmentIDs()
			So(err, ShouldBeNil)
			So(len(ids), ShouldBeGreaterThan, 1)
			for _, id := range ids {
				seg, err := store.Segment(id)
				So(err, ShouldBeNil)
				So(seg.Tag, ShouldResemble, tag)
				So(len(seg.Records), ShouldBeLessThanOrEqualTo, 4)
			}
			rt, err := r.Tag(root)
			So(err, ShouldBeNil)
			So(rt, ShouldResemble, tag)
		})

		Convey("Missing names are reported", func() {
			_, err := got.Child("nope")
			So(errors.Is(err, ErrChildNotFound), ShouldBeTrue)
			_, err = got.Property("nope")
			So(errors.Is(err, ErrPropertyNotFound), ShouldBeTrue)
		})

		Convey("Reading a property record as a node fails", func() {
			nr, _ := r.ReadNodeRecord(root)
			_, err := r.ReadNode(nr.Properties[0].ID)
			So(errors.Is(err, ErrWrongKind), ShouldBeTrue)
		})

		Convey("Unknown segments are reported", func() {
			_, err := r.ReadNode(RecordID{Segment: uuid.New()})
			So(errors.Is(err, ErrSegmentNotFound), ShouldBeTrue)
		})
	})
}

func TestWriterCanonicalOrderAndDedup(t *testing.T) {
	Convey("Given a writer", t, func() {
		store := NewMemStore()
		w := NewWriter(store, generation.NewTag(1, 1, false), DefaultWriterOptions())

		p1, _ := w.WriteProperty(Property{Name: "k", Values: []Value{LongValue(1)}})
		p2, _ := w.WriteProperty(Property{Name: "k", Values: []Value{LongValue(1)}})

		Convey("Identical content is deduplicated within the session", func() {
			So(p1, ShouldResemble, p2)
			So(w.Stats().DedupHits, ShouldEqual, 1)
		})

		Convey("Child order does not change the written node", func() {
			a, _ := w.WriteNode(NodeRecord{Children: []ChildRef{{Name: "a", ID: p1}, {Name: "b", ID: p1}}})
			b, _ := w.WriteNode(NodeRecord{Children: []ChildRef{{Name: "b", ID: p1}, {Name: "a", ID: p1}}})
			So(a, ShouldResemble, b)
		})

		Convey("Duplicate child names are rejected", func() {
			_, err := w.WriteNode(NodeRecord{Children: []ChildRef{{Name: "a", ID: p1}, {Name: "a", ID: p2}}})
			So(err, ShouldNotBeNil)
		})

		Convey("Records are not readable before Flush", func() {
			_, err := NewReader(store).ReadProperty(p1)
			So(errors.Is(err, ErrSegmentNotFound), ShouldBeTrue)
			So(w.Flush(), ShouldBeNil)
			p, err := NewReader(store).ReadProperty(p1)
			So(err, ShouldBeNil)
			So(p.Values[0].Long, ShouldEqual, 1)
		})
	})

	Convey("Given a writer with dedup disabled", t, func() {
		w := NewWriter(NewMemStore(), generation.NewTag(1, 1, false), WriterOptions{DedupEntries: -1})
		a, _ := w.WriteBlob("x")
		b, _ := w.WriteBlob("x")
		So(a, ShouldNotResemble, b)
		So(w.Stats().Records, ShouldEqual, 2)
	})
}

func TestBoltStore(t *testing.T) {
	Convey("Given a bbolt-backed store", t, func() {
		path := filepath.Join(t.TempDir(), "segments.db")
		store, err := OpenBoltStore(path)
		So(err, ShouldBeNil)

		tag := generation.NewTag(3, 1, true)
		w := NewWriter(store, tag, WriterOptions{MaxSegmentRecords: 3})
		src := sampleTree()
		root := writeTree(t, w, src.State())
		So(w.Flush(), ShouldBeNil)
		So(store.Close(), ShouldBeNil)

		Convey("Segments survive reopening", func() {
			store, err := OpenBoltStore(path)
			So(err, ShouldBeNil)
			defer store.Close()

			got, err := NewReader(store).ReadNode(root)
			So(err, ShouldBeNil)
			eq, err := Equal(src.State(), got)
			So(err, ShouldBeNil)
			So(eq, ShouldBeTrue)

			ids, err := store.SegmentIDs()
			So(err, ShouldBeNil)
			So(len(ids), ShouldEqual, int(w.Stats().Segments))

			seg, err := store.Segment(ids[0])
			So(err, ShouldBeNil)
			So(seg.Tag, ShouldResemble, tag)
			So(errors.Is(store.Commit(seg), ErrSegmentExists), ShouldBeTrue)
		})
	})
}

func TestMemNode(t *testing.T) {
	Convey("Given an in-memory tree", t, func() {
		src := sampleTree()

		Convey("Names are sorted", func() {
			So(src.State().ChildNames(), ShouldResemble, []string{"a", "b", "c"})
			c, _ := src.State().Child("c")
			So(c.PropertyNames(), ShouldResemble, []string{"on", "ratio", "z"})
		})

		Convey("Copy produces an independent equal tree", func() {
			cp, err := Copy(src.State())
			So(err, ShouldBeNil)
			So(mustEqual(src.State(), cp.State()), ShouldBeTrue)

			cp.Child("a").Set("x", LongValue(42))
			d, err := Diff(src.State(), cp.State())
			So(err, ShouldBeNil)
			So(d, ShouldContainSubstring, "/a")
		})

		Convey("Count counts every node", func() {
			n, err := Count(src.State())
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 5)
		})
	})
}

func mustEqual(a, b NodeState) bool {
	eq, err := Equal(a, b)
	return err == nil && eq
}

func TestEdit(t *testing.T) {
	Convey("Given a stored tree", t, func() {
		store := NewMemStore()
		w := NewWriter(store, generation.NewTag(1, 0, false), DefaultWriterOptions())
		src := sampleTree()
		root := writeTree(t, w, src.State())
		So(w.Flush(), ShouldBeNil)
		stored, err := NewReader(store).ReadNode(root)
		So(err, ShouldBeNil)

		ed, err := Edit(stored)
		So(err, ShouldBeNil)

		Convey("Untouched children stay stored", func() {
			b, err := ed.State().Child("b")
			So(err, ShouldBeNil)
			_, ok := b.RecordID()
			So(ok, ShouldBeTrue)
			So(mustEqual(stored, ed.State()), ShouldBeTrue)
		})

		Convey("Editing a child materializes only that path", func() {
			ed.Child("c").Child("deep").Set("n", LongValue(9))
			So(ed.HasChild("a"), ShouldBeTrue)

			c, _ := ed.State().Child("c")
			_, ok := c.RecordID()
			So(ok, ShouldBeFalse)
			a, _ := ed.State().Child("a")
			_, ok = a.RecordID()
			So(ok, ShouldBeTrue)

			d, err := Diff(stored, ed.State())
			So(err, ShouldBeNil)
			So(d, ShouldContainSubstring, "/c/deep")
		})

		Convey("Removed children are gone", func() {
			ed.RemoveChild("a")
			So(ed.HasChild("a"), ShouldBeFalse)
			So(ed.State().ChildNames(), ShouldResemble, []string{"b", "c"})
		})
	})
}
