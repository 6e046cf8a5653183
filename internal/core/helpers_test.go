// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"pgregory.net/rapid"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

var sourceTag = generation.NewTag(1, 1, false)

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatal(args ...any)
}

// fixture is a segment store holding one source tree.
type fixture struct {
	store  *segment.MemStore
	reader *segment.Reader
	blobs  *blob.MemStore
	root   segment.RecordID
}

func newFixture(t fataler, tree *segment.MemNode, blobs *blob.MemStore) *fixture {
	t.Helper()
	if blobs == nil {
		blobs = blob.NewMemStore()
	}
	store := segment.NewMemStore()
	w := segment.NewWriter(store, sourceTag, segment.WriterOptions{MaxSegmentRecords: 16})
	root, err := writeTree(w, tree.State())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, reader: segment.NewReader(store), blobs: blobs, root: root}
}

func (f *fixture) options(concurrency int) Options {
	opts := DefaultOptions()
	opts.Concurrency = concurrency
	opts.MaxSegmentRecords = 8
	opts.BlobStore = f.blobs
	return opts
}

func (f *fixture) compactor(t fataler, opts Options) *ParallelCompactor {
	t.Helper()
	pc, err := NewParallelCompactor(f.store, f.reader, opts)
	if err != nil {
		t.Fatal(err)
	}
	return pc
}

func (f *fixture) source(t fataler) segment.NodeState {
	t.Helper()
	ns, err := f.reader.ReadNode(f.root)
	if err != nil {
		t.Fatal(err)
	}
	return ns
}

// writeTree writes a tree depth-first without going through a compactor.
func writeTree(w *segment.Writer, n segment.NodeState) (segment.RecordID, error) {
	var rec segment.NodeRecord
	for _, name := range n.PropertyNames() {
		p, err := n.Property(name)
		if err != nil {
			return segment.RecordID{}, err
		}
		id, err := w.WriteProperty(p)
		if err != nil {
			return segment.RecordID{}, err
		}
		rec.Properties = append(rec.Properties, segment.PropertyRef{Name: name, ID: id})
	}
	for _, name := range n.ChildNames() {
		c, err := n.Child(name)
		if err != nil {
			return segment.RecordID{}, err
		}
		id, err := writeTree(w, c)
		if err != nil {
			return segment.RecordID{}, err
		}
		rec.Children = append(rec.Children, segment.ChildRef{Name: name, ID: id})
	}
	return w.WriteNode(rec)
}

// stampedWith walks every record reachable from root and returns the first
// one not written in tag.
func stampedWith(r *segment.Reader, root segment.RecordID, tag generation.Tag) (string, error) {
	check := func(id segment.RecordID) (string, error) {
		got, err := r.Tag(id)
		if err != nil {
			return "", err
		}
		if got != tag {
			return fmt.Sprintf("%s has %s", id, got), nil
		}
		return "", nil
	}

	if bad, err := check(root); bad != "" || err != nil {
		return bad, err
	}
	rec, err := r.ReadNodeRecord(root)
	if err != nil {
		return "", err
	}
	for _, p := range rec.Properties {
		if bad, err := check(p.ID); bad != "" || err != nil {
			return bad, err
		}
		blobs, err := r.PropertyBlobRecords(p.ID)
		if err != nil {
			return "", err
		}
		for _, b := range blobs {
			if bad, err := check(b); bad != "" || err != nil {
				return bad, err
			}
		}
	}
	for _, c := range rec.Children {
		if bad, err := stampedWith(r, c.ID, tag); bad != "" || err != nil {
			return bad, err
		}
	}
	return "", nil
}

// scenarioTree is {a: {x: 1}, b: {y: 2}, c: {z: 3}}.
func scenarioTree() *segment.MemNode {
	root := segment.NewMemNode()
	root.Child("a").Set("x", segment.LongValue(1))
	root.Child("b").Set("y", segment.LongValue(2))
	root.Child("c").Set("z", segment.LongValue(3))
	return root
}

// wideTree has fanout children per level down to depth. Every node is
// distinct and carries a binary property.
func wideTree(blobs *blob.MemStore, path string, depth, fanout int) *segment.MemNode {
	n := segment.NewMemNode()
	n.Set("path", segment.StringValue(path))
	n.Set("bin", segment.BinaryValue(blobs.Put([]byte("blob of "+path))))
	if depth == 0 {
		return n
	}
	for i := 0; i < fanout; i++ {
		name := fmt.Sprintf("n%d", i)
		n.SetChild(name, wideTree(blobs, path+"/"+name, depth-1, fanout))
	}
	return n
}

// drawTree draws a random tree whose binary values reference blobs.
func drawTree(t *rapid.T, blobs []blob.ID, depth int) *segment.MemNode {
	n := segment.NewMemNode()
	props := rapid.IntRange(0, 3).Draw(t, "props")
	for i := 0; i < props; i++ {
		name := rapid.SampledFrom([]string{"p0", "p1", "p2", "p3"}).Draw(t, "prop")
		if rapid.Bool().Draw(t, "array") {
			n.SetArray(name, drawValue(t, blobs), drawValue(t, blobs))
		} else {
			n.Set(name, drawValue(t, blobs))
		}
	}
	if depth > 0 {
		children := rapid.IntRange(0, 4).Draw(t, "children")
		for i := 0; i < children; i++ {
			n.SetChild(fmt.Sprintf("c%d", i), drawTree(t, blobs, depth-1))
		}
	}
	return n
}

func drawValue(t *rapid.T, blobs []blob.ID) segment.Value {
	switch rapid.IntRange(0, 4).Draw(t, "type") {
	case 0:
		return segment.StringValue(rapid.String().Draw(t, "string"))
	case 1:
		return segment.LongValue(rapid.Int64().Draw(t, "long"))
	case 2:
		return segment.DoubleValue(rapid.SampledFrom([]float64{
			rapid.Float64Range(-1e9, 1e9).Draw(t, "double"),
			math.Copysign(0, -1),
			math.NaN(),
			math.Inf(-1),
		}).Draw(t, "double"))
	case 3:
		return segment.BoolValue(rapid.Bool().Draw(t, "bool"))
	default:
		return segment.BinaryValue(rapid.SampledFrom(blobs).Draw(t, "blob"))
	}
}

// faultyBlobs fails or panics on selected blob IDs.
type faultyBlobs struct {
	blob.Store
	fail    blob.ID
	panicOn blob.ID
}

var errBlobIO = errors.New("blob store unavailable")

func (f *faultyBlobs) Resolve(ctx context.Context, id blob.ID) (int64, bool, error) {
	switch id {
	case f.fail:
		return 0, false, errBlobIO
	case f.panicOn:
		panic("blob store corrupted")
	}
	return f.Store.Resolve(ctx, id)
}

// hookMonitor calls onNode once, on the first written node.
type hookMonitor struct {
	once   sync.Once
	onNode func()
}

func (h *hookMonitor) Init(uint64) {}
func (h *hookMonitor) OnNode() {
	h.once.Do(func() {
		if h.onNode != nil {
			h.onNode()
		}
	})
}
func (h *hookMonitor) OnProperty() {}
func (h *hookMonitor) OnBinary()   {}
func (h *hookMonitor) Finished()   {}
