// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
)

// Reader resolves record references against a Store. Loaded segments are
// cached; since segments are immutable the cache only needs eviction when a
// segment is removed from the store.
type Reader struct {
	store Store

	mu    sync.RWMutex
	cache map[uuid.UUID]*Segment
}

// NewReader creates a reader over store.
func NewReader(store Store) *Reader {
	return &Reader{store: store, cache: make(map[uuid.UUID]*Segment)}
}

func (r *Reader) segment(id uuid.UUID) (*Segment, error) {
	r.mu.RLock()
	seg, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return seg, nil
	}

	seg, err := r.store.Segment(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if cached, ok := r.cache[id]; ok {
		seg = cached
	} else {
		r.cache[id] = seg
	}
	r.mu.Unlock()
	return seg, nil
}

// Evict drops a cached segment.
func (r *Reader) Evict(id uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// Segment returns a committed segment. The result must not be modified.
func (r *Reader) Segment(id uuid.UUID) (*Segment, error) {
	return r.segment(id)
}

func (r *Reader) read(id RecordID) (*record, *Segment, error) {
	seg, err := r.segment(id.Segment)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read record %s", id)
	}
	if int(id.Number) >= len(seg.Records) {
		return nil, nil, errors.Wrapf(ErrRecordNotFound, "%s", id)
	}
	rec, err := decodeRecord(seg.Records[id.Number])
	if err != nil {
		return nil, nil, errors.Wrapf(err, "record %s", id)
	}
	return rec, seg, nil
}

// Tag returns the generation the record was written in.
func (r *Reader) Tag(id RecordID) (generation.Tag, error) {
	seg, err := r.segment(id.Segment)
	if err != nil {
		return generation.Tag{}, err
	}
	if int(id.Number) >= len(seg.Records) {
		return generation.Tag{}, errors.Wrapf(ErrRecordNotFound, "%s", id)
	}
	return seg.Tag, nil
}

// Kind returns the kind of the record.
func (r *Reader) Kind(id RecordID) (Kind, error) {
	rec, _, err := r.read(id)
	if err != nil {
		return 0, err
	}
	return rec.Kind, nil
}

// ReadNodeRecord returns the raw node record.
func (r *Reader) ReadNodeRecord(id RecordID) (NodeRecord, error) {
	rec, _, err := r.read(id)
	if err != nil {
		return NodeRecord{}, err
	}
	if rec.Kind != KindNode {
		return NodeRecord{}, errors.Wrapf(ErrWrongKind, "%s is a %s record, want node", id, rec.Kind)
	}
	return *rec.Node, nil
}

// ReadNode returns the node state stored at id. Properties and children are
// resolved on access.
func (r *Reader) ReadNode(id RecordID) (NodeState, error) {
	nr, err := r.ReadNodeRecord(id)
	if err != nil {
		return nil, err
	}
	return &recordNode{reader: r, id: id, rec: nr}, nil
}

// ReadProperty returns the property stored at id with blob references resolved.
func (r *Reader) ReadProperty(id RecordID) (Property, error) {
	rec, _, err := r.read(id)
	if err != nil {
		return Property{}, err
	}
	if rec.Kind != KindProperty {
		return Property{}, errors.Wrapf(ErrWrongKind, "%s is a %s record, want property", id, rec.Kind)
	}
	pr := rec.Property
	p := Property{Name: pr.Name, Array: pr.Array, Values: make([]Value, len(pr.Values))}
	copy(p.Values, pr.Values)
	for i, v := range p.Values {
		if v.Type != TypeBinary {
			continue
		}
		if i >= len(pr.Blobs) {
			return Property{}, errors.Wrapf(ErrRecordNotFound, "blob record of value %d in %s", i, id)
		}
		bid, err := r.ReadBlob(pr.Blobs[i])
		if err != nil {
			return Property{}, err
		}
		p.Values[i].Blob = bid
	}
	return p, nil
}

// PropertyBlobRecords returns the blob records referenced by a property record.
func (r *Reader) PropertyBlobRecords(id RecordID) ([]RecordID, error) {
	rec, _, err := r.read(id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindProperty {
		return nil, errors.Wrapf(ErrWrongKind, "%s is a %s record, want property", id, rec.Kind)
	}
	var out []RecordID
	for i, v := range rec.Property.Values {
		if v.Type == TypeBinary && i < len(rec.Property.Blobs) {
			out = append(out, rec.Property.Blobs[i])
		}
	}
	return out, nil
}

// ReadBlob returns the blob ID held by a blob record.
func (r *Reader) ReadBlob(id RecordID) (blob.ID, error) {
	rec, _, err := r.read(id)
	if err != nil {
		return "", err
	}
	if rec.Kind != KindBlob {
		return "", errors.Wrapf(ErrWrongKind, "%s is a %s record, want blob", id, rec.Kind)
	}
	return rec.Blob.ID, nil
}

// recordNode is a NodeState backed by a stored node record.
type recordNode struct {
	reader *Reader
	id     RecordID
	rec    NodeRecord
}

func (n *recordNode) RecordID() (RecordID, bool) { return n.id, true }

func (n *recordNode) PropertyNames() []string {
	names := make([]string, len(n.rec.Properties))
	for i, p := range n.rec.Properties {
		names[i] = p.Name
	}
	return names
}

func (n *recordNode) Property(name string) (Property, error) {
	i := sort.Search(len(n.rec.Properties), func(i int) bool { return n.rec.Properties[i].Name >= name })
	if i == len(n.rec.Properties) || n.rec.Properties[i].Name != name {
		return Property{}, errors.Wrapf(ErrPropertyNotFound, "%q in %s", name, n.id)
	}
	return n.reader.ReadProperty(n.rec.Properties[i].ID)
}

func (n *recordNode) ChildNames() []string {
	names := make([]string, len(n.rec.Children))
	for i, c := range n.rec.Children {
		names[i] = c.Name
	}
	return names
}

func (n *recordNode) Child(name string) (NodeState, error) {
	i := sort.Search(len(n.rec.Children), func(i int) bool { return n.rec.Children[i].Name >= name })
	if i == len(n.rec.Children) || n.rec.Children[i].Name != name {
		return nil, errors.Wrapf(ErrChildNotFound, "%q in %s", name, n.id)
	}
	return n.reader.ReadNode(n.rec.Children[i].ID)
}
