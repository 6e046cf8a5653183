// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"bytes"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
)

// Session writes records. Output is deterministic given identical content
// and generation tag.
type Session interface {
	WriteNode(n NodeRecord) (RecordID, error)
	WriteProperty(p Property) (RecordID, error)
	WriteBlob(id blob.ID) (RecordID, error)
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	// MaxSegmentRecords is the number of records after which a segment is committed.
	MaxSegmentRecords int
	// DedupEntries bounds the content-address cache. Zero selects the
	// default, negative disables it.
	DedupEntries int
}

// DefaultWriterOptions returns the default writer configuration.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		MaxSegmentRecords: 1024,
		DedupEntries:      1 << 14,
	}
}

// WriterStats counts what a Writer produced.
type WriterStats struct {
	Records   uint64
	Segments  uint64
	DedupHits uint64
}

type dedupEntry struct {
	data []byte
	id   RecordID
}

// Writer is a Session appending to segments stamped with one generation tag.
// A Writer must not be used by more than one goroutine at a time.
type Writer struct {
	store Store
	tag   generation.Tag
	opts  WriterOptions

	current *Segment
	dedup   map[uint64][]dedupEntry
	entries int
	stats   WriterStats
}

// NewWriter creates a writer committing segments to store.
func NewWriter(store Store, tag generation.Tag, opts WriterOptions) *Writer {
	if opts.MaxSegmentRecords <= 0 {
		opts.MaxSegmentRecords = DefaultWriterOptions().MaxSegmentRecords
	}
	if opts.DedupEntries == 0 {
		opts.DedupEntries = DefaultWriterOptions().DedupEntries
	}
	return &Writer{
		store: store,
		tag:   tag,
		opts:  opts,
		dedup: make(map[uint64][]dedupEntry),
	}
}

// Tag returns the generation stamped on every segment of this writer.
func (w *Writer) Tag() generation.Tag { return w.tag }

// Stats returns counters of what was written so far.
func (w *Writer) Stats() WriterStats { return w.stats }

// WriteNode writes a node record. Properties and children are written in
// name order regardless of the order they are passed in.
func (w *Writer) WriteNode(n NodeRecord) (RecordID, error) {
	props := append([]PropertyRef(nil), n.Properties...)
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	children := append([]ChildRef(nil), n.Children...)
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	for i := 1; i < len(children); i++ {
		if children[i].Name == children[i-1].Name {
			return RecordID{}, errors.Newf("segment: duplicate child name %q", children[i].Name)
		}
	}
	return w.append(&record{Kind: KindNode, Node: &NodeRecord{Properties: props, Children: children}})
}

// WriteProperty writes a property record. Binary values are written as
// references to blob records.
func (w *Writer) WriteProperty(p Property) (RecordID, error) {
	pr := &propertyRecord{Name: p.Name, Array: p.Array, Values: make([]Value, len(p.Values))}
	copy(pr.Values, p.Values)
	for i, v := range p.Values {
		if v.Type != TypeBinary {
			continue
		}
		if pr.Blobs == nil {
			pr.Blobs = make([]RecordID, len(p.Values))
		}
		id, err := w.WriteBlob(v.Blob)
		if err != nil {
			return RecordID{}, err
		}
		pr.Blobs[i] = id
		pr.Values[i].Blob = ""
	}
	return w.append(&record{Kind: KindProperty, Property: pr})
}

// WriteBlob writes a record referencing external blob content.
func (w *Writer) WriteBlob(id blob.ID) (RecordID, error) {
	if id == "" {
		return RecordID{}, blob.ErrEmptyID
	}
	return w.append(&record{Kind: KindBlob, Blob: &blobRecord{ID: id}})
}

func (w *Writer) append(r *record) (RecordID, error) {
	data, err := encodeRecord(r)
	if err != nil {
		return RecordID{}, err
	}

	var key uint64
	if w.opts.DedupEntries >= 0 {
		key = xxhash.Sum64(data)
		for _, e := range w.dedup[key] {
			if bytes.Equal(e.data, data) {
				w.stats.DedupHits++
				return e.id, nil
			}
		}
	}

	if w.current == nil {
		w.current = &Segment{ID: uuid.New(), Tag: w.tag}
	}
	id := RecordID{Segment: w.current.ID, Number: uint32(len(w.current.Records))}
	w.current.Records = append(w.current.Records, data)
	w.stats.Records++

	if w.opts.DedupEntries >= 0 {
		if w.entries >= w.opts.DedupEntries {
			w.dedup = make(map[uint64][]dedupEntry)
			w.entries = 0
		}
		w.dedup[key] = append(w.dedup[key], dedupEntry{data: data, id: id})
		w.entries++
	}

	if len(w.current.Records) >= w.opts.MaxSegmentRecords {
		if err := w.Flush(); err != nil {
			return RecordID{}, err
		}
	}
	return id, nil
}

// Flush commits the partially filled segment, if any.
func (w *Writer) Flush() error {
	if w.current == nil || len(w.current.Records) == 0 {
		return nil
	}
	seg := w.current
	w.current = nil
	if err := w.store.Commit(seg); err != nil {
		return errors.Wrapf(err, "commit segment %s", seg.ID)
	}
	w.stats.Segments++
	return nil
}
