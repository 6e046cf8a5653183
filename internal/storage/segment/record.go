// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package segment provides the record model of the content store: immutable
// records packed into generation-stamped segments, a Reader resolving record
// references into lazily loaded node states, and a Writer session appending
// new records.
//
// # Record Layout
//
// A record is a msgpack-encoded envelope holding exactly one of:
//
//   - a node record: sorted property references and sorted child references
//   - a property record: name, array flag and values; binary values point at
//     blob records instead of carrying the blob ID inline
//   - a blob record: the external blob ID
//
// A segment is an append-only list of encoded records plus the generation tag
// shared by all of them. Segments are committed to a Store once full, or on
// Flush, and are never modified afterwards.
//
// # Dangers and Warnings
//
//   - **Uncommitted records**: A RecordID returned by a Writer is not readable
//     until the Writer has committed the segment holding it.
//   - **Writer ownership**: A Writer is owned by one goroutine at a time.
//     Sharing one requires external locking (see the writerpool package).
//
// # Thread Safety
//
// Stores and Readers are safe for concurrent use. Node states returned by a
// Reader are immutable and can be shared across goroutines.
package segment

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kianostad/segcompact/internal/storage/blob"
)

var (
	// ErrRecordNotFound is returned when a record reference does not resolve.
	ErrRecordNotFound = errors.New("segment: record not found")
	// ErrSegmentNotFound is returned when a segment is not in the store.
	ErrSegmentNotFound = errors.New("segment: segment not found")
	// ErrWrongKind is returned when a record has an unexpected kind.
	ErrWrongKind = errors.New("segment: unexpected record kind")
)

// RecordID addresses one record: the segment it lives in and its position.
type RecordID struct {
	Segment uuid.UUID `msgpack:"s"`
	Number  uint32    `msgpack:"n"`
}

// IsZero reports whether id is the zero reference.
func (id RecordID) IsZero() bool { return id.Segment == uuid.Nil && id.Number == 0 }

func (id RecordID) String() string {
	return fmt.Sprintf("%s.%08x", id.Segment, id.Number)
}

// Kind is the kind of a record.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindProperty
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindProperty:
		return "property"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// PropertyRef names a property record of a node.
type PropertyRef struct {
	Name string   `msgpack:"n"`
	ID   RecordID `msgpack:"i"`
}

// ChildRef names a child node record.
type ChildRef struct {
	Name string   `msgpack:"n"`
	ID   RecordID `msgpack:"i"`
}

// NodeRecord is the content of a node record.
type NodeRecord struct {
	Properties []PropertyRef `msgpack:"p"`
	Children   []ChildRef    `msgpack:"c"`
}

type propertyRecord struct {
	Name   string     `msgpack:"n"`
	Array  bool       `msgpack:"a"`
	Values []Value    `msgpack:"v"`
	Blobs  []RecordID `msgpack:"b,omitempty"`
}

type blobRecord struct {
	ID blob.ID `msgpack:"i"`
}

type record struct {
	Kind     Kind            `msgpack:"k"`
	Node     *NodeRecord     `msgpack:"nd,omitempty"`
	Property *propertyRecord `msgpack:"pr,omitempty"`
	Blob     *blobRecord     `msgpack:"bl,omitempty"`
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// encodeRecord returns the canonical encoding of r. Map-free structs keep the
// encoding deterministic for identical content.
func encodeRecord(r *record) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(buf)
	if err := enc.Encode(r); err != nil {
		return nil, errors.Wrapf(err, "encode %s record", r.Kind)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	switch {
	case r.Kind == KindNode && r.Node != nil:
	case r.Kind == KindProperty && r.Property != nil:
	case r.Kind == KindBlob && r.Blob != nil:
	default:
		return nil, errors.Wrapf(ErrWrongKind, "malformed %s record", r.Kind)
	}
	return &r, nil
}
