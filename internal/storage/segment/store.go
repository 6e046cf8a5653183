// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
)

// Segment is an immutable, generation-stamped list of encoded records.
type Segment struct {
	ID      uuid.UUID      `msgpack:"id"`
	Tag     generation.Tag `msgpack:"tag"`
	Records [][]byte       `msgpack:"records"`
}

// Size returns the number of payload bytes held by the segment.
func (s *Segment) Size() int {
	n := 0
	for _, r := range s.Records {
		n += len(r)
	}
	return n
}

// Store holds committed segments. Committing the same segment ID twice is an
// error: segments are immutable once written.
type Store interface {
	Commit(seg *Segment) error
	Segment(id uuid.UUID) (*Segment, error)
	// SegmentIDs lists committed segments in unspecified order.
	SegmentIDs() ([]uuid.UUID, error)
	Close() error
}

// ErrSegmentExists is returned when a segment ID is committed twice.
var ErrSegmentExists = errors.New("segment: segment already committed")

// MemStore keeps committed segments in memory.
type MemStore struct {
	mu       sync.RWMutex
	segments map[uuid.UUID]*Segment
	head     *JournalEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{segments: make(map[uuid.UUID]*Segment)}
}

func (m *MemStore) Commit(seg *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segments[seg.ID]; ok {
		return errors.Wrapf(ErrSegmentExists, "%s", seg.ID)
	}
	m.segments[seg.ID] = seg
	return nil
}

func (m *MemStore) Segment(id uuid.UUID) (*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segments[id]
	if !ok {
		return nil, errors.Wrapf(ErrSegmentNotFound, "%s", id)
	}
	return seg, nil
}

func (m *MemStore) SegmentIDs() ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MemStore) Close() error { return nil }
