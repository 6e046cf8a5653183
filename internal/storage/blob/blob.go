// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package blob provides the external binary store consulted by compaction.
//
// Binary values are never embedded in segments. A property holding a binary
// stores only an ID; compaction copies the ID and asks the Store whether it
// still resolves. Payload bytes never pass through the record writer.
package blob

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ID identifies binary content held outside the segment graph.
type ID string

// Store resolves blob references.
type Store interface {
	// Resolve returns the length of the blob and whether it still exists.
	Resolve(ctx context.Context, id ID) (length int64, ok bool, err error)
}

// ErrEmptyID is returned when resolving an empty blob ID.
var ErrEmptyID = errors.New("blob: empty id")

// MemStore is an in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[ID][]byte
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[ID][]byte)}
}

// Put stores data and returns its content-derived ID.
func (m *MemStore) Put(data []byte) ID {
	var sum [8]byte
	h := xxhash.Sum64(data)
	for i := range sum {
		sum[i] = byte(h >> (8 * i))
	}
	id := ID(hex.EncodeToString(sum[:]) + "#" + strconv.Itoa(len(data)))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		m.blobs[id] = append([]byte(nil), data...)
	}
	return id
}

// Get returns a copy of the blob content.
func (m *MemStore) Get(id ID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Delete removes a blob, making references to it unresolvable.
func (m *MemStore) Delete(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
}

// Resolve implements Store.
func (m *MemStore) Resolve(_ context.Context, id ID) (int64, bool, error) {
	if id == "" {
		return 0, false, ErrEmptyID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

// IDs returns the IDs of every stored blob.
func (m *MemStore) IDs() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ID, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	return ids
}
