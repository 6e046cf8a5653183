// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
)

// JournalEntry is a persisted head: the root node record and the generation
// it was written in.
type JournalEntry struct {
	Root RecordID       `msgpack:"root"`
	Tag  generation.Tag `msgpack:"tag"`
}

// Journal is implemented by stores that can persist the current head.
type Journal interface {
	SaveHead(e JournalEntry) error
	// LoadHead returns the last saved head; ok is false if none was saved.
	LoadHead() (e JournalEntry, ok bool, err error)
}

// Remover is implemented by stores that can drop committed segments.
type Remover interface {
	Remove(id uuid.UUID) error
}

var (
	_ Journal = (*MemStore)(nil)
	_ Remover = (*MemStore)(nil)
	_ Journal = (*BoltStore)(nil)
	_ Remover = (*BoltStore)(nil)
)

var (
	journalBucket = []byte("journal")
	headKey       = []byte("head")
)

func (m *MemStore) SaveHead(e JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = &e
	return nil
}

func (m *MemStore) LoadHead() (JournalEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.head == nil {
		return JournalEntry{}, false, nil
	}
	return *m.head, true, nil
}

func (m *MemStore) Remove(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segments[id]; !ok {
		return errors.Wrapf(ErrSegmentNotFound, "%s", id)
	}
	delete(m.segments, id)
	return nil
}

func (b *BoltStore) SaveHead(e JournalEntry) error {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "encode head")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(headKey, data)
	})
}

func (b *BoltStore) LoadHead() (JournalEntry, bool, error) {
	var (
		e  JournalEntry
		ok bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(journalBucket).Get(headKey)
		if data == nil {
			return nil
		}
		ok = true
		return msgpack.Unmarshal(data, &e)
	})
	if err != nil {
		return JournalEntry{}, false, errors.Wrap(err, "load head")
	}
	return e, ok, nil
}

func (b *BoltStore) Remove(id uuid.UUID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(segmentsBucket)
		if bucket.Get(id[:]) == nil {
			return errors.Wrapf(ErrSegmentNotFound, "%s", id)
		}
		return bucket.Delete(id[:])
	})
}
