// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides the lock-free map compaction uses to remember which
// source records it has already copied.
//
// A compaction pass may meet the same source record more than once, either
// because a subtree is shared by two parents or because a retried cycle walks
// an unchanged part of the head again. RecordMap maps a source RecordID to the
// RecordID of its compacted copy, so the subtree is copied exactly once.
//
// # Key Features
//
//   - Lock-free hash table with fixed-size buckets and CAS insertion
//   - First writer wins: concurrent Put calls for one key agree on one value
//   - Bound to one target generation; mappings never cross generations
//
// # Usage Examples
//
//	m := index.NewRecordMap(target, 1<<16)
//
//	if copied, ok := m.Get(src); ok {
//	    return copied
//	}
//	copied := compact(src)
//	copied = m.Put(src, copied) // may return a concurrent winner
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes panic.
//   - **Growth**: Entries are never removed. Drop the map once its generation
//     has been committed or abandoned.
//
// # Thread Safety
//
// RecordMap is safe for concurrent use by any number of goroutines.
package index

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

// node represents a node in the lock-free linked list within a bucket.
type node struct {
	key   segment.RecordID
	value segment.RecordID
	next  atomic.Pointer[node]
}

// RecordMap is a lock-free hash table from source to compacted record.
type RecordMap struct {
	tag     generation.Tag
	buckets []atomic.Pointer[node]
	mask    uint64
	count   atomic.Int64
}

// NewRecordMap creates a map for copies stamped with tag. size is the bucket
// count and must be a power of 2.
func NewRecordMap(tag generation.Tag, size uint64) *RecordMap {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}
	return &RecordMap{
		tag:     tag,
		buckets: make([]atomic.Pointer[node], size),
		mask:    size - 1,
	}
}

// Tag returns the generation of the copies held by the map.
func (m *RecordMap) Tag() generation.Tag { return m.tag }

func (m *RecordMap) bucket(key segment.RecordID) *atomic.Pointer[node] {
	var buf [20]byte
	copy(buf[:16], key.Segment[:])
	binary.LittleEndian.PutUint32(buf[16:], key.Number)
	return &m.buckets[xxhash.Sum64(buf[:])&m.mask]
}

// Get returns the compacted copy of key, if any.
func (m *RecordMap) Get(key segment.RecordID) (segment.RecordID, bool) {
	for n := m.bucket(key).Load(); n != nil; n = n.next.Load() {
		if n.key == key {
			return n.value, true
		}
	}
	return segment.RecordID{}, false
}

// Put records value as the copy of key unless a copy is already recorded.
// It returns the value that ends up in the map.
func (m *RecordMap) Put(key, value segment.RecordID) segment.RecordID {
	bucket := m.bucket(key)
	newNode := &node{key: key, value: value}
	for {
		oldHead := bucket.Load()
		for n := oldHead; n != nil; n = n.next.Load() {
			if n.key == key {
				return n.value
			}
		}
		newNode.next.Store(oldHead)
		if bucket.CompareAndSwap(oldHead, newNode) {
			m.count.Add(1)
			return value
		}
		// CAS failed; rescan in case someone else inserted our key
	}
}

// Len returns the number of mappings.
func (m *RecordMap) Len() int {
	return int(m.count.Load())
}
