// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package writerpool supplies record-writing sessions to compaction workers.
//
// Two disciplines are available. A Shared pool hands every caller the same
// session, guarded by one mutex, which serializes all writes. A ThreadSpecific
// pool keeps an explicit map from worker slot to an owned segment.Writer, so
// parallel workers append to their own segments without contention.
//
// # Usage Examples
//
//	pool := writerpool.New(writerpool.ThreadSpecific, store, target, segment.DefaultWriterOptions())
//
//	// in worker i
//	s, err := pool.Acquire(i)
//	if err != nil {
//	    return err
//	}
//	defer pool.Release(i)
//	id, err := s.WriteBlob(ref)
//
//	// after all workers are done
//	err = pool.Flush()
//
// # Dangers and Warnings
//
//   - **Slot ownership**: A slot is owned by one goroutine between Acquire and
//     Release. Acquiring a busy slot of a ThreadSpecific pool fails.
//   - **Visibility**: Records become readable only after Flush.
//
// # Thread Safety
//
// Acquire, Release, Flush and Stats are safe for concurrent use. Flush must
// not race with writes in progress.
package writerpool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

// Type selects a pool discipline.
type Type int

const (
	Shared Type = iota
	ThreadSpecific
)

func (t Type) String() string {
	switch t {
	case Shared:
		return "shared"
	case ThreadSpecific:
		return "thread-specific"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses the names used by the command line tools.
func ParseType(s string) (Type, error) {
	switch s {
	case "shared":
		return Shared, nil
	case "thread", "thread-specific", "thread_specific":
		return ThreadSpecific, nil
	}
	return 0, errors.Newf("unknown writer pool type %q", s)
}

// ErrSlotBusy is returned when acquiring a slot that is already owned.
var ErrSlotBusy = errors.New("writerpool: slot already acquired")

// Pool supplies writer sessions.
type Pool interface {
	Acquire(slot int) (segment.Session, error)
	Release(slot int)
	// Flush commits every partially filled segment.
	Flush() error
	Tag() generation.Tag
	Stats() segment.WriterStats
}

// New creates a pool of the given type writing segments stamped with tag.
func New(t Type, store segment.Store, tag generation.Tag, opts segment.WriterOptions) Pool {
	if t == ThreadSpecific {
		return &threadSpecific{store: store, tag: tag, opts: opts, slots: make(map[int]*slotWriter)}
	}
	return &shared{w: segment.NewWriter(store, tag, opts)}
}

type shared struct {
	mu sync.Mutex
	w  *segment.Writer
}

func (p *shared) Acquire(int) (segment.Session, error) { return lockedSession{p}, nil }

func (p *shared) Release(int) {}

func (p *shared) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Flush()
}

func (p *shared) Tag() generation.Tag { return p.w.Tag() }

func (p *shared) Stats() segment.WriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Stats()
}

type lockedSession struct{ p *shared }

func (s lockedSession) WriteNode(n segment.NodeRecord) (segment.RecordID, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.w.WriteNode(n)
}

func (s lockedSession) WriteProperty(prop segment.Property) (segment.RecordID, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.w.WriteProperty(prop)
}

func (s lockedSession) WriteBlob(id blob.ID) (segment.RecordID, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.w.WriteBlob(id)
}

// slotWriter is padded so that the busy flags of neighbouring slots, touched
// by different workers, do not share a cache line.
type slotWriter struct {
	_    cpu.CacheLinePad
	w    *segment.Writer
	busy bool
	_    cpu.CacheLinePad
}

type threadSpecific struct {
	store segment.Store
	tag   generation.Tag
	opts  segment.WriterOptions

	mu    sync.Mutex
	slots map[int]*slotWriter
}

func (p *threadSpecific) Acquire(slot int) (segment.Session, error) {
	if slot < 0 {
		return nil, errors.Newf("writerpool: negative slot %d", slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sw, ok := p.slots[slot]
	if !ok {
		sw = &slotWriter{w: segment.NewWriter(p.store, p.tag, p.opts)}
		p.slots[slot] = sw
	}
	if sw.busy {
		return nil, errors.Wrapf(ErrSlotBusy, "slot %d", slot)
	}
	sw.busy = true
	return sw.w, nil
}

func (p *threadSpecific) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sw, ok := p.slots[slot]; ok {
		sw.busy = false
	}
}

func (p *threadSpecific) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]int, 0, len(p.slots))
	for k := range p.slots {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var err error
	for _, k := range keys {
		err = errors.CombineErrors(err, p.slots[k].w.Flush())
	}
	return err
}

func (p *threadSpecific) Tag() generation.Tag { return p.tag }

func (p *threadSpecific) Stats() segment.WriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total segment.WriterStats
	for _, sw := range p.slots {
		s := sw.w.Stats()
		total.Records += s.Records
		total.Segments += s.Segments
		total.DedupHits += s.DedupHits
	}
	return total
}

// Slots returns the number of writers created so far. Only meaningful for
// ThreadSpecific pools; a Shared pool always reports 1.
func Slots(p Pool) int {
	if ts, ok := p.(*threadSpecific); ok {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.slots)
	}
	return 1
}
