// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements online compaction of a generational segment store.
//
// A Store holds a head: the root node record of the current tree and the
// generation it was written in. Compaction copies the whole tree reachable from
// the head into a new generation, then atomically moves the head to the copy.
// Readers of the old head are never disturbed: compaction only appends
// segments and never mutates existing records.
//
// # Key Features
//
//   - Sequential and parallel compactors with equivalent results at any
//     concurrency level
//   - Cooperative cancellation polled at node granularity
//   - Subtrees shared within a tree are copied once (compacted-record map)
//   - Binary properties are validated against the blob store and copied by
//     reference only
//   - Retry with exponential backoff when the head moves during a pass, then
//     an optional exclusive cycle
//   - Generation-based cleanup of segments no longer reachable
//
// # Usage Examples
//
// Writing and compacting:
//
//	store, err := core.Open(core.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	root := segment.NewMemNode()
//	root.Child("a").Set("x", segment.LongValue(1))
//	if _, err := store.Write(ctx, root.State()); err != nil {
//	    return err
//	}
//
//	res, err := store.Compact(ctx, generation.Full, cancel.Never())
//	if err != nil {
//	    return err
//	}
//	if !res.Complete() {
//	    log.Printf("compaction cancelled: %s", res.Reason)
//	}
//
// Compacting with a timeout:
//
//	c := cancel.WithTimeout(cancel.Never(), time.Minute, time.Now)
//	res, err := store.Compact(ctx, generation.Tail, c)
//
// # Dangers and Warnings
//
//   - **Cancellation is not an error**: A cancelled pass returns a Result with
//     Incomplete set and a nil error. Always check Complete.
//   - **Forced cycles block writers**: With ForceCompact, a pass that keeps
//     losing the race against writers ends with one cycle holding the write
//     lock.
//   - **Cleanup removes data**: Segments older than RetainedGenerations are
//     removed. Readers holding an older head must pin its generation first.
//
// # Thread Safety
//
// All Store methods are safe for concurrent use. Compactions and cleanups are
// serialized; writes may run concurrently with a compaction.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/monitoring/gcmonitor"
	"github.com/kianostad/segcompact/internal/monitoring/metrics"
	"github.com/kianostad/segcompact/internal/monitoring/progress"
	"github.com/kianostad/segcompact/internal/storage/index"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

// Head is the root of the current tree and the generation it was written in.
type Head struct {
	Root segment.RecordID
	Tag  generation.Tag
}

// CompactionResult is the outcome of Store.Compact.
type CompactionResult struct {
	Result
	Kind     generation.Kind
	Previous Head
	// Cycles counts compaction passes, including retries.
	Cycles   int
	Forced   bool
	Skipped  bool
	Duration time.Duration
}

// CleanupResult is the outcome of Store.Cleanup.
type CleanupResult struct {
	KeptFrom       int32 // Oldest generation kept
	Removed        int
	ReclaimedBytes int64
	CurrentBytes   int64
}

// StoreStats is a snapshot of a Store.
type StoreStats struct {
	Head     Head
	HasHead  bool
	Estimate uint64
	Pinned   int
	Progress progress.Stats
}

// Store owns a segment store, its head and the compaction machinery.
type Store struct {
	opts      Options
	log       logrus.FieldLogger
	segments  segment.Store
	reader    *segment.Reader
	gc        gcmonitor.Monitor
	monitor   *progress.NodeWriteMonitor
	metrics   *metrics.Metrics
	registry  *generation.Registry
	compactor compactor
	writer    *Compactor
	scheduler *scheduler

	head     atomic.Pointer[Head]
	estimate atomic.Uint64
	closed   atomic.Bool

	compactMu sync.Mutex // serializes Compact and Cleanup
	writeMu   sync.Mutex // serializes Write; held by forced cycles
}

// Open creates a Store. If the segment store keeps a journal, the last saved
// head is restored.
func Open(opts Options) (*Store, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	monitor := progress.NewNodeWriteMonitor(opts.ProgressLogInterval, opts.GCMonitor)
	monitors := []progress.Monitor{monitor, opts.Progress}
	if opts.Metrics != nil {
		monitors = append(monitors, opts.Metrics)
	}
	compactOpts := opts
	compactOpts.Progress = progress.Multi(monitors...)

	reader := segment.NewReader(opts.SegmentStore)
	pc, err := NewParallelCompactor(opts.SegmentStore, reader, compactOpts)
	if err != nil {
		return nil, err
	}
	writeOpts := opts
	writeOpts.Progress = progress.Empty
	writer, err := NewCompactor(opts.SegmentStore, reader, writeOpts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:      opts,
		log:       opts.Logger.WithField("component", "store"),
		segments:  opts.SegmentStore,
		reader:    reader,
		gc:        opts.GCMonitor,
		monitor:   monitor,
		metrics:   opts.Metrics,
		registry:  generation.NewRegistry(),
		compactor: pc,
		writer:    writer,
	}

	if j, ok := s.segments.(segment.Journal); ok {
		e, found, err := j.LoadHead()
		if err != nil {
			return nil, err
		}
		if found {
			s.head.Store(&Head{Root: e.Root, Tag: e.Tag})
			s.log.WithField("generation", e.Tag.String()).Info("restored head from journal")
		}
	}

	if opts.GCInterval > 0 {
		s.scheduler = newScheduler(s, opts.GCInterval)
		s.scheduler.Start()
	}
	return s, nil
}

// Head returns the current head; ok is false if nothing was written yet.
func (s *Store) Head() (Head, bool) {
	h := s.head.Load()
	if h == nil {
		return Head{}, false
	}
	return *h, true
}

// Root reads the node at the current head.
func (s *Store) Root() (segment.NodeState, error) {
	h := s.head.Load()
	if h == nil {
		return nil, ErrNoHead
	}
	return s.reader.ReadNode(h.Root)
}

// Reader returns the reader used by the store.
func (s *Store) Reader() *segment.Reader { return s.reader }

// Registry returns the registry of generations in use.
func (s *Store) Registry() *generation.Registry { return s.registry }

// Write stores the tree ns and makes it the head. Stored subtrees linked into
// ns, such as the untouched children of a segment.Edit, are kept as they are.
// Cancelling ctx fails the write.
func (s *Store) Write(ctx context.Context, ns segment.NodeState) (Head, error) {
	if s.closed.Load() {
		return Head{}, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; ; attempt++ {
		cur := s.head.Load()
		tag := generation.NewTag(0, 0, false)
		if cur != nil {
			tag = generation.NextWrite(cur.Tag)
		}

		res, err := s.writer.write(ctx, ns, tag)
		if err != nil {
			return Head{}, errors.Wrap(err, "write tree")
		}
		if res.Incomplete {
			return Head{}, errors.Newf("write tree: cancelled: %s", res.Reason)
		}

		next := &Head{Root: res.Root, Tag: tag}
		if s.head.CompareAndSwap(cur, next) {
			if err := s.persist(next); err != nil {
				return Head{}, err
			}
			return *next, nil
		}
		if attempt >= s.opts.RetryCount {
			return Head{}, errors.Wrap(errHeadMoved, "write tree")
		}
	}
}

// SetHead makes root the head, written in the same generation as the current
// head.
func (s *Store) SetHead(root segment.RecordID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tag, err := s.reader.Tag(root)
	if err != nil {
		return errors.Wrapf(err, "set head %s", root)
	}
	if _, err := s.reader.ReadNodeRecord(root); err != nil {
		return errors.Wrapf(err, "set head %s", root)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := &Head{Root: root, Tag: tag}
	s.head.Store(next)
	return s.persist(next)
}

func (s *Store) persist(h *Head) error {
	j, ok := s.segments.(segment.Journal)
	if !ok {
		return nil
	}
	if err := j.SaveHead(segment.JournalEntry{Root: h.Root, Tag: h.Tag}); err != nil {
		return errors.Wrap(err, "persist head")
	}
	return nil
}

// Compact copies the tree at the head into the next generation of kind and
// moves the head to the copy. A tail compaction of a head that was just
// compacted is skipped.
//
// If the head moves while a pass runs, the pass is retried up to RetryCount
// times, reusing the records already copied. A cancelled or failed pass never
// moves the head.
func (s *Store) Compact(ctx context.Context, kind generation.Kind, canceller cancel.Canceller) (CompactionResult, error) {
	if s.closed.Load() {
		return CompactionResult{}, ErrClosed
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	if s.closed.Load() {
		return CompactionResult{}, ErrClosed
	}

	start := time.Now()
	cur := s.head.Load()
	if cur == nil {
		return CompactionResult{}, ErrNoHead
	}
	res := CompactionResult{Kind: kind, Previous: *cur}

	if kind == generation.Tail && cur.Tag.Compacted {
		s.gc.Skipped("head %s is already compacted, nothing to do", cur.Tag)
		res.Skipped = true
		res.Root, res.Tag = cur.Root, cur.Tag
		return res, nil
	}

	target := generation.Next(cur.Tag, kind)
	s.registry.Pin(target)
	defer s.registry.Unpin(target)
	records := index.NewRecordMap(target, s.opts.RecordMapSize)

	log := s.log.WithFields(logrus.Fields{
		"generation":  target.String(),
		"kind":        kind.String(),
		"concurrency": s.opts.Concurrency,
	})
	s.gc.UpdateStatus("compacting")
	s.gc.Info("%s compaction started, gc generation %s -> %s", kind, cur.Tag, target)
	log.Debug("compaction started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryBackoff
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.opts.RetryCount)), ctx)

	err := backoff.Retry(func() error {
		res.Cycles++
		r, moved, err := s.cycle(ctx, target, canceller, records)
		res.Result = r
		if err != nil {
			return backoff.Permanent(err)
		}
		if moved {
			s.gc.Info("compaction cycle %d: head changed concurrently, retrying", res.Cycles)
			return errHeadMoved
		}
		return nil
	}, b)

	if errors.Is(err, errHeadMoved) && s.opts.ForceCompact {
		s.gc.Warn("compaction gave up after %d cycles, compacting exclusively", res.Cycles)
		s.writeMu.Lock()
		res.Cycles++
		res.Forced = true
		var r Result
		var moved bool
		r, moved, err = s.cycle(ctx, target, canceller, records)
		s.writeMu.Unlock()
		res.Result = r
		if err == nil && moved {
			err = errHeadMoved
		}
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Incomplete = true
		res.Reason = cancel.Context(ctx).Check().Reason()
		err = nil
	}

	res.Duration = time.Since(start)
	log = log.WithFields(logrus.Fields{
		"nodes":    res.Stats.Nodes,
		"duration": res.Duration,
		"cycles":   res.Cycles,
	})

	switch {
	case err != nil:
		s.gc.Error("compaction failed", err)
		s.gc.UpdateStatus("failed")
		s.recordPass(metrics.OutcomeFailed, res.Duration)
		if s.metrics != nil {
			s.metrics.RecordError()
		}
		log.WithError(err).Error("compaction failed")
		return res, err
	case res.Incomplete:
		s.gc.Warn("compaction cancelled: %s", res.Reason)
		s.gc.UpdateStatus("cancelled")
		s.recordPass(metrics.OutcomeCancelled, res.Duration)
		log.WithField("reason", res.Reason).Info("compaction cancelled")
	default:
		s.estimate.Store(res.Stats.Nodes + res.Stats.Reused)
		s.gc.Compacted()
		s.gc.Info("compaction succeeded in %s, after %d cycle(s)", res.Duration, res.Cycles)
		s.gc.UpdateStatus("idle")
		s.recordPass(metrics.OutcomeCompleted, res.Duration)
		log.Info("compaction completed")
	}
	return res, nil
}

// cycle runs one pass against the current head. moved reports that the head
// changed while the pass ran, in which case the head is left alone.
func (s *Store) cycle(ctx context.Context, target generation.Tag, canceller cancel.Canceller, records *index.RecordMap) (Result, bool, error) {
	base := s.head.Load()
	root, err := s.reader.ReadNode(base.Root)
	if err != nil {
		return Result{}, false, errors.Wrapf(err, "read head %s", base.Root)
	}
	res, err := s.compactor.compact(ctx, root, target, canceller, records, s.estimate.Load())
	if err != nil || res.Incomplete {
		return res, false, err
	}
	next := &Head{Root: res.Root, Tag: target}
	if !s.head.CompareAndSwap(base, next) {
		return res, true, nil
	}
	return res, false, s.persist(next)
}

func (s *Store) recordPass(outcome metrics.Outcome, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordPass(outcome, d)
	}
}

// Cleanup removes segments of generations that are neither retained nor
// pinned. Stores that cannot remove segments only report what is reclaimable.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	if s.closed.Load() {
		return CleanupResult{}, ErrClosed
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	if s.closed.Load() {
		return CleanupResult{}, ErrClosed
	}

	cur := s.head.Load()
	if cur == nil {
		s.gc.Skipped("nothing written, skipping cleanup")
		return CleanupResult{}, nil
	}
	keepFrom := cur.Tag.Generation - s.opts.RetainedGenerations + 1
	if oldest, ok := s.registry.Oldest(); ok && oldest.Generation < keepFrom {
		keepFrom = oldest.Generation
	}
	res := CleanupResult{KeptFrom: keepFrom}

	ids, err := s.segments.SegmentIDs()
	if err != nil {
		return res, errors.Wrap(err, "list segments")
	}
	remover, canRemove := s.segments.(segment.Remover)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		seg, err := s.reader.Segment(id)
		if err != nil {
			return res, err
		}
		size := int64(seg.Size())
		if seg.Tag.Generation >= keepFrom {
			res.CurrentBytes += size
			continue
		}
		res.ReclaimedBytes += size
		if !canRemove {
			continue
		}
		if err := remover.Remove(id); err != nil {
			return res, errors.Wrapf(err, "remove segment %s", id)
		}
		s.reader.Evict(id)
		res.Removed++
	}

	s.gc.Cleaned(res.ReclaimedBytes, res.CurrentBytes)
	s.log.WithFields(logrus.Fields{
		"kept_from": keepFrom,
		"removed":   res.Removed,
		"reclaimed": res.ReclaimedBytes,
	}).Info("cleanup completed")
	return res, nil
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() StoreStats {
	st := StoreStats{
		Estimate: s.estimate.Load(),
		Pinned:   s.registry.Count(),
		Progress: s.monitor.Stats(),
	}
	st.Head, st.HasHead = s.Head()
	return st
}

// Close stops background compaction, waits for a running compaction and
// closes the segment store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	if err := s.segments.Close(); err != nil {
		return errors.Wrap(err, "close segment store")
	}
	return nil
}
