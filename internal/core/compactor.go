// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/monitoring/progress"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/index"
	"github.com/kianostad/segcompact/internal/storage/segment"
	"github.com/kianostad/segcompact/internal/storage/writerpool"
)

// compactor is implemented by Compactor and ParallelCompactor. records may be
// nil, and expected is the node count estimate handed to the progress monitor.
type compactor interface {
	compact(ctx context.Context, root segment.NodeState, tag generation.Tag,
		canceller cancel.Canceller, records *index.RecordMap, expected uint64) (Result, error)
}

var (
	_ compactor = (*Compactor)(nil)
	_ compactor = (*ParallelCompactor)(nil)
)

// Compactor copies a node tree depth-first into a new generation.
type Compactor struct {
	store    segment.Store
	reader   *segment.Reader
	blobs    blob.Store
	progress progress.Monitor
	opts     Options
}

// NewCompactor creates a sequential compactor writing to store. reader must
// read from the same store; nil creates one. The Concurrency option is ignored.
func NewCompactor(store segment.Store, reader *segment.Reader, opts Options) (*Compactor, error) {
	opts.SegmentStore = store
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if reader == nil {
		reader = segment.NewReader(opts.SegmentStore)
	}
	return &Compactor{
		store:    opts.SegmentStore,
		reader:   reader,
		blobs:    opts.BlobStore,
		progress: opts.Progress,
		opts:     opts,
	}, nil
}

// Compact rewrites the tree rooted at root so that every reachable record is
// stamped with tag. A cancelled pass returns an incomplete Result and no error.
func (c *Compactor) Compact(ctx context.Context, root segment.RecordID, tag generation.Tag, canceller cancel.Canceller) (Result, error) {
	ns, err := c.reader.ReadNode(root)
	if err != nil {
		return Result{}, errors.Wrapf(err, "read root %s", root)
	}
	return c.compact(ctx, ns, tag, canceller, nil, 0)
}

// CompactNode is like Compact for a tree that need not be stored yet.
func (c *Compactor) CompactNode(ctx context.Context, root segment.NodeState, tag generation.Tag, canceller cancel.Canceller) (Result, error) {
	return c.compact(ctx, root, tag, canceller, nil, 0)
}

func (c *Compactor) compact(ctx context.Context, root segment.NodeState, tag generation.Tag,
	canceller cancel.Canceller, records *index.RecordMap, expected uint64) (Result, error) {
	return c.run(c.newPass(ctx, tag, records, canceller), root, expected)
}

// write stores a tree that may link already stored subtrees. Those are kept
// as they are, so only new and changed nodes are written.
func (c *Compactor) write(ctx context.Context, root segment.NodeState, tag generation.Tag) (Result, error) {
	p := c.newPass(ctx, tag, nil)
	p.keepStored = true
	return c.run(p, root, 0)
}

func (c *Compactor) run(p *pass, root segment.NodeState, expected uint64) (Result, error) {
	pool := writerpool.New(c.opts.PoolType, c.store, p.records.Tag(), c.opts.writerOptions())

	c.progress.Init(expected)
	defer c.progress.Finished()

	s, err := pool.Acquire(0)
	if err != nil {
		return Result{}, err
	}
	id, err := p.compactNode(s, root)
	pool.Release(0)
	return p.finish(pool, id, err)
}

// newPass prepares the state shared by all workers of one pass. The pass
// observes every source in cancellers and ctx, memoized once cancelled.
func (c *Compactor) newPass(ctx context.Context, tag generation.Tag, records *index.RecordMap, cancellers ...cancel.Canceller) *pass {
	if records == nil || records.Tag() != tag {
		records = index.NewRecordMap(tag, c.opts.RecordMapSize)
	}
	sources := append([]cancel.Canceller{cancel.Context(ctx)}, cancellers...)
	for i, src := range sources {
		if src == nil {
			sources[i] = cancel.Never()
		}
	}
	return &pass{
		ctx:       ctx,
		blobs:     c.blobs,
		progress:  c.progress,
		records:   records,
		canceller: cancel.ShortCircuit(cancel.Any(sources...)),
	}
}

// pass is one compaction run. Its methods are safe for concurrent use by
// workers holding distinct sessions.
type pass struct {
	ctx       context.Context
	blobs     blob.Store
	progress  progress.Monitor
	records   *index.RecordMap
	canceller cancel.Canceller
	// keepStored links stored subtrees as they are instead of copying them.
	keepStored bool

	nodes      atomic.Uint64
	properties atomic.Uint64
	binaries   atomic.Uint64
	reused     atomic.Uint64
}

func (p *pass) check() error {
	if v := p.canceller.Check(); v.IsCancelled() {
		return &incompleteError{reason: v.Reason()}
	}
	return nil
}

// lookup returns the compacted copy of ns if this pass already wrote one.
func (p *pass) lookup(ns segment.NodeState) (segment.RecordID, bool) {
	src, ok := ns.RecordID()
	if !ok {
		return segment.RecordID{}, false
	}
	id, ok := p.records.Get(src)
	if ok {
		p.reused.Add(1)
	}
	return id, ok
}

func (p *pass) compactNode(s segment.Session, ns segment.NodeState) (segment.RecordID, error) {
	if p.keepStored {
		if id, ok := ns.RecordID(); ok {
			return id, nil
		}
	}
	if id, ok := p.lookup(ns); ok {
		return id, nil
	}

	props, err := p.compactProperties(s, ns)
	if err != nil {
		return segment.RecordID{}, err
	}

	names := ns.ChildNames()
	rec := segment.NodeRecord{Properties: props, Children: make([]segment.ChildRef, 0, len(names))}
	for _, name := range names {
		if err := p.check(); err != nil {
			return segment.RecordID{}, err
		}
		child, err := ns.Child(name)
		if err != nil {
			return segment.RecordID{}, errors.Wrapf(err, "read child %q", name)
		}
		id, err := p.compactNode(s, child)
		if err != nil {
			return segment.RecordID{}, err
		}
		rec.Children = append(rec.Children, segment.ChildRef{Name: name, ID: id})
	}
	return p.writeNode(s, ns, rec)
}

func (p *pass) compactProperties(s segment.Session, ns segment.NodeState) ([]segment.PropertyRef, error) {
	names := ns.PropertyNames()
	refs := make([]segment.PropertyRef, 0, len(names))
	for _, name := range names {
		prop, err := ns.Property(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read property %q", name)
		}
		for _, v := range prop.Values {
			if v.Type != segment.TypeBinary {
				continue
			}
			if err := p.resolveBlob(name, v.Blob); err != nil {
				return nil, err
			}
		}
		id, err := s.WriteProperty(prop)
		if err != nil {
			return nil, errors.Wrapf(err, "write property %q", name)
		}
		p.properties.Add(1)
		p.progress.OnProperty()
		refs = append(refs, segment.PropertyRef{Name: name, ID: id})
	}
	return refs, nil
}

// resolveBlob validates a blob reference. Only the reference is copied.
func (p *pass) resolveBlob(property string, id blob.ID) error {
	_, ok, err := p.blobs.Resolve(p.ctx, id)
	if errors.Is(err, blob.ErrEmptyID) {
		return errors.Wrapf(ErrBlobUnresolvable, "empty blob id in property %q", property)
	}
	if err != nil {
		if cerr := p.check(); cerr != nil {
			return cerr
		}
		return errors.Wrapf(err, "resolve blob %s of property %q", id, property)
	}
	if !ok {
		return errors.Wrapf(ErrBlobUnresolvable, "blob %s of property %q", id, property)
	}
	p.binaries.Add(1)
	p.progress.OnBinary()
	return nil
}

func (p *pass) writeNode(s segment.Session, src segment.NodeState, rec segment.NodeRecord) (segment.RecordID, error) {
	if err := p.check(); err != nil {
		return segment.RecordID{}, err
	}
	id, err := s.WriteNode(rec)
	if err != nil {
		return segment.RecordID{}, errors.Wrap(err, "write node")
	}
	p.nodes.Add(1)
	p.progress.OnNode()
	if srcID, ok := src.RecordID(); ok {
		id = p.records.Put(srcID, id)
	}
	return id, nil
}

// finish turns the outcome of a pass into a Result. Only complete passes are
// flushed; a cancelled pass leaves its records unreachable.
func (p *pass) finish(pool writerpool.Pool, root segment.RecordID, err error) (Result, error) {
	res := Result{Tag: pool.Tag(), Stats: p.stats()}
	if reason, ok := asIncomplete(err); ok {
		res.Incomplete = true
		res.Reason = reason
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := pool.Flush(); err != nil {
		return res, errors.Wrap(err, "flush compacted segments")
	}
	res.Root = root
	res.Stats.Writer = pool.Stats()
	return res, nil
}

func (p *pass) stats() Stats {
	return Stats{
		Nodes:      p.nodes.Load(),
		Properties: p.properties.Load(),
		Binaries:   p.binaries.Load(),
		Reused:     p.reused.Load(),
	}
}
