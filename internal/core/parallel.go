// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/index"
	"github.com/kianostad/segcompact/internal/storage/segment"
	"github.com/kianostad/segcompact/internal/storage/writerpool"
)

// maxCutDepth bounds how many tree levels are expanded to find work units.
const maxCutDepth = 8

// ParallelCompactor compacts independent subtrees on a fixed number of
// workers and assembles the nodes above them afterwards.
//
// The tree is expanded breadth-first from the root until at least
// Concurrency subtrees are available, no node on the frontier has children,
// or maxCutDepth levels were expanded. Each frontier subtree is one unit of
// work. All workers observe one shared canceller; the first worker error
// raises a failure flag on it so the others stop at their next check.
type ParallelCompactor struct {
	seq         *Compactor
	concurrency int
}

// NewParallelCompactor creates a compactor using opts.Concurrency workers.
func NewParallelCompactor(store segment.Store, reader *segment.Reader, opts Options) (*ParallelCompactor, error) {
	if opts.Concurrency < 1 {
		return nil, errors.Wrapf(ErrInvalidConcurrency, "got %d", opts.Concurrency)
	}
	seq, err := NewCompactor(store, reader, opts)
	if err != nil {
		return nil, err
	}
	return &ParallelCompactor{seq: seq, concurrency: opts.Concurrency}, nil
}

// Concurrency returns the number of workers.
func (pc *ParallelCompactor) Concurrency() int { return pc.concurrency }

// Compact has the contract of Compactor.Compact.
func (pc *ParallelCompactor) Compact(ctx context.Context, root segment.RecordID, tag generation.Tag, canceller cancel.Canceller) (Result, error) {
	ns, err := pc.seq.reader.ReadNode(root)
	if err != nil {
		return Result{}, errors.Wrapf(err, "read root %s", root)
	}
	return pc.compact(ctx, ns, tag, canceller, nil, 0)
}

// CompactNode has the contract of Compactor.CompactNode.
func (pc *ParallelCompactor) CompactNode(ctx context.Context, root segment.NodeState, tag generation.Tag, canceller cancel.Canceller) (Result, error) {
	return pc.compact(ctx, root, tag, canceller, nil, 0)
}

func (pc *ParallelCompactor) compact(ctx context.Context, root segment.NodeState, tag generation.Tag,
	canceller cancel.Canceller, records *index.RecordMap, expected uint64) (Result, error) {
	if pc.concurrency == 1 {
		return pc.seq.compact(ctx, root, tag, canceller, records, expected)
	}

	c := pc.seq
	failed := cancel.NewFlag()
	p := c.newPass(ctx, tag, records, canceller, failed)
	pool := writerpool.New(c.opts.PoolType, c.store, tag, c.opts.writerOptions())

	c.progress.Init(expected)
	defer c.progress.Finished()

	id, units, err := pc.run(p, pool, root, failed)
	res, err := p.finish(pool, id, err)
	res.Stats.Units = units
	return res, err
}

// planNode is a node of the expanded part of the tree. Nodes with children
// are assembled by the coordinator; the others are work units.
type planNode struct {
	state    segment.NodeState
	names    []string
	children []*planNode
	id       segment.RecordID
}

func (pc *ParallelCompactor) run(p *pass, pool writerpool.Pool, root segment.NodeState, failed *cancel.Flag) (segment.RecordID, int, error) {
	if id, ok := p.lookup(root); ok {
		return id, 0, nil
	}

	plan, units, err := cut(p, root, pc.concurrency)
	if err != nil {
		return segment.RecordID{}, 0, err
	}
	if err := pc.runUnits(p, pool, units, failed); err != nil {
		return segment.RecordID{}, len(units), err
	}

	s, err := pool.Acquire(0)
	if err != nil {
		return segment.RecordID{}, len(units), err
	}
	defer pool.Release(0)
	id, err := assemble(p, s, plan)
	return id, len(units), err
}

// cut expands the tree breadth-first and returns its top and the work units.
// Subtrees already compacted by this pass are resolved in place.
func cut(p *pass, root segment.NodeState, n int) (*planNode, []*planNode, error) {
	top := &planNode{state: root}
	frontier := []*planNode{top}

	for depth := 0; depth < maxCutDepth && len(frontier) < n; depth++ {
		var next []*planNode
		expanded := false
		for _, pn := range frontier {
			names := pn.state.ChildNames()
			if len(names) == 0 {
				next = append(next, pn)
				continue
			}
			if err := p.check(); err != nil {
				return nil, nil, err
			}
			expanded = true
			pn.names = names
			pn.children = make([]*planNode, len(names))
			for i, name := range names {
				child, err := pn.state.Child(name)
				if err != nil {
					return nil, nil, errors.Wrapf(err, "read child %q", name)
				}
				cp := &planNode{state: child}
				if id, ok := p.lookup(child); ok {
					cp.id = id
				} else {
					next = append(next, cp)
				}
				pn.children[i] = cp
			}
		}
		frontier = next
		if !expanded {
			break
		}
	}
	return top, frontier, nil
}

// runUnits compacts units on up to pc.concurrency workers. Worker i writes
// through pool slot i. It returns the first worker error, or an incomplete
// error if any unit was cancelled.
func (pc *ParallelCompactor) runUnits(p *pass, pool writerpool.Pool, units []*planNode, failed *cancel.Flag) error {
	if len(units) == 0 {
		return nil
	}
	work := make(chan *planNode, len(units))
	for _, u := range units {
		work <- u
	}
	close(work)

	workers := pc.concurrency
	if workers > len(units) {
		workers = len(units)
	}

	var (
		g      errgroup.Group
		reason atomic.Pointer[string]
	)
	for w := 0; w < workers; w++ {
		slot := w
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.WithStack(errors.Newf("compaction worker %d panicked: %v", slot, r))
				}
				if err != nil {
					failed.Cancel(fmt.Sprintf("compaction worker %d failed", slot))
				}
			}()

			s, err := pool.Acquire(slot)
			if err != nil {
				return err
			}
			defer pool.Release(slot)

			for u := range work {
				err := p.check()
				if err == nil {
					u.id, err = p.compactNode(s, u.state)
				}
				if r, ok := asIncomplete(err); ok {
					reason.CompareAndSwap(nil, &r)
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if r := reason.Load(); r != nil {
		return &incompleteError{reason: *r}
	}
	return nil
}

// assemble writes the expanded nodes bottom-up. Children are linked in the
// order of their names, independent of which worker finished first.
func assemble(p *pass, s segment.Session, pn *planNode) (segment.RecordID, error) {
	if pn.children == nil {
		return pn.id, nil
	}
	props, err := p.compactProperties(s, pn.state)
	if err != nil {
		return segment.RecordID{}, err
	}
	rec := segment.NodeRecord{Properties: props, Children: make([]segment.ChildRef, len(pn.children))}
	for i, child := range pn.children {
		id, err := assemble(p, s, child)
		if err != nil {
			return segment.RecordID{}, err
		}
		rec.Children[i] = segment.ChildRef{Name: pn.names[i], ID: id}
	}
	return p.writeNode(s, pn.state, rec)
}
