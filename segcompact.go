// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package segcompact provides online, cancellable compaction for an
// append-only segment store holding a tree of nodes and properties.
//
// This is the main public API for the module. It re-exports the store, the
// compactors and the building blocks needed to write trees and control a
// running compaction.
//
// # Quick Start
//
//	import "github.com/kianostad/segcompact"
//
//	store, err := segcompact.Open(segcompact.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	root := segcompact.NewNode()
//	root.Child("config").Set("timeout", segcompact.LongValue(30))
//	store.Write(ctx, root.State())
//
//	res, err := store.Compact(ctx, segcompact.Full, segcompact.Never())
//
// # Generations
//
// Every record is written in a generation. Regular writes stay in the
// generation of the head. A tail compaction copies the head tree into the
// next generation, a full compaction also starts a new full generation.
// Once the head lives in a newer generation, Cleanup removes the segments
// of the generations that are no longer retained.
//
// # Cancellation
//
// A compaction pass checks its canceller between nodes. A cancelled pass
// returns a Result with Incomplete set and leaves the head untouched:
//
//	flag := segcompact.NewFlag()
//	go func() { <-shutdown; flag.Cancel("shutting down") }()
//
//	res, err := store.Compact(ctx, segcompact.Tail, flag)
//	if err == nil && res.Incomplete {
//	    log.Printf("compaction cancelled: %s", res.Reason)
//	}
//
// # Concurrency
//
// With Options.Concurrency above one the tree is cut into independent
// subtrees copied by a pool of workers. The result is equivalent to the
// sequential copy for every concurrency level.
//
// # See Also
//
// For the compaction engine, see the core package.
package segcompact

import (
	core "github.com/kianostad/segcompact/internal/core"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/blob"
	"github.com/kianostad/segcompact/internal/storage/segment"
	"github.com/kianostad/segcompact/internal/storage/writerpool"
)

// Store and compaction types
type (
	// Store owns the head of a segment store and drives compaction and cleanup
	Store = core.Store

	// Options configures a Store or a compactor
	Options = core.Options

	// Head is the root record of the current tree and its generation
	Head = core.Head

	// Result describes a single compaction pass
	Result = core.Result

	// CompactionResult describes a compaction driven by a Store
	CompactionResult = core.CompactionResult

	// CleanupResult describes a cleanup run
	CleanupResult = core.CleanupResult

	// Compactor copies trees one node at a time
	Compactor = *core.Compactor

	// ParallelCompactor copies trees with a pool of workers
	ParallelCompactor = *core.ParallelCompactor
)

// Tree types
type (
	// Node is an in-memory tree node used to build and edit trees
	Node = *segment.MemNode

	// NodeState is a read-only view of a node, in memory or stored
	NodeState = segment.NodeState

	// Value is a single property value
	Value = segment.Value

	// RecordID addresses a record in a segment
	RecordID = segment.RecordID

	// BlobID identifies binary content held outside the segments
	BlobID = blob.ID

	// Tag is the generation a record was written in
	Tag = generation.Tag

	// Kind selects a tail or a full compaction
	Kind = generation.Kind

	// Canceller decides whether a running pass must stop
	Canceller = cancel.Canceller
)

// Compaction kinds
const (
	Tail = generation.Tail
	Full = generation.Full
)

// Writer pool disciplines
const (
	SharedPool         = writerpool.Shared
	ThreadSpecificPool = writerpool.ThreadSpecific
)

// Errors returned by the store and the compactors
var (
	ErrBlobUnresolvable   = core.ErrBlobUnresolvable
	ErrInvalidConcurrency = core.ErrInvalidConcurrency
	ErrClosed             = core.ErrClosed
	ErrNoHead             = core.ErrNoHead
)

// Open opens a store over opts.SegmentStore and restores its head.
func Open(opts Options) (*Store, error) {
	return core.Open(opts)
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return core.DefaultOptions()
}

// NewNode creates an empty in-memory node.
func NewNode() Node {
	return segment.NewMemNode()
}

// Edit returns an editable copy of ns. Untouched children stay stored.
func Edit(ns NodeState) (Node, error) {
	return segment.Edit(ns)
}

// Equal reports whether two trees hold the same nodes and properties.
func Equal(a, b NodeState) (bool, error) {
	return segment.Equal(a, b)
}

// Value constructors
func StringValue(s string) Value  { return segment.StringValue(s) }
func LongValue(n int64) Value     { return segment.LongValue(n) }
func DoubleValue(f float64) Value { return segment.DoubleValue(f) }
func BoolValue(b bool) Value      { return segment.BoolValue(b) }
func BinaryValue(id BlobID) Value { return segment.BinaryValue(id) }

// Cancellation sources
func Never() Canceller                                  { return cancel.Never() }
func NewFlag() *cancel.Flag                             { return cancel.NewFlag() }
func Condition(reason string, fn func() bool) Canceller { return cancel.Condition(reason, fn) }
func Any(sources ...Canceller) Canceller                { return cancel.Any(sources...) }
