// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"

	"github.com/kianostad/segcompact/internal/concurrency/generation"
	"github.com/kianostad/segcompact/internal/storage/segment"
)

// Result is the outcome of one compaction pass. A complete result carries the
// new root; an incomplete one carries the cancellation reason and no root.
type Result struct {
	Root       segment.RecordID
	Tag        generation.Tag
	Incomplete bool
	Reason     string
	Stats      Stats
}

// Complete reports whether the pass produced a new root.
func (r Result) Complete() bool { return !r.Incomplete }

func (r Result) String() string {
	if r.Incomplete {
		return fmt.Sprintf("incomplete (%s)", r.Reason)
	}
	return fmt.Sprintf("compacted to %s in %s", r.Root, r.Tag)
}

// Stats counts what a pass wrote.
type Stats struct {
	Nodes      uint64
	Properties uint64
	Binaries   uint64
	// Reused counts subtrees taken from the compacted-record map instead of
	// being copied again.
	Reused uint64
	// Units is the number of work units a parallel pass was split into.
	Units  int
	Writer segment.WriterStats
}
