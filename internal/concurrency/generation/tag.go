// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package generation provides GC generation tags and the bookkeeping that
// tells a cleanup phase which generations are still in use.
//
// Every segment written by the store carries a Tag. A compaction pass writes
// all of its segments with one target tag, produced by NextTail or NextFull
// from the tag of the current head. A later cleanup phase may reclaim segments
// whose tag is older than the oldest generation pinned in a Registry.
//
// # Ordering
//
// Tags order by Generation, then FullGeneration. The Compacted flag is
// informational and does not take part in ordering, but it does take part in
// equality: two tags with the same numbers and different flags are distinct
// values that Compare as equal.
//
// # Usage Examples
//
//	head := generation.NewTag(3, 1, false)
//	target := generation.NextFull(head) // (4, 2, true)
//
//	reg := generation.NewRegistry()
//	reg.Pin(target)
//	defer reg.Unpin(target)
//
//	oldest, ok := reg.Oldest()
package generation

import "fmt"

// Tag identifies the GC generation a record was written in.
type Tag struct {
	Generation     int32
	FullGeneration int32
	Compacted      bool
}

// NewTag creates a tag.
func NewTag(gen, full int32, compacted bool) Tag {
	return Tag{Generation: gen, FullGeneration: full, Compacted: compacted}
}

// Compare returns -1, 0 or +1. The Compacted flag is ignored.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Generation < o.Generation:
		return -1
	case t.Generation > o.Generation:
		return 1
	case t.FullGeneration < o.FullGeneration:
		return -1
	case t.FullGeneration > o.FullGeneration:
		return 1
	}
	return 0
}

// Less reports whether t orders strictly before o.
func (t Tag) Less(o Tag) bool { return t.Compare(o) < 0 }

func (t Tag) String() string {
	return fmt.Sprintf("Generation{generation=%d, fullGeneration=%d, isCompacted=%t}",
		t.Generation, t.FullGeneration, t.Compacted)
}

// Kind is the kind of GC pass a target generation is computed for.
type Kind int

const (
	// Tail compaction copies the whole head like Full does, but keeps the
	// current FullGeneration.
	Tail Kind = iota
	// Full compaction copies the whole head into a new full generation.
	Full
)

func (k Kind) String() string {
	switch k {
	case Tail:
		return "tail"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Next returns the target tag of a pass of the given kind.
func Next(prev Tag, kind Kind) Tag {
	if kind == Full {
		return NextFull(prev)
	}
	return NextTail(prev)
}

// NextTail returns the target generation of a tail compaction.
func NextTail(prev Tag) Tag {
	return Tag{Generation: prev.Generation + 1, FullGeneration: prev.FullGeneration, Compacted: true}
}

// NextFull returns the target generation of a full compaction.
func NextFull(prev Tag) Tag {
	return Tag{Generation: prev.Generation + 1, FullGeneration: prev.FullGeneration + 1, Compacted: true}
}

// NextWrite returns the tag used for regular, non-compacting writes on top of prev.
func NextWrite(prev Tag) Tag {
	return Tag{Generation: prev.Generation, FullGeneration: prev.FullGeneration}
}
