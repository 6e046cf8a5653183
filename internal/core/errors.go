// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrBlobUnresolvable is returned when a binary property references a
	// blob the blob store cannot resolve. The pass is aborted.
	ErrBlobUnresolvable = errors.New("compaction: unresolvable blob reference")

	// ErrInvalidConcurrency is returned for a concurrency level below 1.
	ErrInvalidConcurrency = errors.New("compaction: concurrency must be at least 1")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("compaction: store closed")

	// ErrNoHead is returned when compacting a store nothing was written to.
	ErrNoHead = errors.New("compaction: store has no head")

	// errHeadMoved signals a retry of a compaction cycle.
	errHeadMoved = errors.New("compaction: head changed during compaction")
)

// incompleteError unwinds a cancelled pass. It never escapes the package.
type incompleteError struct {
	reason string
}

func (e *incompleteError) Error() string { return "compaction incomplete: " + e.reason }

// asIncomplete reports whether err is a cancelled pass and returns its reason.
func asIncomplete(err error) (string, bool) {
	var ie *incompleteError
	if errors.As(err, &ie) {
		return ie.reason, true
	}
	return "", false
}
