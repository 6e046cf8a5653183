// Licensed under the MIT License. See LICENSE file in the project root for details.

package generation

import (
	"sync"
)

// Registry tracks generations pinned by running compaction passes and
// readers, and reports the oldest one so cleanup knows what to retain.
type Registry struct {
	pinned map[Tag]int // tag -> pin count
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pinned: make(map[Tag]int),
	}
}

// Pin adds a reference to tag.
func (r *Registry) Pin(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[tag]++
}

// Unpin drops a reference to tag.
func (r *Registry) Unpin(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count, exists := r.pinned[tag]; exists {
		if count <= 1 {
			delete(r.pinned, tag)
		} else {
			r.pinned[tag] = count - 1
		}
	}
}

// Oldest returns the oldest pinned generation, or false when nothing is pinned.
func (r *Registry) Oldest() (Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		oldest Tag
		found  bool
	)
	for tag := range r.pinned {
		if !found || tag.Less(oldest) {
			oldest, found = tag, true
		}
	}
	return oldest, found
}

// Count returns the number of distinct pinned generations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pinned)
}
