// Package id provides identifier generation for the tracing service.
//
// Two kinds of identifiers live here:
//   - Allocator: a bounded smallest-free integer allocator used for buffer
//     IDs, which must be recycled because the ID space is small and buffer
//     IDs travel inside fixed-width chunk headers.
//   - Sequence: a plain monotonic counter for producer, data source and
//     instance IDs, which are never recycled while the owner is live.
//
// Allocator and Sequence carry no internal locking: the service core calls
// them from a single task-runner context. Both are plain struct state so
// tests can run multiple independent service instances.
package id

import (
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
)

// Allocation errors.
var (
	// ErrExhausted is returned by Allocate when every ID in the range is
	// outstanding.
	ErrExhausted = errors.New("id: allocator exhausted")

	// ErrNotAllocated is returned by Free for an ID that is not currently
	// outstanding (double free or never allocated).
	ErrNotAllocated = errors.New("id: not allocated")
)

// MaxID is the top of any allocator's range. Allocated IDs travel inside
// uint16 chunk-header fields, so an ID the header cannot carry must never
// be handed out.
const MaxID = math.MaxUint16

// Allocator hands out the smallest currently-unused ID in [1, max].
// ID 0 is reserved as invalid.
type Allocator struct {
	inUse []bool // index 0 unused; inUse[i] tracks ID i
	live  int
}

// NewAllocator creates an allocator over the range [1, max]. Ranges beyond
// MaxID are clamped to it.
func NewAllocator(max uint32) *Allocator {
	if max > MaxID {
		max = MaxID
	}
	return &Allocator{inUse: make([]bool, max+1)}
}

// Cap returns the largest ID the allocator can hand out.
func (a *Allocator) Cap() uint32 { return uint32(len(a.inUse) - 1) }

// Allocate returns the smallest free ID, or ErrExhausted when all IDs in the
// range are outstanding.
func (a *Allocator) Allocate() (uint32, error) {
	for i := 1; i < len(a.inUse); i++ {
		if !a.inUse[i] {
			a.inUse[i] = true
			a.live++
			return uint32(i), nil
		}
	}
	return 0, ErrExhausted
}

// Free returns an ID to the pool. Freeing an ID that is not outstanding is
// reported, not silently absorbed, so bookkeeping bugs surface early.
func (a *Allocator) Free(id uint32) error {
	if id == 0 || int(id) >= len(a.inUse) || !a.inUse[id] {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	a.inUse[id] = false
	a.live--
	return nil
}

// Live returns the number of outstanding IDs.
func (a *Allocator) Live() int { return a.live }

// Sequence is a monotonic counter starting at 1. The zero value is ready to
// use.
type Sequence struct {
	last uint64
}

// Next returns the next ID in the sequence.
func (s *Sequence) Next() uint64 {
	s.last++
	return s.last
}

// Last returns the most recently issued ID, or 0 if none was issued.
func (s *Sequence) Last() uint64 { return s.last }

// SessionPrefix prefixes tracing session IDs for debuggable logs.
const SessionPrefix = "sess"

// NewSessionID generates a prefixed, lexicographically sortable session ID.
func NewSessionID() string {
	return fmt.Sprintf("%s_%s", SessionPrefix, ulid.Make().String())
}
