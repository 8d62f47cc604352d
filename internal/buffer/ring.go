// Package buffer implements the service-owned central trace buffer: a ring
// of fixed-size pages that aggregates chunks copied out of producers' shared
// memory. The ring is bounded and lossy under pressure — writing past the
// last page wraps to the first and silently overwrites the oldest page.
package buffer

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned when the total size is not an exact multiple of
// the page size.
var ErrInvalidSize = errors.New("buffer: size is not a multiple of the page size")

// Ring is a fixed-size page ring. It owns its backing memory exclusively and
// is never shared across sessions. Not safe for concurrent use; the service
// core accesses it from its single task-runner context.
type Ring struct {
	data     []byte
	pageSize int
	numPages int

	cur     int    // next page index to fill; always in [0, numPages)
	lens    []int  // valid payload bytes per page
	written uint64 // total pages ever written, used to detect wrap
}

// NewRing allocates a ring of totalSize bytes divided into pageSize pages.
func NewRing(totalSize, pageSize int) (*Ring, error) {
	if pageSize <= 0 || totalSize <= 0 || totalSize%pageSize != 0 {
		return nil, fmt.Errorf("%w: total %d page %d", ErrInvalidSize, totalSize, pageSize)
	}
	n := totalSize / pageSize
	return &Ring{
		data:     make([]byte, totalSize),
		pageSize: pageSize,
		numPages: n,
		lens:     make([]int, n),
	}, nil
}

// NumPages returns the number of page slots in the ring.
func (r *Ring) NumPages() int { return r.numPages }

// PageSize returns the size of one page slot.
func (r *Ring) PageSize() int { return r.pageSize }

// PagesWritten returns the total number of pages ever written, including
// overwritten ones.
func (r *Ring) PagesWritten() uint64 { return r.written }

// WritePage copies one page's worth of bytes into the current slot and
// advances the cursor, wrapping past the last page. The previous occupant of
// a wrapped slot is discarded. Payloads longer than the page size are
// truncated to it. Returns the slot index written.
func (r *Ring) WritePage(p []byte) int {
	idx := r.cur
	slot := r.data[idx*r.pageSize : (idx+1)*r.pageSize]
	n := copy(slot, p)
	r.lens[idx] = n
	if r.cur == r.numPages-1 {
		r.cur = 0
	} else {
		r.cur++
	}
	r.written++
	return idx
}

// ReadAll returns copies of every still-valid page, oldest first. It does
// not mutate the ring, so repeated calls observe the same contents until the
// next write.
func (r *Ring) ReadAll() [][]byte {
	if r.written == 0 {
		return nil
	}

	var order []int
	if r.written <= uint64(r.numPages) {
		// Not yet wrapped: pages 0..cur-1 in write order.
		for i := 0; i < int(r.written); i++ {
			order = append(order, i)
		}
	} else {
		// Wrapped: the cursor slot holds the oldest surviving page.
		for i := 0; i < r.numPages; i++ {
			order = append(order, (r.cur+i)%r.numPages)
		}
	}

	pages := make([][]byte, 0, len(order))
	for _, idx := range order {
		page := make([]byte, r.lens[idx])
		copy(page, r.data[idx*r.pageSize:idx*r.pageSize+r.lens[idx]])
		pages = append(pages, page)
	}
	return pages
}
