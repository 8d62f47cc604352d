// Package shm implements the shared-memory arena ABI used to hand off trace
// chunks from producers to the service without locks.
//
// An arena is a span of equally sized pages; each page is split into a fixed
// number of equally sized chunks. Every chunk starts with a 16-byte header
// whose first word is an atomically accessed state tag. Ownership of state
// transitions is split: the producer alone moves a chunk
// Free → BeingWritten → Complete, the service alone moves it
// Complete → BeingRead → Free. Each side only writes states the other side
// only reads, which is what makes the handoff safe without a mutex. The
// atomic load of the state word is the synchronization point: payload bytes
// must never be touched until Complete has been observed.
package shm

import "errors"

// Construction errors, reported at arena-creation time rather than
// discovered later as data corruption.
var (
	ErrBadSize        = errors.New("shm: region size is not a multiple of the page size")
	ErrBadChunkLayout = errors.New("shm: page does not divide evenly into aligned chunks")
	ErrUnaligned      = errors.New("shm: region base is not word aligned")
)

// SharedMemory is one producer's negotiated region. The transport that maps
// it into both processes is an external collaborator; this core only needs
// byte access.
type SharedMemory interface {
	Bytes() []byte
	Size() int
}

// Factory creates shared-memory regions for new producer connections.
type Factory interface {
	New(size int) (SharedMemory, error)
}

type heapRegion struct {
	buf []byte
}

func (r *heapRegion) Bytes() []byte { return r.buf }
func (r *heapRegion) Size() int     { return len(r.buf) }

// HeapFactory allocates regions from the Go heap. It serves in-process
// producers and tests; a cross-process deployment substitutes an
// mmap-backed factory with the same interface.
type HeapFactory struct{}

// New allocates a zeroed region of the given size.
func (HeapFactory) New(size int) (SharedMemory, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	return &heapRegion{buf: make([]byte, size)}, nil
}
