package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ChunkState is the lifecycle tag stored in the first word of every chunk
// header.
type ChunkState uint32

const (
	ChunkFree ChunkState = iota
	ChunkBeingWritten
	ChunkComplete
	ChunkBeingRead
)

// String returns the lowercase state name.
func (s ChunkState) String() string {
	switch s {
	case ChunkFree:
		return "free"
	case ChunkBeingWritten:
		return "being_written"
	case ChunkComplete:
		return "complete"
	case ChunkBeingRead:
		return "being_read"
	default:
		return "invalid"
	}
}

// Chunk header wire layout (16 bytes, little-endian):
//
//	uint32 state      // ChunkState; atomic access only
//	uint16 bufferID   // target central buffer
//	uint16 reserved   // zero
//	uint32 writeSeq   // monotonic per-producer write sequence
//	uint32 payloadLen // payload bytes following the header
//
// This layout must stay bit-compatible with external producer
// implementations.
const (
	ChunkHeaderSize = 16

	stateOffset      = 0
	bufferIDOffset   = 4
	writeSeqOffset   = 8
	payloadLenOffset = 12
)

// Write errors.
var (
	ErrPayloadTooLarge = errors.New("shm: payload exceeds chunk capacity")
	ErrNoFreeChunk     = errors.New("shm: no free chunk in arena")
)

// Arena interprets a shared-memory region as pages of chunks. It holds no
// state beyond the layout; all chunk state lives in the region itself.
type Arena struct {
	mem           []byte
	pageSize      int
	chunksPerPage int
	chunkSize     int
	numPages      int
}

// NewArena validates the layout and wraps the region. The page size and the
// number of chunks per page are negotiated at connection time; pageSize must
// divide the region and chunks must come out word-aligned so the state tag
// can be accessed atomically.
func NewArena(mem []byte, pageSize, chunksPerPage int) (*Arena, error) {
	if pageSize <= 0 || len(mem) == 0 || len(mem)%pageSize != 0 {
		return nil, fmt.Errorf("%w: region %d page %d", ErrBadSize, len(mem), pageSize)
	}
	if chunksPerPage <= 0 || pageSize%chunksPerPage != 0 {
		return nil, fmt.Errorf("%w: page %d chunks %d", ErrBadChunkLayout, pageSize, chunksPerPage)
	}
	chunkSize := pageSize / chunksPerPage
	if chunkSize <= ChunkHeaderSize || chunkSize%4 != 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrBadChunkLayout, chunkSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrUnaligned
	}
	return &Arena{
		mem:           mem,
		pageSize:      pageSize,
		chunksPerPage: chunksPerPage,
		chunkSize:     chunkSize,
		numPages:      len(mem) / pageSize,
	}, nil
}

// NumPages returns the number of pages in the arena.
func (a *Arena) NumPages() int { return a.numPages }

// ChunksPerPage returns the number of chunks each page is divided into.
func (a *Arena) ChunksPerPage() int { return a.chunksPerPage }

// PayloadCapacity returns the usable payload bytes per chunk.
func (a *Arena) PayloadCapacity() int { return a.chunkSize - ChunkHeaderSize }

// Chunk returns a view of one chunk. Page and index must be in range.
func (a *Arena) Chunk(page, idx int) Chunk {
	off := page*a.pageSize + idx*a.chunkSize
	return Chunk{buf: a.mem[off : off+a.chunkSize]}
}

// AcquireComplete scans exactly one page and flips every Complete chunk to
// BeingRead, returning the acquired chunks plus the number of chunks that
// were observed still BeingWritten. Those torn chunks are skipped, not
// copied; the producer will notify again once they complete. The caller must
// Release every returned chunk after copying its payload.
func (a *Arena) AcquireComplete(page int) ([]Chunk, int) {
	var acquired []Chunk
	torn := 0
	for i := 0; i < a.chunksPerPage; i++ {
		c := a.Chunk(page, i)
		if c.tryTransition(ChunkComplete, ChunkBeingRead) {
			acquired = append(acquired, c)
		} else if c.State() == ChunkBeingWritten {
			torn++
		}
	}
	return acquired, torn
}

// Chunk is a view over one chunk's bytes, header included.
type Chunk struct {
	buf []byte
}

func (c Chunk) statePtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.buf[stateOffset]))
}

// State atomically loads the chunk's state tag. The load carries acquire
// semantics: once Complete is observed, the payload writes that preceded the
// producer's release store are visible.
func (c Chunk) State() ChunkState {
	return ChunkState(atomic.LoadUint32(c.statePtr()))
}

func (c Chunk) tryTransition(from, to ChunkState) bool {
	return atomic.CompareAndSwapUint32(c.statePtr(), uint32(from), uint32(to))
}

// TryBeginWrite is the producer-side Free → BeingWritten transition.
func (c Chunk) TryBeginWrite() bool {
	return c.tryTransition(ChunkFree, ChunkBeingWritten)
}

// CommitWrite fills the header fields and payload, then publishes the chunk
// with a release store of Complete. Only valid on a chunk this writer moved
// to BeingWritten.
func (c Chunk) CommitWrite(bufferID uint16, writeSeq uint32, payload []byte) error {
	if len(payload) > len(c.buf)-ChunkHeaderSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), len(c.buf)-ChunkHeaderSize)
	}
	binary.LittleEndian.PutUint16(c.buf[bufferIDOffset:], bufferID)
	binary.LittleEndian.PutUint16(c.buf[bufferIDOffset+2:], 0)
	binary.LittleEndian.PutUint32(c.buf[writeSeqOffset:], writeSeq)
	binary.LittleEndian.PutUint32(c.buf[payloadLenOffset:], uint32(len(payload)))
	copy(c.buf[ChunkHeaderSize:], payload)
	// Release store: all writes above happen-before any acquire load that
	// observes Complete.
	atomic.StoreUint32(c.statePtr(), uint32(ChunkComplete))
	return nil
}

// Release is the service-side BeingRead → Free transition, made after the
// payload has been copied out.
func (c Chunk) Release() {
	atomic.StoreUint32(c.statePtr(), uint32(ChunkFree))
}

// BufferID reads the target buffer ID from the header. Valid only between
// an AcquireComplete and the matching Release.
func (c Chunk) BufferID() uint16 {
	return binary.LittleEndian.Uint16(c.buf[bufferIDOffset:])
}

// WriteSeq reads the producer's write sequence number from the header.
func (c Chunk) WriteSeq() uint32 {
	return binary.LittleEndian.Uint32(c.buf[writeSeqOffset:])
}

// Payload returns the payload bytes recorded in the header. The returned
// slice aliases shared memory; it is valid only until Release.
func (c Chunk) Payload() []byte {
	n := binary.LittleEndian.Uint32(c.buf[payloadLenOffset:])
	if int(n) > len(c.buf)-ChunkHeaderSize {
		n = uint32(len(c.buf) - ChunkHeaderSize)
	}
	return c.buf[ChunkHeaderSize : ChunkHeaderSize+int(n)]
}
