package shm

import "sync/atomic"

// TraceWriter is the producer-side helper that claims free chunks in the
// arena and commits payloads destined for one central buffer. A producer may
// hold several writers (one per target buffer); they share the producer's
// write-sequence counter so sequence numbers stay monotonic per producer.
//
// TraceWriter runs on the producer's own execution context. Its only
// coordination with the service is the per-chunk state protocol.
type TraceWriter struct {
	arena    *Arena
	bufferID uint16
	seq      *atomic.Uint32
	nextPage int // round-robin start position for the free-chunk scan
}

// NewTraceWriter creates a writer targeting one central buffer.
func NewTraceWriter(arena *Arena, bufferID uint16, seq *atomic.Uint32) *TraceWriter {
	return &TraceWriter{arena: arena, bufferID: bufferID, seq: seq}
}

// Write claims a free chunk, commits the payload into it and returns the
// index of the page that now holds a Complete chunk. The caller forwards
// that index to NotifySharedMemoryUpdate. Returns ErrNoFreeChunk when the
// arena is saturated (the producer should retry after the service reclaims)
// and ErrPayloadTooLarge for payloads that cannot fit any chunk.
func (w *TraceWriter) Write(payload []byte) (int, error) {
	if len(payload) > w.arena.PayloadCapacity() {
		return 0, ErrPayloadTooLarge
	}
	for n := 0; n < w.arena.NumPages(); n++ {
		page := (w.nextPage + n) % w.arena.NumPages()
		for i := 0; i < w.arena.ChunksPerPage(); i++ {
			c := w.arena.Chunk(page, i)
			if !c.TryBeginWrite() {
				continue
			}
			if err := c.CommitWrite(w.bufferID, w.seq.Add(1), payload); err != nil {
				// Cannot happen after the capacity check above, but
				// never leave a chunk stuck in BeingWritten.
				c.Release()
				return 0, err
			}
			w.nextPage = page
			return page, nil
		}
	}
	return 0, ErrNoFreeChunk
}
