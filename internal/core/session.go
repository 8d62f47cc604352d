package core

import (
	"github.com/tracehub/tracehub/internal/buffer"
	"github.com/tracehub/tracehub/internal/types"
)

// tracingSession is the complete state bound to one consumer's trace
// request: the config, the data-source instances activated across producers,
// and the central buffers collecting their output. A session belongs to
// exactly one consumer connection.
type tracingSession struct {
	id     string
	config types.TraceConfig
	state  types.SessionState

	// instances maps each contributing producer to the data-source
	// instance IDs activated on it for this session. Entries are pruned
	// when their producer disconnects.
	instances map[types.ProducerID][]types.DataSourceInstanceID

	// buffers holds the session's central trace buffers. bufferOrder
	// preserves config order so data-source target indexes resolve
	// deterministically.
	buffers     map[types.BufferID]*buffer.Ring
	bufferOrder []types.BufferID
}

func newTracingSession(id string, cfg types.TraceConfig) *tracingSession {
	return &tracingSession{
		id:        id,
		config:    cfg,
		state:     types.SessionConfigured,
		instances: make(map[types.ProducerID][]types.DataSourceInstanceID),
		buffers:   make(map[types.BufferID]*buffer.Ring),
	}
}

// targetBuffer resolves a data-source config's buffer index to an allocated
// BufferID. Out-of-range indexes fall back to the session's first buffer.
func (s *tracingSession) targetBuffer(idx int) (types.BufferID, bool) {
	if len(s.bufferOrder) == 0 {
		return 0, false
	}
	if idx < 0 || idx >= len(s.bufferOrder) {
		idx = 0
	}
	return s.bufferOrder[idx], true
}

// instanceCount returns the total activations across all producers.
func (s *tracingSession) instanceCount() int {
	n := 0
	for _, ids := range s.instances {
		n += len(ids)
	}
	return n
}
