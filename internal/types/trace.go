package types

import "time"

// ProducerID identifies a connected producer. Assigned monotonically on
// connect and never reused while the producer is live.
type ProducerID uint64

// DataSourceID identifies a registered data source within one producer
// (producer-local sequence).
type DataSourceID uint64

// DataSourceInstanceID identifies one activation of a data source for a
// specific tracing session. The same data source can be activated by
// multiple concurrent sessions, each activation getting its own instance ID.
type DataSourceInstanceID uint64

// BufferID identifies one central trace buffer. Buffer IDs are global across
// all consumers because a producer can contribute to more than one session.
// The zero value is reserved as invalid.
type BufferID uint16

// DataSourceDescriptor describes a data source a producer offers. The name is
// the key trace configs match against; multiple producers may register data
// sources under the same name.
type DataSourceDescriptor struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// BufferConfig sizes one central trace buffer requested by a session.
type BufferConfig struct {
	SizeBytes  uint64 `json:"size_bytes"`
	FillPolicy string `json:"fill_policy,omitempty"` // hint only; buffers are ring-overwrite
}

// DataSourceConfig requests activation of data sources registered under Name.
// TargetBuffer indexes into TraceConfig.Buffers and selects which of the
// session's buffers that data source writes into.
type DataSourceConfig struct {
	Name         string            `json:"name"`
	TargetBuffer int               `json:"target_buffer"`
	Params       map[string]string `json:"params,omitempty"` // opaque to the service
}

// TraceConfig is the consumer's already-validated trace request.
type TraceConfig struct {
	Buffers     []BufferConfig     `json:"buffers"`
	DataSources []DataSourceConfig `json:"data_sources"`
}

// SessionState tracks the lifecycle of a tracing session.
type SessionState int

const (
	SessionConfigured SessionState = iota
	SessionStarted
	SessionStopping
	SessionFreed
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case SessionConfigured:
		return "configured"
	case SessionStarted:
		return "started"
	case SessionStopping:
		return "stopping"
	case SessionFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// ServiceStats is a point-in-time snapshot of the service, exposed by the
// admin API.
type ServiceStats struct {
	Producers        int               `json:"producers"`
	Consumers        int               `json:"consumers"`
	Sessions         int               `json:"sessions"`
	DataSources      int               `json:"data_sources"`
	BuffersAllocated int               `json:"buffers_allocated"`
	SessionStates    map[string]string `json:"session_states,omitempty"`
}

// Event is a service lifecycle notification broadcast to admin clients.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event types published by the service core.
const (
	EventProducerConnected    = "producer_connected"
	EventProducerDisconnected = "producer_disconnected"
	EventConsumerConnected    = "consumer_connected"
	EventConsumerDisconnected = "consumer_disconnected"
	EventDataSourceRegistered = "data_source_registered"
	EventDataSourceRemoved    = "data_source_removed"
	EventSessionStateChanged  = "session_state_changed"
)
