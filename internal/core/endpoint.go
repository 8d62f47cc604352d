package core

import (
	"github.com/tracehub/tracehub/internal/shm"
	"github.com/tracehub/tracehub/internal/types"
)

// Producer is the callback sink the external producer-side library provides
// when connecting. The service invokes it from the task-runner context;
// implementations must not call back into the endpoint synchronously.
type Producer interface {
	OnConnect()
	OnDisconnect()

	// CreateDataSourceInstance instructs the producer to start one
	// activation of a registered data source, writing into target.
	CreateDataSourceInstance(id types.DataSourceInstanceID, cfg types.DataSourceConfig, target types.BufferID)

	// TearDownDataSourceInstance instructs the producer to stop an
	// activation. Fire-and-forget: late data flushed afterwards is still
	// accepted until the owning session frees its buffers.
	TearDownDataSourceInstance(id types.DataSourceInstanceID)
}

// Consumer is the callback sink for the consumer side.
type Consumer interface {
	OnConnect()
	OnDisconnect()

	// OnTraceData delivers one batch of trace buffer pages in write order.
	// hasMore reports whether further batches follow for the same
	// ReadBuffers call.
	OnTraceData(pages [][]byte, hasMore bool)
}

// ProducerEndpoint is the per-producer service handle.
type ProducerEndpoint interface {
	// ID returns the producer's service-wide identifier.
	ID() types.ProducerID

	// RegisterDataSource adds a named data source to the service registry
	// and returns its producer-local ID. Duplicate names are legal; the
	// registry is name -> list.
	RegisterDataSource(desc types.DataSourceDescriptor) (types.DataSourceID, error)

	// UnregisterDataSource removes a registry entry. Instances already
	// activated in live sessions are orphaned, not torn down.
	UnregisterDataSource(id types.DataSourceID) error

	// NotifySharedMemoryUpdate signals that the listed arena pages contain
	// Complete chunks ready for collection. Exactly those pages are
	// scanned; chunks still being written are deferred.
	NotifySharedMemoryUpdate(changedPages []uint32) error

	// CreateTraceWriter returns a writer that commits chunks destined for
	// one central buffer into this producer's arena.
	CreateTraceWriter(target types.BufferID) (*shm.TraceWriter, error)

	// SharedMemory exposes the negotiated region.
	SharedMemory() shm.SharedMemory

	// Close disconnects the producer, purging its registrations and its
	// instances from every live session.
	Close() error
}

// ConsumerEndpoint is the per-consumer service handle.
type ConsumerEndpoint interface {
	// EnableTracing creates and starts a tracing session from the config.
	// Rejected with ErrSessionAlreadyActive if one is live.
	EnableTracing(cfg types.TraceConfig) error

	// DisableTracing instructs producers to stop this session's instances.
	DisableTracing() error

	// ReadBuffers drains the session's buffers to the Consumer sink via
	// OnTraceData. Repeatable while the session is live.
	ReadBuffers() error

	// FreeBuffers releases the session's buffers and IDs and ends it.
	FreeBuffers() error

	// Close disconnects the consumer, implicitly disabling and freeing any
	// live session.
	Close() error
}
