package core

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tracehub/tracehub/internal/shared/id"
	"github.com/tracehub/tracehub/internal/shm"
	"github.com/tracehub/tracehub/internal/types"
)

// producerConn is the service-side state of one producer connection and the
// implementation behind its ProducerEndpoint. Exported methods post onto the
// service runner; all other fields are runner-confined, except writeSeq,
// which trace writers advance from the producer's own context.
type producerConn struct {
	svc      *Service
	id       types.ProducerID
	identity string
	token    string
	sink     Producer

	shmem shm.SharedMemory
	arena *shm.Arena

	dataSourceIDs id.Sequence
	writeSeq      atomic.Uint32
}

func newProducerConn(svc *Service, pid types.ProducerID, identity string, sink Producer, shmem shm.SharedMemory, arena *shm.Arena) *producerConn {
	return &producerConn{
		svc:      svc,
		id:       pid,
		identity: identity,
		token:    uuid.New().String(),
		sink:     sink,
		shmem:    shmem,
		arena:    arena,
	}
}

func (p *producerConn) ID() types.ProducerID { return p.id }

func (p *producerConn) RegisterDataSource(desc types.DataSourceDescriptor) (types.DataSourceID, error) {
	var (
		dsID types.DataSourceID
		err  error
	)
	p.svc.do(func() { dsID, err = p.svc.registerDataSource(p, desc) })
	return dsID, err
}

func (p *producerConn) UnregisterDataSource(dsID types.DataSourceID) error {
	var err error
	p.svc.do(func() { err = p.svc.unregisterDataSource(p, dsID) })
	return err
}

func (p *producerConn) NotifySharedMemoryUpdate(changedPages []uint32) error {
	var err error
	p.svc.do(func() { err = p.svc.notifySharedMemoryUpdate(p, changedPages) })
	return err
}

func (p *producerConn) CreateTraceWriter(target types.BufferID) (*shm.TraceWriter, error) {
	var (
		w   *shm.TraceWriter
		err error
	)
	p.svc.do(func() { w, err = p.svc.createTraceWriter(p, target) })
	return w, err
}

// SharedMemory returns the negotiated region, or nil once the connection has
// been closed.
func (p *producerConn) SharedMemory() shm.SharedMemory {
	var region shm.SharedMemory
	p.svc.do(func() { region = p.shmem })
	return region
}

func (p *producerConn) Close() error {
	p.svc.do(func() { p.svc.disconnectProducer(p) })
	return nil
}
