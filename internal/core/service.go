package core

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tracehub/tracehub/internal/buffer"
	"github.com/tracehub/tracehub/internal/infrastructure/logging"
	"github.com/tracehub/tracehub/internal/infrastructure/monitoring"
	"github.com/tracehub/tracehub/internal/runner"
	"github.com/tracehub/tracehub/internal/shared/id"
	"github.com/tracehub/tracehub/internal/shm"
	"github.com/tracehub/tracehub/internal/types"
)

// EventSink receives service lifecycle events. Optional.
type EventSink interface {
	Publish(types.Event)
}

// Options configures a Service.
type Options struct {
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics // optional
	Events     EventSink           // optional
	Runner     runner.TaskRunner
	ShmFactory shm.Factory

	// ArenaPageSize and ChunksPerPage define the shared-memory layout
	// negotiated with each producer. BufferPageSize sizes central buffer
	// ring slots. MaxBuffers bounds the global buffer ID space.
	ArenaPageSize  int
	ChunksPerPage  int
	BufferPageSize int
	MaxBuffers     uint32

	// DefaultShmSize is used when a producer connects without a size hint.
	DefaultShmSize int
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Runner == nil {
		o.Runner = runner.Immediate{}
	}
	if o.ShmFactory == nil {
		o.ShmFactory = shm.HeapFactory{}
	}
	if o.ArenaPageSize <= 0 {
		o.ArenaPageSize = 4096
	}
	if o.ChunksPerPage <= 0 {
		o.ChunksPerPage = 8
	}
	if o.BufferPageSize <= 0 {
		o.BufferPageSize = 4096
	}
	if o.MaxBuffers == 0 {
		o.MaxBuffers = 1024
	}
	if o.MaxBuffers > math.MaxUint16 {
		// BufferID is 16 bits in the chunk header; an allocator ranging
		// beyond that would alias live buffers after truncation.
		o.MaxBuffers = math.MaxUint16
	}
	if o.DefaultShmSize <= 0 {
		o.DefaultShmSize = 64 * o.ArenaPageSize
	}
}

// registeredDataSource is one (producer, data source, descriptor) registry
// entry. The registry maps name -> list because multiple producers may
// register the same name.
type registeredDataSource struct {
	producerID   types.ProducerID
	dataSourceID types.DataSourceID
	descriptor   types.DataSourceDescriptor
}

// bufferEntry routes a BufferID to its ring and owning session.
type bufferEntry struct {
	session *tracingSession
	ring    *buffer.Ring
}

// Service is the orchestrator: it owns all connections and sessions, matches
// data-source registrations against trace configs, and routes
// producer-delivered chunks into the correct central buffer.
//
// All fields below are touched only from the task runner.
type Service struct {
	opts Options
	log  *logging.Logger

	producerIDs id.Sequence
	instanceIDs id.Sequence
	bufferIDs   *id.Allocator

	producers   map[types.ProducerID]*producerConn
	consumers   map[*consumerConn]struct{}
	dataSources map[string][]registeredDataSource

	// buffers indexes every live central buffer service-wide; the key set
	// mirrors the allocator's live set.
	buffers map[types.BufferID]*bufferEntry
}

// New creates a Service.
func New(opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		opts:        opts,
		log:         opts.Logger,
		bufferIDs:   id.NewAllocator(opts.MaxBuffers),
		producers:   make(map[types.ProducerID]*producerConn),
		consumers:   make(map[*consumerConn]struct{}),
		dataSources: make(map[string][]registeredDataSource),
		buffers:     make(map[types.BufferID]*bufferEntry),
	}
}

// do runs fn on the service's task runner and waits for it, giving callers a
// synchronous API over the single-threaded core.
func (s *Service) do(fn func()) {
	runner.PostAndWait(s.opts.Runner, fn)
}

func (s *Service) publish(eventType string, payload map[string]interface{}) {
	if s.opts.Events != nil {
		s.opts.Events.Publish(types.Event{Type: eventType, Payload: payload})
	}
}

// ConnectProducer admits a producer, negotiates its shared-memory arena and
// returns its endpoint. The size hint is rounded up to a whole number of
// arena pages; zero means the configured default.
func (s *Service) ConnectProducer(sink Producer, identity string, shmSizeHint int) (ProducerEndpoint, error) {
	var (
		conn *producerConn
		err  error
	)
	s.do(func() {
		conn, err = s.connectProducer(sink, identity, shmSizeHint)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) connectProducer(sink Producer, identity string, shmSizeHint int) (*producerConn, error) {
	size := shmSizeHint
	if size <= 0 {
		size = s.opts.DefaultShmSize
	}
	if rem := size % s.opts.ArenaPageSize; rem != 0 {
		size += s.opts.ArenaPageSize - rem
	}

	region, err := s.opts.ShmFactory.New(size)
	if err != nil {
		return nil, fmt.Errorf("allocating shared memory: %w", err)
	}
	arena, err := shm.NewArena(region.Bytes(), s.opts.ArenaPageSize, s.opts.ChunksPerPage)
	if err != nil {
		return nil, fmt.Errorf("laying out arena: %w", err)
	}

	conn := newProducerConn(s, types.ProducerID(s.producerIDs.Next()), identity, sink, region, arena)
	s.producers[conn.id] = conn

	s.log.Info("producer connected",
		zap.Uint64("producer_id", uint64(conn.id)),
		zap.String("identity", identity),
		zap.Int("shm_size", size),
	)
	if m := s.opts.Metrics; m != nil {
		m.ProducersConnected.Inc()
	}
	s.publish(types.EventProducerConnected, map[string]interface{}{
		"producer_id": conn.id,
		"identity":    identity,
	})

	sink.OnConnect()
	return conn, nil
}

// ConnectConsumer admits a consumer and returns its endpoint.
func (s *Service) ConnectConsumer(sink Consumer, identity string) ConsumerEndpoint {
	var conn *consumerConn
	s.do(func() {
		conn = newConsumerConn(s, identity, sink)
		s.consumers[conn] = struct{}{}

		s.log.Info("consumer connected", zap.String("identity", identity))
		if m := s.opts.Metrics; m != nil {
			m.ConsumersConnected.Inc()
		}
		s.publish(types.EventConsumerConnected, map[string]interface{}{
			"identity": identity,
		})
		sink.OnConnect()
	})
	return conn
}

// ---- producer operations (called on the runner via producerConn) ----

func (s *Service) registerDataSource(p *producerConn, desc types.DataSourceDescriptor) (types.DataSourceID, error) {
	if s.producers[p.id] != p {
		return 0, ErrUnknownProducer
	}

	dsID := types.DataSourceID(p.dataSourceIDs.Next())
	s.dataSources[desc.Name] = append(s.dataSources[desc.Name], registeredDataSource{
		producerID:   p.id,
		dataSourceID: dsID,
		descriptor:   desc,
	})

	s.log.Info("data source registered",
		zap.Uint64("producer_id", uint64(p.id)),
		zap.Uint64("data_source_id", uint64(dsID)),
		zap.String("name", desc.Name),
	)
	if m := s.opts.Metrics; m != nil {
		m.DataSources.Inc()
	}
	s.publish(types.EventDataSourceRegistered, map[string]interface{}{
		"producer_id": p.id,
		"name":        desc.Name,
	})
	return dsID, nil
}

func (s *Service) unregisterDataSource(p *producerConn, dsID types.DataSourceID) error {
	if s.producers[p.id] != p {
		return ErrUnknownProducer
	}

	for name, entries := range s.dataSources {
		for i, e := range entries {
			if e.producerID != p.id || e.dataSourceID != dsID {
				continue
			}
			s.dataSources[name] = append(entries[:i], entries[i+1:]...)
			if len(s.dataSources[name]) == 0 {
				delete(s.dataSources, name)
			}

			// Instances of this source in live sessions become
			// orphaned; they are pruned when the producer
			// disconnects or the session is freed.
			s.log.Info("data source unregistered",
				zap.Uint64("producer_id", uint64(p.id)),
				zap.String("name", name),
			)
			if m := s.opts.Metrics; m != nil {
				m.DataSources.Dec()
			}
			s.publish(types.EventDataSourceRemoved, map[string]interface{}{
				"producer_id": p.id,
				"name":        name,
			})
			return nil
		}
	}

	s.log.Warn("unregister of unknown data source",
		zap.Uint64("producer_id", uint64(p.id)),
		zap.Uint64("data_source_id", uint64(dsID)),
	)
	return nil
}

// notifySharedMemoryUpdate scans exactly the indicated arena pages for
// Complete chunks and copies each into its target central buffer before
// releasing it back to the producer. Chunks still being written are
// deferred; chunks naming a freed buffer are dropped but still reclaimed.
func (s *Service) notifySharedMemoryUpdate(p *producerConn, changedPages []uint32) error {
	if s.producers[p.id] != p || p.arena == nil {
		return ErrUnknownProducer
	}

	for _, page := range changedPages {
		if int(page) >= p.arena.NumPages() {
			s.log.Warn("page index out of range",
				zap.Uint64("producer_id", uint64(p.id)),
				zap.Uint32("page", page),
			)
			continue
		}

		chunks, torn := p.arena.AcquireComplete(int(page))
		if torn > 0 {
			// Not an error: deferred chunks are revisited on the
			// producer's next notification.
			s.log.Debug("torn chunks deferred",
				zap.Uint64("producer_id", uint64(p.id)),
				zap.Uint32("page", page),
				zap.Int("count", torn),
			)
			if m := s.opts.Metrics; m != nil {
				m.TornChunksSkipped.Add(float64(torn))
			}
		}

		for _, c := range chunks {
			s.copyChunk(p, c)
			c.Release()
		}
	}
	return nil
}

func (s *Service) copyChunk(p *producerConn, c shm.Chunk) {
	target := types.BufferID(c.BufferID())
	entry, ok := s.buffers[target]
	if !ok {
		// The session owning this buffer was freed after the producer
		// committed the chunk. Drop the payload; the chunk itself is
		// still reclaimed by the caller.
		s.log.Debug("chunk for freed buffer dropped",
			zap.Uint64("producer_id", uint64(p.id)),
			zap.Uint16("buffer_id", uint16(target)),
		)
		if m := s.opts.Metrics; m != nil {
			m.StaleChunksDropped.Inc()
		}
		return
	}

	payload := c.Payload()
	entry.ring.WritePage(payload)
	if m := s.opts.Metrics; m != nil {
		m.ChunksCopied.Inc()
		m.ChunkBytesCopied.Add(float64(len(payload)))
		m.PagesWritten.Inc()
	}
}

func (s *Service) createTraceWriter(p *producerConn, target types.BufferID) (*shm.TraceWriter, error) {
	if s.producers[p.id] != p || p.arena == nil {
		return nil, ErrUnknownProducer
	}
	return shm.NewTraceWriter(p.arena, uint16(target), &p.writeSeq), nil
}

// disconnectProducer purges every trace of the producer: its registry
// entries, its instances in every live session, and its arena. Idempotent.
func (s *Service) disconnectProducer(p *producerConn) {
	if s.producers[p.id] != p {
		return
	}
	delete(s.producers, p.id)

	removed := 0
	for name, entries := range s.dataSources {
		kept := entries[:0]
		for _, e := range entries {
			if e.producerID == p.id {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.dataSources, name)
		} else {
			s.dataSources[name] = kept
		}
	}

	for conn := range s.consumers {
		if conn.session != nil {
			delete(conn.session.instances, p.id)
		}
	}

	// The arena is made inert, not destroyed: the producer process may
	// still hold a mapping, but the service stops reading it.
	p.arena = nil
	p.shmem = nil

	s.log.Info("producer disconnected",
		zap.Uint64("producer_id", uint64(p.id)),
		zap.Int("data_sources_removed", removed),
	)
	if m := s.opts.Metrics; m != nil {
		m.ProducersConnected.Dec()
		m.DataSources.Sub(float64(removed))
	}
	s.publish(types.EventProducerDisconnected, map[string]interface{}{
		"producer_id": p.id,
	})
	p.sink.OnDisconnect()
}

// ---- consumer operations (called on the runner via consumerConn) ----

// enableTracing creates the session, allocates its buffers and fans each
// requested data source out to every producer that registered the name
// before this call. Later registrations do not retroactively join.
func (s *Service) enableTracing(c *consumerConn, cfg types.TraceConfig) error {
	if _, ok := s.consumers[c]; !ok {
		return ErrUnknownConsumer
	}
	if c.session != nil {
		return ErrSessionAlreadyActive
	}

	session := newTracingSession(id.NewSessionID(), cfg)

	rollback := func() {
		for _, bid := range session.bufferOrder {
			_ = s.bufferIDs.Free(uint32(bid))
			delete(s.buffers, bid)
		}
		if m := s.opts.Metrics; m != nil {
			m.BuffersAllocated.Sub(float64(len(session.bufferOrder)))
		}
	}

	for _, bcfg := range cfg.Buffers {
		raw, err := s.bufferIDs.Allocate()
		if err != nil {
			rollback()
			return fmt.Errorf("%w: %v", ErrBufferIDsExhausted, err)
		}
		bid := types.BufferID(raw)

		ring, err := buffer.NewRing(int(bcfg.SizeBytes), s.opts.BufferPageSize)
		if err != nil {
			_ = s.bufferIDs.Free(raw)
			rollback()
			return fmt.Errorf("allocating trace buffer: %w", err)
		}

		session.buffers[bid] = ring
		session.bufferOrder = append(session.bufferOrder, bid)
		s.buffers[bid] = &bufferEntry{session: session, ring: ring}
		if m := s.opts.Metrics; m != nil {
			m.BuffersAllocated.Inc()
		}
	}

	for _, dsCfg := range cfg.DataSources {
		entries := s.dataSources[dsCfg.Name]
		if len(entries) == 0 {
			s.log.Info("data source not found, session proceeds without it",
				zap.String("session_id", session.id),
				zap.String("name", dsCfg.Name),
				zap.Error(ErrDataSourceNotFound),
			)
			continue
		}

		target, ok := session.targetBuffer(dsCfg.TargetBuffer)
		if !ok {
			s.log.Warn("session has no buffers, skipping data source",
				zap.String("session_id", session.id),
				zap.String("name", dsCfg.Name),
			)
			continue
		}

		for _, e := range entries {
			p, connected := s.producers[e.producerID]
			if !connected {
				continue
			}
			instID := types.DataSourceInstanceID(s.instanceIDs.Next())
			session.instances[p.id] = append(session.instances[p.id], instID)
			p.sink.CreateDataSourceInstance(instID, dsCfg, target)
		}
	}

	c.session = session
	s.setSessionState(session, types.SessionStarted)

	s.log.Info("tracing enabled",
		zap.String("session_id", session.id),
		zap.Int("buffers", len(session.bufferOrder)),
		zap.Int("instances", session.instanceCount()),
	)
	if m := s.opts.Metrics; m != nil {
		m.SessionsActive.Inc()
		m.SessionsStarted.Inc()
	}
	return nil
}

func (s *Service) disableTracing(c *consumerConn) error {
	session := c.session
	if session == nil || session.state != types.SessionStarted {
		return ErrInvalidSessionState
	}

	for pid, instances := range session.instances {
		p, connected := s.producers[pid]
		if !connected {
			continue
		}
		for _, instID := range instances {
			p.sink.TearDownDataSourceInstance(instID)
		}
	}

	// Fire-and-forget: producers may still flush late data, which is
	// accepted until FreeBuffers.
	s.setSessionState(session, types.SessionStopping)
	s.log.Info("tracing disabled", zap.String("session_id", session.id))
	return nil
}

func (s *Service) readBuffers(c *consumerConn) error {
	session := c.session
	if session == nil || session.state == types.SessionFreed {
		return ErrInvalidSessionState
	}

	totalBytes := 0
	for i, bid := range session.bufferOrder {
		pages := session.buffers[bid].ReadAll()
		for _, p := range pages {
			totalBytes += len(p)
		}
		c.sink.OnTraceData(pages, i < len(session.bufferOrder)-1)
	}
	if len(session.bufferOrder) == 0 {
		c.sink.OnTraceData(nil, false)
	}

	s.log.Debug("buffers read",
		zap.String("session_id", session.id),
		zap.Int("bytes", totalBytes),
	)
	if m := s.opts.Metrics; m != nil {
		m.ReadBytes.Observe(float64(totalBytes))
	}
	return nil
}

func (s *Service) freeBuffers(c *consumerConn) error {
	session := c.session
	if session == nil {
		return ErrInvalidSessionState
	}

	for _, bid := range session.bufferOrder {
		if err := s.bufferIDs.Free(uint32(bid)); err != nil {
			s.log.Error("buffer ID bookkeeping mismatch", zap.Error(err))
		}
		delete(s.buffers, bid)
	}
	if m := s.opts.Metrics; m != nil {
		m.BuffersAllocated.Sub(float64(len(session.bufferOrder)))
		m.SessionsActive.Dec()
		m.SessionsFreed.Inc()
	}

	s.setSessionState(session, types.SessionFreed)
	c.session = nil

	s.log.Info("session freed", zap.String("session_id", session.id))
	return nil
}

func (s *Service) disconnectConsumer(c *consumerConn) {
	if _, ok := s.consumers[c]; !ok {
		return
	}

	if c.session != nil {
		if c.session.state == types.SessionStarted {
			_ = s.disableTracing(c)
		}
		_ = s.freeBuffers(c)
	}
	delete(s.consumers, c)

	s.log.Info("consumer disconnected", zap.String("identity", c.identity))
	if m := s.opts.Metrics; m != nil {
		m.ConsumersConnected.Dec()
	}
	s.publish(types.EventConsumerDisconnected, map[string]interface{}{
		"identity": c.identity,
	})
	c.sink.OnDisconnect()
}

func (s *Service) setSessionState(session *tracingSession, state types.SessionState) {
	session.state = state
	s.publish(types.EventSessionStateChanged, map[string]interface{}{
		"session_id": session.id,
		"state":      state.String(),
	})
}

// ---- introspection (admin API and tests) ----

// NumProducers returns the number of connected producers.
func (s *Service) NumProducers() int {
	var n int
	s.do(func() { n = len(s.producers) })
	return n
}

// Stats returns a snapshot for the admin API.
func (s *Service) Stats() types.ServiceStats {
	var stats types.ServiceStats
	s.do(func() {
		dataSources := 0
		for _, entries := range s.dataSources {
			dataSources += len(entries)
		}
		states := make(map[string]string)
		sessions := 0
		for conn := range s.consumers {
			if conn.session != nil {
				sessions++
				states[conn.session.id] = conn.session.state.String()
			}
		}
		stats = types.ServiceStats{
			Producers:        len(s.producers),
			Consumers:        len(s.consumers),
			Sessions:         sessions,
			DataSources:      dataSources,
			BuffersAllocated: len(s.buffers),
			SessionStates:    states,
		}
	})
	return stats
}

// ExportSession drains a live session's buffers by admin session ID, oldest
// pages first, without mutating them. Used by the trace download endpoint.
func (s *Service) ExportSession(sessionID string) ([][]byte, error) {
	var (
		pages [][]byte
		err   error
	)
	s.do(func() {
		for conn := range s.consumers {
			session := conn.session
			if session == nil || session.id != sessionID {
				continue
			}
			for _, bid := range session.bufferOrder {
				pages = append(pages, session.buffers[bid].ReadAll()...)
			}
			return
		}
		err = fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	})
	return pages, err
}
