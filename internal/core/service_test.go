package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tracehub/tracehub/internal/shm"
	"github.com/tracehub/tracehub/internal/types"
)

type createdInstance struct {
	id     types.DataSourceInstanceID
	cfg    types.DataSourceConfig
	target types.BufferID
}

type fakeProducer struct {
	connected    bool
	disconnected bool
	created      []createdInstance
	tornDown     []types.DataSourceInstanceID
}

func (f *fakeProducer) OnConnect()    { f.connected = true }
func (f *fakeProducer) OnDisconnect() { f.disconnected = true }
func (f *fakeProducer) CreateDataSourceInstance(id types.DataSourceInstanceID, cfg types.DataSourceConfig, target types.BufferID) {
	f.created = append(f.created, createdInstance{id: id, cfg: cfg, target: target})
}
func (f *fakeProducer) TearDownDataSourceInstance(id types.DataSourceInstanceID) {
	f.tornDown = append(f.tornDown, id)
}

type fakeConsumer struct {
	connected    bool
	disconnected bool
	batches      [][][]byte
}

func (f *fakeConsumer) OnConnect()    { f.connected = true }
func (f *fakeConsumer) OnDisconnect() { f.disconnected = true }
func (f *fakeConsumer) OnTraceData(pages [][]byte, hasMore bool) {
	f.batches = append(f.batches, pages)
}

// allPages flattens every delivered batch.
func (f *fakeConsumer) allPages() [][]byte {
	var out [][]byte
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func newTestService(t *testing.T, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		ArenaPageSize:  4096,
		ChunksPerPage:  8,
		BufferPageSize: 512,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func oneSourceConfig(name string, bufferSize uint64) types.TraceConfig {
	return types.TraceConfig{
		Buffers:     []types.BufferConfig{{SizeBytes: bufferSize}},
		DataSources: []types.DataSourceConfig{{Name: name}},
	}
}

func TestConnectLifecycle(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, err := svc.ConnectProducer(prod, "probe", 0)
	if err != nil {
		t.Fatalf("ConnectProducer failed: %v", err)
	}
	if !prod.connected {
		t.Error("producer sink did not receive OnConnect")
	}
	if pe.ID() == 0 {
		t.Error("producer ID should be nonzero")
	}
	if pe.SharedMemory() == nil {
		t.Error("producer should have a negotiated shared-memory region")
	}
	if svc.NumProducers() != 1 {
		t.Errorf("NumProducers = %d, want 1", svc.NumProducers())
	}

	cons := &fakeConsumer{}
	svc.ConnectConsumer(cons, "cli")
	if !cons.connected {
		t.Error("consumer sink did not receive OnConnect")
	}

	if err := pe.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !prod.disconnected {
		t.Error("producer sink did not receive OnDisconnect")
	}
	if svc.NumProducers() != 0 {
		t.Errorf("NumProducers after close = %d, want 0", svc.NumProducers())
	}
}

func TestProducerIDsAreNotReusedWhileLive(t *testing.T) {
	svc := newTestService(t, nil)

	a, _ := svc.ConnectProducer(&fakeProducer{}, "a", 0)
	b, _ := svc.ConnectProducer(&fakeProducer{}, "b", 0)
	if a.ID() == b.ID() {
		t.Fatalf("two live producers share ID %d", a.ID())
	}
	a.Close()
	c, _ := svc.ConnectProducer(&fakeProducer{}, "c", 0)
	if c.ID() == b.ID() {
		t.Fatalf("new producer reused live ID %d", b.ID())
	}
}

func TestOperationsOnClosedProducer(t *testing.T) {
	svc := newTestService(t, nil)
	pe, _ := svc.ConnectProducer(&fakeProducer{}, "probe", 0)
	pe.Close()

	if _, err := pe.RegisterDataSource(types.DataSourceDescriptor{Name: "x"}); !errors.Is(err, ErrUnknownProducer) {
		t.Errorf("RegisterDataSource after close = %v, want ErrUnknownProducer", err)
	}
	if err := pe.NotifySharedMemoryUpdate([]uint32{0}); !errors.Is(err, ErrUnknownProducer) {
		t.Errorf("NotifySharedMemoryUpdate after close = %v, want ErrUnknownProducer", err)
	}
	if _, err := pe.CreateTraceWriter(1); !errors.Is(err, ErrUnknownProducer) {
		t.Errorf("CreateTraceWriter after close = %v, want ErrUnknownProducer", err)
	}
}

func TestMatchingOnlyAtEnableTime(t *testing.T) {
	svc := newTestService(t, nil)
	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")

	// No producer registered "X" yet: the session starts with zero
	// instances and survives.
	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}
	if len(prod.created) != 0 {
		t.Fatalf("instances created before registration: %d", len(prod.created))
	}

	// Registering "X" afterwards does not retroactively join the session.
	if _, err := pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"}); err != nil {
		t.Fatalf("RegisterDataSource failed: %v", err)
	}
	if len(prod.created) != 0 {
		t.Fatalf("late registration retroactively joined session: %d instances", len(prod.created))
	}

	// A fresh session does match.
	ce.FreeBuffers()
	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); err != nil {
		t.Fatalf("second EnableTracing failed: %v", err)
	}
	if len(prod.created) != 1 {
		t.Fatalf("instances after matching enable = %d, want 1", len(prod.created))
	}
}

func TestMatchingFansOutAcrossProducers(t *testing.T) {
	svc := newTestService(t, nil)

	prodA := &fakeProducer{}
	peA, _ := svc.ConnectProducer(prodA, "a", 0)
	prodB := &fakeProducer{}
	peB, _ := svc.ConnectProducer(prodB, "b", 0)
	prodC := &fakeProducer{}
	svc.ConnectProducer(prodC, "c", 0)

	// Same name on two producers; third registers something else.
	peA.RegisterDataSource(types.DataSourceDescriptor{Name: "net.packets"})
	peB.RegisterDataSource(types.DataSourceDescriptor{Name: "net.packets"})
	peB.RegisterDataSource(types.DataSourceDescriptor{Name: "sched.switches"})

	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")
	if err := ce.EnableTracing(oneSourceConfig("net.packets", 2*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}

	if len(prodA.created) != 1 || len(prodB.created) != 1 {
		t.Errorf("fan-out = (%d, %d) instances, want (1, 1)", len(prodA.created), len(prodB.created))
	}
	if len(prodC.created) != 0 {
		t.Errorf("unmatched producer got %d instances", len(prodC.created))
	}
	if prodA.created[0].id == prodB.created[0].id {
		t.Error("instance IDs must be distinct per activation")
	}
}

func TestEnableTracingRejectsSecondSession(t *testing.T) {
	svc := newTestService(t, nil)
	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")

	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}
	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("second EnableTracing = %v, want ErrSessionAlreadyActive", err)
	}
}

func TestSessionStateMachine(t *testing.T) {
	svc := newTestService(t, nil)
	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")

	// No session yet.
	if err := ce.ReadBuffers(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("ReadBuffers without session = %v, want ErrInvalidSessionState", err)
	}
	if err := ce.DisableTracing(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("DisableTracing without session = %v, want ErrInvalidSessionState", err)
	}

	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}
	if err := ce.DisableTracing(); err != nil {
		t.Fatalf("DisableTracing failed: %v", err)
	}
	// Stopping: reads still legal, second disable is not.
	if err := ce.ReadBuffers(); err != nil {
		t.Errorf("ReadBuffers while stopping failed: %v", err)
	}
	if err := ce.DisableTracing(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("DisableTracing while stopping = %v, want ErrInvalidSessionState", err)
	}

	if err := ce.FreeBuffers(); err != nil {
		t.Fatalf("FreeBuffers failed: %v", err)
	}
	// Freed is terminal.
	if err := ce.ReadBuffers(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("ReadBuffers after free = %v, want ErrInvalidSessionState", err)
	}
	if err := ce.DisableTracing(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("DisableTracing after free = %v, want ErrInvalidSessionState", err)
	}
	if err := ce.FreeBuffers(); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("second FreeBuffers = %v, want ErrInvalidSessionState", err)
	}
}

func TestBufferExhaustionRollsBack(t *testing.T) {
	svc := newTestService(t, func(o *Options) { o.MaxBuffers = 1 })
	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")

	cfg := types.TraceConfig{
		Buffers: []types.BufferConfig{{SizeBytes: 2 * 512}, {SizeBytes: 2 * 512}},
	}
	if err := ce.EnableTracing(cfg); !errors.Is(err, ErrBufferIDsExhausted) {
		t.Fatalf("EnableTracing = %v, want ErrBufferIDsExhausted", err)
	}
	if got := svc.Stats().BuffersAllocated; got != 0 {
		t.Fatalf("buffers allocated after rollback = %d, want 0", got)
	}

	// The rolled-back IDs are available again.
	if err := ce.EnableTracing(oneSourceConfig("X", 2*512)); err != nil {
		t.Fatalf("EnableTracing after rollback failed: %v", err)
	}
}

func TestInvalidBufferSizeRollsBack(t *testing.T) {
	svc := newTestService(t, nil)
	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")

	cfg := types.TraceConfig{
		Buffers: []types.BufferConfig{{SizeBytes: 2 * 512}, {SizeBytes: 100}}, // second not page-aligned
	}
	if err := ce.EnableTracing(cfg); err == nil {
		t.Fatal("EnableTracing should reject a non-page-multiple buffer size")
	}
	if got := svc.Stats().BuffersAllocated; got != 0 {
		t.Fatalf("buffers allocated after rollback = %d, want 0", got)
	}
}

// writeThrough commits a payload through the producer's writer and notifies
// the service of the touched page.
func writeThrough(t *testing.T, pe ProducerEndpoint, w *shm.TraceWriter, payload []byte) {
	t.Helper()
	page, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := pe.NotifySharedMemoryUpdate([]uint32{uint32(page)}); err != nil {
		t.Fatalf("NotifySharedMemoryUpdate failed: %v", err)
	}
}

func TestChunkRoutingEndToEnd(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	if err := ce.EnableTracing(oneSourceConfig("X", 4*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}
	target := prod.created[0].target

	w, err := pe.CreateTraceWriter(target)
	if err != nil {
		t.Fatalf("CreateTraceWriter failed: %v", err)
	}
	want := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, payload := range want {
		writeThrough(t, pe, w, payload)
	}

	if err := ce.ReadBuffers(); err != nil {
		t.Fatalf("ReadBuffers failed: %v", err)
	}
	got := cons.allPages()
	if len(got) != len(want) {
		t.Fatalf("read %d pages, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("page %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPartialChunkNeverCopied(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	if err := ce.EnableTracing(oneSourceConfig("X", 4*512)); err != nil {
		t.Fatalf("EnableTracing failed: %v", err)
	}
	target := prod.created[0].target

	// Act as the external producer: map the same region and leave a chunk
	// in BeingWritten before notifying.
	arena, err := shm.NewArena(pe.SharedMemory().Bytes(), 4096, 8)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	c := arena.Chunk(0, 0)
	if !c.TryBeginWrite() {
		t.Fatal("TryBeginWrite failed")
	}
	if err := pe.NotifySharedMemoryUpdate([]uint32{0}); err != nil {
		t.Fatalf("NotifySharedMemoryUpdate failed: %v", err)
	}
	ce.ReadBuffers()
	if pages := cons.allPages(); len(pages) != 0 {
		t.Fatalf("torn chunk was copied: %d pages", len(pages))
	}

	// Once complete, the same chunk is copied exactly once.
	if err := c.CommitWrite(uint16(target), 1, []byte("finally")); err != nil {
		t.Fatalf("CommitWrite failed: %v", err)
	}
	pe.NotifySharedMemoryUpdate([]uint32{0})
	pe.NotifySharedMemoryUpdate([]uint32{0}) // second notify must not duplicate

	cons.batches = nil
	ce.ReadBuffers()
	pages := cons.allPages()
	if len(pages) != 1 || !bytes.Equal(pages[0], []byte("finally")) {
		t.Fatalf("late chunk pages = %q, want exactly [finally]", pages)
	}
}

func TestLateDataAcceptedWhileStopping(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))
	target := prod.created[0].target
	w, _ := pe.CreateTraceWriter(target)

	if err := ce.DisableTracing(); err != nil {
		t.Fatalf("DisableTracing failed: %v", err)
	}
	if len(prod.tornDown) != 1 {
		t.Fatalf("teardown callbacks = %d, want 1", len(prod.tornDown))
	}

	// A late flush after DisableTracing still lands.
	writeThrough(t, pe, w, []byte("late flush"))
	ce.ReadBuffers()
	pages := cons.allPages()
	if len(pages) != 1 || !bytes.Equal(pages[0], []byte("late flush")) {
		t.Fatalf("late flush pages = %q", pages)
	}
}

func TestChunkForFreedBufferIsDropped(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))
	target := prod.created[0].target
	w, _ := pe.CreateTraceWriter(target)

	page, err := w.Write([]byte("orphan"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ce.FreeBuffers()

	// The buffer is gone; the notification must still reclaim the chunk
	// without failing.
	if err := pe.NotifySharedMemoryUpdate([]uint32{uint32(page)}); err != nil {
		t.Fatalf("NotifySharedMemoryUpdate after free failed: %v", err)
	}
	if _, err := w.Write([]byte("reuse")); err != nil {
		t.Fatalf("chunk was not reclaimed: %v", err)
	}
}

func TestProducerDisconnectPrunesSessions(t *testing.T) {
	svc := newTestService(t, nil)

	prodA := &fakeProducer{}
	peA, _ := svc.ConnectProducer(prodA, "a", 0)
	prodB := &fakeProducer{}
	peB, _ := svc.ConnectProducer(prodB, "b", 0)
	peA.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})
	peB.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))

	wB, _ := peB.CreateTraceWriter(prodB.created[0].target)
	writeThrough(t, peB, wB, []byte("from b"))

	// Disconnect A mid-session: its registration disappears and the
	// session keeps working with B's data.
	peA.Close()
	if err := ce.ReadBuffers(); err != nil {
		t.Fatalf("ReadBuffers after producer disconnect failed: %v", err)
	}
	pages := cons.allPages()
	if len(pages) != 1 || !bytes.Equal(pages[0], []byte("from b")) {
		t.Fatalf("pages after disconnect = %q, want [from b]", pages)
	}

	// A's registration is gone from the registry: a new session matches
	// only B.
	ce.FreeBuffers()
	prodB.created = nil
	ce.EnableTracing(oneSourceConfig("X", 4*512))
	if len(prodA.created) != 1 { // only the original session's instance
		t.Errorf("disconnected producer got new instances: %d", len(prodA.created))
	}
	if len(prodB.created) != 1 {
		t.Errorf("remaining producer instances = %d, want 1", len(prodB.created))
	}
}

func TestConsumerDisconnectFreesSession(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))

	if err := ce.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !cons.disconnected {
		t.Error("consumer sink did not receive OnDisconnect")
	}
	if len(prod.tornDown) != 1 {
		t.Errorf("implicit disable tore down %d instances, want 1", len(prod.tornDown))
	}

	stats := svc.Stats()
	if stats.Consumers != 0 || stats.Sessions != 0 || stats.BuffersAllocated != 0 {
		t.Errorf("stats after disconnect = %+v, want everything freed", stats)
	}
}

func TestReadBuffersIsRepeatable(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	cons := &fakeConsumer{}
	ce := svc.ConnectConsumer(cons, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))
	w, _ := pe.CreateTraceWriter(prod.created[0].target)
	writeThrough(t, pe, w, []byte("stable"))

	ce.ReadBuffers()
	first := cons.allPages()
	cons.batches = nil
	ce.ReadBuffers()
	second := cons.allPages()

	if len(first) != 1 || len(second) != 1 || !bytes.Equal(first[0], second[0]) {
		t.Fatalf("repeated reads differ: %q vs %q", first, second)
	}
}

func TestExportSession(t *testing.T) {
	svc := newTestService(t, nil)

	prod := &fakeProducer{}
	pe, _ := svc.ConnectProducer(prod, "probe", 0)
	pe.RegisterDataSource(types.DataSourceDescriptor{Name: "X"})

	ce := svc.ConnectConsumer(&fakeConsumer{}, "cli")
	ce.EnableTracing(oneSourceConfig("X", 4*512))
	w, _ := pe.CreateTraceWriter(prod.created[0].target)
	writeThrough(t, pe, w, []byte("export me"))

	stats := svc.Stats()
	var sessionID string
	for sid := range stats.SessionStates {
		sessionID = sid
	}
	if sessionID == "" {
		t.Fatal("no session in stats")
	}

	pages, err := svc.ExportSession(sessionID)
	if err != nil {
		t.Fatalf("ExportSession failed: %v", err)
	}
	if len(pages) != 1 || !bytes.Equal(pages[0], []byte("export me")) {
		t.Fatalf("exported pages = %q", pages)
	}

	if _, err := svc.ExportSession("sess_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ExportSession of unknown session = %v, want ErrSessionNotFound", err)
	}
}
