// Package events broadcasts service lifecycle events (connections, data
// source registrations, session state changes) to admin WebSocket clients.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tracehub/tracehub/internal/infrastructure/logging"
	"github.com/tracehub/tracehub/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // admin API; restrict origins at the deployment boundary
	},
}

const subscriberBuffer = 64

// Hub fans service events out to subscribers. Publish never blocks the
// caller: the service core publishes from its task-runner context, so a slow
// WebSocket client must never stall orchestration. Events to a subscriber
// with a full buffer are dropped.
type Hub struct {
	log *logging.Logger

	mu   sync.Mutex
	subs map[chan types.Event]struct{}
}

// NewHub creates an event hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		log:  log,
		subs: make(map[chan types.Event]struct{}),
	}
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(e types.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is not keeping up; drop rather than stall.
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleConnection upgrades the request to a WebSocket and streams events
// until the client disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice disconnects and answer pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("event write failed, dropping subscriber", zap.Error(err))
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
