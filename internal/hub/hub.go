// Package hub fans typed state-change events out to connected observers.
// Most event types are delivered immediately, one send per event, in emission
// order. The high-frequency cli_output type is batched: the first event of a
// burst is flushed at once, later events are queued (bounded, oldest dropped)
// and flushed together after a quiet window.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/climpire/climpire/internal/bus"
)

const (
	// BatchCapacity bounds the cli_output queue; on overflow the oldest
	// queued event is dropped first.
	BatchCapacity = 60
	// DefaultBatchWindow is the quiet period after which a queued burst is
	// flushed.
	DefaultBatchWindow = 250 * time.Millisecond
)

// Envelope is the wire shape of every broadcast event.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	TS      int64       `json:"ts"` // unix milliseconds
}

// Conn is one attached observer transport. Send must be safe for concurrent
// use; Open reports whether the connection still accepts sends.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Open() bool
}

// Hub holds the live connection set and the cli_output batching state.
type Hub struct {
	logger *slog.Logger
	window time.Duration
	now    func() time.Time

	connsMu sync.RWMutex
	conns   map[Conn]struct{}

	batchMu     sync.Mutex
	burstActive bool
	pending     []Envelope
	flushTimer  *time.Timer
	dropped     int64
}

// New creates a Hub. A zero batchWindow selects DefaultBatchWindow.
func New(logger *slog.Logger, batchWindow time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if batchWindow <= 0 {
		batchWindow = DefaultBatchWindow
	}
	return &Hub{
		logger: logger,
		window: batchWindow,
		now:    time.Now,
		conns:  make(map[Conn]struct{}),
	}
}

// Attach registers a connection for broadcast delivery.
func (h *Hub) Attach(c Conn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[c] = struct{}{}
}

// Detach removes a connection.
func (h *Hub) Detach(c Conn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	delete(h.conns, c)
}

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// Broadcast wraps payload in {type, payload, ts} and delivers it to open
// connections. cli_output goes through the batching path; everything else is
// sent immediately.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	env := Envelope{
		Type:    eventType,
		Payload: payload,
		TS:      h.now().UnixMilli(),
	}
	if eventType != bus.TopicCLIOutput {
		h.sendAll(env)
		return
	}
	h.enqueueOutput(env)
}

// DroppedCount returns how many cli_output events were dropped on queue
// overflow since startup.
func (h *Hub) DroppedCount() int64 {
	h.batchMu.Lock()
	defer h.batchMu.Unlock()
	return h.dropped
}

// enqueueOutput implements the burst policy: first event of a burst is sent
// immediately for perceived latency, later events queue up and flush after
// the quiet window. Relative order of surviving events is preserved.
func (h *Hub) enqueueOutput(env Envelope) {
	h.batchMu.Lock()
	if !h.burstActive {
		h.burstActive = true
		h.resetFlushTimerLocked()
		h.batchMu.Unlock()
		h.sendAll(env)
		return
	}
	if len(h.pending) >= BatchCapacity {
		// Oldest-dropped-first on overflow.
		h.pending = h.pending[1:]
		h.dropped++
	}
	h.pending = append(h.pending, env)
	h.resetFlushTimerLocked()
	h.batchMu.Unlock()
}

func (h *Hub) resetFlushTimerLocked() {
	if h.flushTimer != nil {
		h.flushTimer.Stop()
	}
	h.flushTimer = time.AfterFunc(h.window, h.flush)
}

func (h *Hub) flush() {
	h.batchMu.Lock()
	queued := h.pending
	h.pending = nil
	h.burstActive = false
	h.batchMu.Unlock()

	for _, env := range queued {
		h.sendAll(env)
	}
}

// Flush forces any queued cli_output events out now. Used on shutdown.
func (h *Hub) Flush() {
	h.batchMu.Lock()
	if h.flushTimer != nil {
		h.flushTimer.Stop()
	}
	h.batchMu.Unlock()
	h.flush()
}

func (h *Hub) sendAll(env Envelope) {
	h.connsMu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		if c.Open() {
			targets = append(targets, c)
		}
	}
	h.connsMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range targets {
		if err := c.Send(ctx, env); err != nil {
			h.logger.Debug("hub: send failed", "type", env.Type, "error", err)
		}
	}
}

// Run consumes bus events and rebroadcasts them until ctx is done. Topic
// names map directly to broadcast event types.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			h.Broadcast(ev.Topic, ev.Payload)
		}
	}
}
