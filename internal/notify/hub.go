// Package notify delivers execution events to WebSocket subscribers.
// Delivery is best-effort: slow or dead subscribers are dropped, and no
// notification failure ever propagates into the execution engine.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evalforge/evalforge/pkg/events"
)

const (
	// writeTimeout bounds a single frame write so one stuck connection
	// cannot stall the broadcast loop.
	writeTimeout = 5 * time.Second

	// subscriberBuffer is the per-connection outbound queue. A subscriber
	// that falls this far behind is disconnected.
	subscriberBuffer = 64
)

// subscriber is one connected WebSocket client.
type subscriber struct {
	conn *websocket.Conn
	send chan events.Envelope
}

// Hub fans out event envelopes to connected WebSocket clients. It
// implements events.EventSink so engine components can emit through it
// without knowing about transport.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "notify_hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Append implements events.EventSink by broadcasting to every subscriber.
// Subscribers whose queues are full are dropped rather than waited on.
func (h *Hub) Append(_ context.Context, envelope events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.send <- envelope:
		default:
			h.logger.Warn("dropping slow notification subscriber")
			delete(h.subs, sub)
			close(sub.send)
		}
	}
	return nil
}

// ServeHTTP makes the hub mountable directly on a mux route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWS(w, r)
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleWS upgrades an HTTP request to a WebSocket subscription. The
// connection receives every event as a JSON frame until the client
// disconnects or falls too far behind.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan events.Envelope, subscriberBuffer),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// writeLoop drains the subscriber queue onto the wire.
func (h *Hub) writeLoop(sub *subscriber) {
	defer sub.conn.Close()

	for envelope := range sub.send {
		data, err := json.Marshal(envelope)
		if err != nil {
			h.logger.Error("marshal event envelope", "error", err, "type", envelope.Type)
			continue
		}
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(sub)
			return
		}
	}
	// Queue closed by the hub; tell the client before hanging up.
	sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	sub.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readLoop consumes (and discards) client frames so pings and close
// handshakes are processed.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.remove(sub)
			return
		}
	}
}

// remove detaches a subscriber if it is still registered.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Notifier wraps an EventSink with helpers for the envelope shapes the
// engine emits. The zero Source is replaced with "engine".
type Notifier struct {
	sink   events.EventSink
	source string
	logger *slog.Logger
}

// NewNotifier builds a notifier emitting into sink.
func NewNotifier(sink events.EventSink, source string, logger *slog.Logger) *Notifier {
	if sink == nil {
		sink = events.NewNoOpEventSink()
	}
	if source == "" {
		source = "engine"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sink: sink, source: source, logger: logger.With("component", "notifier")}
}

// BatchStatusChanged emits a batch-level status transition event.
func (n *Notifier) BatchStatusChanged(ctx context.Context, batchID uint64, from, to, reason string) {
	n.emit(ctx, events.Envelope{
		Type:    events.TypeBatchStatusChanged,
		BatchID: batchID,
	}, events.StatusChangePayload{From: from, To: to, Reason: reason})
}

// RunStatusChanged emits a run-level status transition event.
func (n *Notifier) RunStatusChanged(ctx context.Context, batchID, runID uint64, from, to, reason string) {
	n.emit(ctx, events.Envelope{
		Type:    events.TypeRunStatusChanged,
		BatchID: batchID,
		RunID:   runID,
	}, events.StatusChangePayload{From: from, To: to, Reason: reason})
}

// RunProgress emits a progress snapshot after a chunk commits.
func (n *Notifier) RunProgress(ctx context.Context, batchID, runID uint64, p events.ProgressPayload) {
	n.emit(ctx, events.Envelope{
		Type:    events.TypeRunProgress,
		BatchID: batchID,
		RunID:   runID,
	}, p)
}

// CheckpointDrift emits the loud warning event raised when resume falls
// through to the safety-valve work scan.
func (n *Notifier) CheckpointDrift(ctx context.Context, batchID, runID uint64, detail string) {
	n.emit(ctx, events.Envelope{
		Type:    events.TypeCheckpointDrift,
		BatchID: batchID,
		RunID:   runID,
	}, map[string]string{"detail": detail})
}

func (n *Notifier) emit(ctx context.Context, envelope events.Envelope, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshal event payload", "error", err, "type", envelope.Type)
		return
	}
	envelope.ID = uuid.NewString()
	envelope.Source = n.source
	envelope.Timestamp = time.Now().UTC()
	envelope.Payload = data

	if err := n.sink.Append(ctx, envelope); err != nil {
		// Notifications are observability, not correctness.
		n.logger.Warn("event delivery failed", "error", err, "type", envelope.Type)
	}
}
