package collector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// sseRingBufferSize is the number of recent events kept in memory for
	// Last-Event-ID reconnection support.
	sseRingBufferSize = 1000

	// sseKeepaliveInterval is how often heartbeat frames are sent to keep
	// idle connections from being reaped by intermediaries.
	sseKeepaliveInterval = 15 * time.Second
)

// sseEvent is a single event stored in the ring buffer and sent to SSE
// clients. Alert frames carry the same payload as the NATS feed.
type sseEvent struct {
	ID    uint64 // monotonically increasing sequence number
	Topic string
	Data  []byte
}

// sseHub fans out change notifications to connected SSE clients, with an
// in-memory ring buffer for Last-Event-ID replay after a reconnect.
type sseHub struct {
	mu      sync.RWMutex
	clients map[*sseClient]struct{}

	ringMu  sync.RWMutex
	nextID  uint64 // guarded by ringMu
	ring    [sseRingBufferSize]sseEvent
	ringPos int
	ringLen int
}

type sseClient struct {
	ch chan *sseEvent
}

func newSSEHub() *sseHub {
	return &sseHub{
		clients: make(map[*sseClient]struct{}),
	}
}

// broadcast stores an event in the ring buffer and fans it out. Slow
// clients are dropped rather than blocking ingestion.
func (h *sseHub) broadcast(topic string, payload []byte) {
	// The id is allocated under the ring lock so ring order always matches
	// id order; replay walks the ring and must emit monotonic ids.
	h.ringMu.Lock()
	h.nextID++
	evt := &sseEvent{
		ID:    h.nextID,
		Topic: topic,
		Data:  payload,
	}
	h.ring[h.ringPos] = *evt
	h.ringPos = (h.ringPos + 1) % sseRingBufferSize
	if h.ringLen < sseRingBufferSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- evt:
		default:
		}
	}
}

func (h *sseHub) subscribe() *sseClient {
	c := &sseClient{ch: make(chan *sseEvent, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *sseHub) unsubscribe(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// eventsSince returns buffered events with ID > lastID, oldest first.
func (h *sseHub) eventsSince(lastID uint64) []*sseEvent {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	if h.ringLen == 0 {
		return nil
	}

	var result []*sseEvent
	start := h.ringPos - h.ringLen
	if start < 0 {
		start += sseRingBufferSize
	}
	for i := range h.ringLen {
		idx := (start + i) % sseRingBufferSize
		evt := &h.ring[idx]
		if evt.ID > lastID {
			result = append(result, evt)
		}
	}
	return result
}

// handleEventStream handles GET /v1/events/stream (SSE endpoint).
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	client := s.sseHub.subscribe()
	defer s.sseHub.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay anything the client missed while reconnecting.
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if lastID, err := strconv.ParseUint(lastIDStr, 10, 64); err == nil {
			for _, evt := range s.sseHub.eventsSince(lastID) {
				writeSSEEvent(w, evt)
			}
			flusher.Flush()
		}
	}

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-client.ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, "event:heartbeat\ndata:{}\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one alert frame. The topic travels in the payload;
// the SSE event name is always "alert" so EventSource consumers need a
// single listener.
func writeSSEEvent(w http.ResponseWriter, evt *sseEvent) {
	fmt.Fprintf(w, "id:%d\n", evt.ID)
	fmt.Fprint(w, "event:alert\n")
	fmt.Fprintf(w, "data:%s\n\n", evt.Data)
}

// broadcastEvent is called on ingestion to fan out to SSE clients.
func (s *Server) broadcastEvent(topic string, event any) {
	if s.sseHub == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Topic string `json:"topic"`
		Event any    `json:"event"`
	}{Topic: topic, Event: event})
	if err != nil {
		s.logger.Warn("marshaling SSE broadcast failed", "topic", topic, "error", err)
		return
	}
	s.sseHub.broadcast(topic, payload)
}
