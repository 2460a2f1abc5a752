package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/events"
	"github.com/snrraptopack/fatigue/internal/model"
	"github.com/snrraptopack/fatigue/internal/protocol"
	"github.com/snrraptopack/fatigue/internal/store"
)

// seenRingSize bounds the dedup ring for socket-originated event ids.
const seenRingSize = 512

// Hub routes traffic between edge participants and observers. Frames and
// live alerts are real-time and best-effort; sync_alert is the durable
// path, so those events are written to the sink of record before they are
// acknowledged.
type Hub struct {
	registry  *Registry
	cache     *ArtifactCache
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger

	seenMu   sync.Mutex
	seen     map[uuid.UUID]struct{}
	seenRing []uuid.UUID
	seenNext int
}

// New creates a Hub around a registry, artifact cache, and the collector's
// store. publisher may be nil when no change feed is configured.
func New(registry *Registry, cache *ArtifactCache, s store.Store, p events.Publisher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:  registry,
		cache:     cache,
		store:     s,
		publisher: p,
		logger:    logger,
		seen:      make(map[uuid.UUID]struct{}, seenRingSize),
		seenRing:  make([]uuid.UUID, seenRingSize),
	}
}

// Registry exposes the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Cache exposes the hub's artifact cache.
func (h *Hub) Cache() *ArtifactCache { return h.cache }

// HandleFrame decodes and dispatches one inbound frame. Malformed or
// unknown frames are logged and dropped; they never tear down the
// connection, let alone the hub.
func (h *Hub) HandleFrame(c *Conn, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Warn("dropping undecodable frame", "conn", c.ID, "error", err)
		return
	}

	// Any parsed frame counts as liveness.
	h.registry.Touch(c)

	switch m := msg.(type) {
	case protocol.Register:
		h.handleRegister(c, m)
	case protocol.Identify:
		h.handleIdentify(c)
	case protocol.VideoFrame:
		h.handleVideoFrame(c, m)
	case protocol.Alert:
		h.handleAlert(c, m)
	case protocol.SyncAlert:
		h.handleSyncAlert(c, m)
	case protocol.StatusUpdate:
		h.handleStatusUpdate(c, m)
	case protocol.ScenarioChange:
		h.handleScenarioChange(c, m)
	case protocol.StreamRequest:
		h.handleStreamRequest(c, m)
	case protocol.GetFrame:
		h.handleGetFrame(c, m)
	case protocol.Ping:
		if err := c.Send(protocol.Pong{}); err != nil {
			h.logger.Warn("pong send failed", "conn", c.ID, "error", err)
		}
	case protocol.Pong:
		// Touch above already recorded it.
	default:
		// Server-originated types (drivers, sync_ack) are not valid inbound.
		h.logger.Warn("unexpected inbound frame", "conn", c.ID, "type", fmt.Sprintf("%T", msg))
	}
}

func (h *Hub) handleRegister(c *Conn, m protocol.Register) {
	if m.ParticipantID == "" {
		h.logger.Warn("register without participant id, ignoring", "conn", c.ID)
		return
	}
	h.registry.IdentifyEdge(c, m.ParticipantID, m.Name)
	h.logger.Info("edge registered",
		"conn", c.ID, "participant_id", m.ParticipantID, "name", m.Name)
	h.broadcastRoster()
}

func (h *Hub) handleIdentify(c *Conn) {
	h.registry.IdentifyObserver(c)
	h.logger.Info("observer identified", "conn", c.ID)
	// New observers get the roster immediately.
	if err := c.Send(protocol.Drivers{Drivers: h.registry.Drivers()}); err != nil {
		h.logger.Warn("roster send failed", "conn", c.ID, "error", err)
	}
}

// ensureEdge implicitly activates a still-connecting sender of an edge
// domain message as an edge, so a participant that skips the register
// handshake still gets traffic through.
func (h *Hub) ensureEdge(c *Conn, participantID string) string {
	if c.State() != StateConnecting {
		if id := c.ParticipantID(); id != "" {
			return id
		}
		return participantID
	}
	if participantID == "" {
		return ""
	}
	h.registry.IdentifyEdge(c, participantID, "")
	h.logger.Info("implicit edge identification",
		"conn", c.ID, "participant_id", participantID)
	return participantID
}

func (h *Hub) handleVideoFrame(c *Conn, m protocol.VideoFrame) {
	participantID := h.ensureEdge(c, m.ParticipantID)
	if participantID == "" {
		return
	}
	m.ParticipantID = participantID
	h.cache.Put(m)
	h.broadcast(m)
}

func (h *Hub) handleAlert(c *Conn, m protocol.Alert) {
	participantID := h.ensureEdge(c, m.ParticipantID)
	m.ParticipantID = participantID
	h.broadcast(m)
}

func (h *Hub) handleSyncAlert(c *Conn, m protocol.SyncAlert) {
	if m.Event == nil || m.Event.ID == uuid.Nil {
		if err := c.Send(protocol.SyncAck{OK: false, Error: "missing event"}); err != nil {
			h.logger.Warn("ack send failed", "conn", c.ID, "error", err)
		}
		return
	}
	ev := m.Event
	h.ensureEdge(c, ev.OriginParticipantID)

	// Persist before acking: the edge deletes its queued copy on OK, so an
	// ack without a durable write would lose the event. An error ack keeps
	// the item queued for retry.
	alert, created, err := h.store.UpsertAlert(context.Background(), ev)
	if err != nil {
		h.logger.Error("sync alert store failed", "event_id", ev.ID, "error", err)
		if serr := c.Send(protocol.SyncAck{EventID: ev.ID.String(), OK: false, Error: "store unavailable"}); serr != nil {
			h.logger.Warn("ack send failed", "conn", c.ID, "error", serr)
		}
		return
	}

	h.markSeen(ev.ID)
	h.publishAlert(alert, created)
	if err := c.Send(protocol.SyncAck{EventID: ev.ID.String(), OK: true}); err != nil {
		h.logger.Warn("ack send failed", "conn", c.ID, "error", err)
	}
	h.broadcast(protocol.Alert{
		ParticipantID: ev.OriginParticipantID,
		Payload:       ev.Payload,
	})
}

// publishAlert pushes a stored alert onto the change feed so feed
// consumers see socket-delivered events alongside HTTP submissions.
// Best-effort: a feed outage never blocks the ack.
func (h *Hub) publishAlert(alert *model.StoredAlert, created bool) {
	if h.publisher == nil {
		return
	}
	topic := events.TopicAlertUpdated
	var payload any = events.AlertUpdated{Alert: alert}
	if created {
		topic = events.TopicAlertCreated
		payload = events.AlertCreated{Alert: alert}
	}
	if err := h.publisher.Publish(context.Background(), topic, payload); err != nil {
		h.logger.Warn("alert publish failed", "event_id", alert.ID, "error", err)
	}
}

func (h *Hub) handleStatusUpdate(c *Conn, m protocol.StatusUpdate) {
	participantID := h.ensureEdge(c, m.ParticipantID)
	if participantID == "" {
		return
	}
	m.ParticipantID = participantID
	h.broadcast(m)
}

func (h *Hub) handleScenarioChange(c *Conn, m protocol.ScenarioChange) {
	if m.ParticipantID == "" {
		return
	}
	edge, ok := h.registry.Edge(m.ParticipantID)
	if !ok {
		// Commands are never queued for offline participants.
		h.logger.Info("scenario change for offline participant, dropped",
			"participant_id", m.ParticipantID)
		return
	}
	h.registry.SetScenario(m.ParticipantID, m.Scenario)
	if err := edge.Send(protocol.ScenarioChange{Scenario: m.Scenario}); err != nil {
		h.logger.Warn("scenario forward failed",
			"participant_id", m.ParticipantID, "error", err)
		return
	}
	h.broadcastRoster()
}

func (h *Hub) handleStreamRequest(c *Conn, m protocol.StreamRequest) {
	if m.ParticipantID == "" {
		return
	}
	edge, ok := h.registry.Edge(m.ParticipantID)
	if !ok {
		h.logger.Info("stream request for offline participant, dropped",
			"participant_id", m.ParticipantID)
		return
	}
	h.registry.SetStreaming(m.ParticipantID, m.Active)
	if err := edge.Send(protocol.StreamRequest{Active: m.Active}); err != nil {
		h.logger.Warn("stream request forward failed",
			"participant_id", m.ParticipantID, "error", err)
		return
	}
	h.broadcastRoster()
}

func (h *Hub) handleGetFrame(c *Conn, m protocol.GetFrame) {
	// Cached frames are an observer affordance; connections that have not
	// identified as an observer get nothing.
	if c.State() != StateActive || c.Role() != protocol.RoleObserver {
		h.logger.Warn("get_frame from non-observer, dropped", "conn", c.ID)
		return
	}
	frame, ok := h.cache.Latest(m.ParticipantID)
	if !ok {
		return
	}
	if err := c.Send(frame); err != nil {
		h.logger.Warn("cached frame send failed", "conn", c.ID, "error", err)
	}
}

// DropConnection cleans up after a transport-level failure or disconnect.
func (h *Hub) DropConnection(c *Conn) {
	h.registry.Remove(c)
	h.broadcastRoster()
}

// broadcast fans a message out to every active observer. Delivery is
// per-recipient: a failing observer is removed without affecting the rest,
// and the transport bounds each send.
func (h *Hub) broadcast(msg protocol.Message) {
	for _, obs := range h.registry.Observers() {
		if err := obs.Send(msg); err != nil {
			h.logger.Warn("observer send failed, removing", "conn", obs.ID, "error", err)
			h.registry.Remove(obs)
		}
	}
}

func (h *Hub) broadcastRoster() {
	h.broadcast(protocol.Drivers{Drivers: h.registry.Drivers()})
}

// markSeen remembers a socket-originated event id so the collector feed's
// copy of the same alert is not broadcast twice.
func (h *Hub) markSeen(id uuid.UUID) {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	if _, ok := h.seen[id]; ok {
		return
	}
	if old := h.seenRing[h.seenNext]; old != uuid.Nil {
		delete(h.seen, old)
	}
	h.seenRing[h.seenNext] = id
	h.seenNext = (h.seenNext + 1) % seenRingSize
	h.seen[id] = struct{}{}
}

func (h *Hub) wasSeen(id uuid.UUID) bool {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	_, ok := h.seen[id]
	return ok
}

// RunFeed consumes the collector's change-notification feed and
// re-broadcasts alerts that did not arrive over one of the hub's own
// sockets. Blocks until ctx is done or the subscription closes.
func (h *Hub) RunFeed(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.TopicAlertsAll)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleFeedMessage(data)
		}
	}
}

func (h *Hub) handleFeedMessage(data []byte) {
	var payload struct {
		Alert *model.StoredAlert `json:"alert"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Alert == nil {
		h.logger.Warn("dropping malformed feed message", "error", err)
		return
	}
	if h.wasSeen(payload.Alert.ID) {
		return
	}
	h.markSeen(payload.Alert.ID)
	h.broadcast(protocol.Alert{
		ParticipantID: payload.Alert.OriginParticipantID,
		Payload:       payload.Alert.Payload,
	})
}
