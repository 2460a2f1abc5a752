package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snrraptopack/fatigue/internal/model"
	"github.com/snrraptopack/fatigue/internal/protocol"
)

const (
	socketWriteTimeout = 5 * time.Second
	ackTimeout         = 10 * time.Second
	maxReconnectDelay  = 30 * time.Second
)

// Socket maintains the edge's persistent connection to the hub, reconnecting
// with capped exponential backoff while the process runs.
//
// The attempt counter resets on any successfully parsed inbound message, not
// just on connect, so a flaky but data-carrying link is not treated as
// persistently failing.
type Socket struct {
	url           string
	participantID string
	name          string
	logger        *slog.Logger

	// onLive is invoked with the new liveness whenever the socket opens or
	// closes; the network monitor uses it as independent reachability
	// evidence.
	onLive func(live bool)

	mu   sync.Mutex
	conn *websocket.Conn
	acks map[string]chan protocol.SyncAck

	commands chan protocol.Message

	stop chan struct{}
	done chan struct{}
}

// SocketConfig configures a hub socket.
type SocketConfig struct {
	URL           string // e.g. "ws://hub.example.com:8080/ws"
	ParticipantID string
	Name          string
	OnLive        func(live bool)
	Logger        *slog.Logger
}

// NewSocket creates a socket client; call Start to begin connecting.
func NewSocket(cfg SocketConfig) *Socket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onLive := cfg.OnLive
	if onLive == nil {
		onLive = func(bool) {}
	}
	return &Socket{
		url:           cfg.URL,
		participantID: cfg.ParticipantID,
		name:          cfg.Name,
		logger:        logger,
		onLive:        onLive,
		acks:          make(map[string]chan protocol.SyncAck),
		commands:      make(chan protocol.Message, 16),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the connect/read loop. Call Stop to shut it down.
func (s *Socket) Start() {
	go s.run()
}

// Stop closes the socket and waits for the loop to exit.
func (s *Socket) Stop() {
	close(s.stop)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// Live reports whether the socket is currently connected.
func (s *Socket) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Commands surfaces hub-originated commands (scenario changes, stream
// requests) for the capture process to act on.
func (s *Socket) Commands() <-chan protocol.Message {
	return s.commands
}

// Send writes one message if the socket is live.
func (s *Socket) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("socket not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %T: %w", msg, err)
	}
	return nil
}

// Deliver sends a durably queued event over the socket and waits for the
// hub's acknowledgment keyed by event id.
func (s *Socket) Deliver(ctx context.Context, ev *model.Event) (*Ack, error) {
	ackCh := make(chan protocol.SyncAck, 1)
	id := ev.ID.String()

	s.mu.Lock()
	s.acks[id] = ackCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, id)
		s.mu.Unlock()
	}()

	if err := s.Send(protocol.SyncAlert{Event: ev}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.OK {
			return nil, fmt.Errorf("hub rejected event %s: %s", id, ack.Error)
		}
		return &Ack{EventID: ack.EventID}, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for ack of %s", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) run() {
	defer close(s.done)

	attempt := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Warn("hub dial failed", "url", s.url, "err", err)
			if !s.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.onLive(true)

		if err := s.Send(protocol.Register{ParticipantID: s.participantID, Name: s.name}); err != nil {
			s.logger.Warn("register failed", "err", err)
		} else {
			s.logger.Info("connected to hub", "url", s.url)
		}

		attempt = s.readLoop(conn, attempt)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.onLive(false)
		_ = conn.Close()

		select {
		case <-s.stop:
			return
		default:
		}
		if !s.sleepBackoff(attempt) {
			return
		}
		attempt++
	}
}

// readLoop consumes frames until the connection fails, returning the
// current reconnect attempt counter (reset to zero by any parsed message).
func (s *Socket) readLoop(conn *websocket.Conn, attempt int) int {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Warn("hub connection lost", "err", err)
			}
			return attempt
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping unparseable frame", "err", err)
			continue
		}
		// Any parsed inbound message is proof the link carries data.
		attempt = 0

		switch m := msg.(type) {
		case protocol.Ping:
			if err := s.Send(protocol.Pong{}); err != nil {
				s.logger.Warn("pong failed", "err", err)
			}
		case protocol.SyncAck:
			s.mu.Lock()
			ch := s.acks[m.EventID]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- m:
				default:
				}
			}
		case protocol.ScenarioChange, protocol.StreamRequest:
			select {
			case s.commands <- m:
			default:
				s.logger.Warn("command channel full, dropping", "type", fmt.Sprintf("%T", m))
			}
		default:
			// Other hub traffic is observer-facing; nothing to do here.
		}
	}
}

// sleepBackoff waits min(30s, 1000ms * 1.5^attempt) or until Stop. Returns
// false when stopping.
func (s *Socket) sleepBackoff(attempt int) bool {
	delay := time.Duration(float64(time.Second) * math.Pow(1.5, float64(attempt)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}
