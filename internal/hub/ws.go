package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snrraptopack/fatigue/internal/protocol"
)

const (
	// writeTimeout bounds a single frame write to one peer.
	writeTimeout = 5 * time.Second

	// sendQueueDepth is the per-connection outbound buffer. A peer that
	// falls this far behind gets disconnected rather than backpressuring
	// the hub.
	sendQueueDepth = 64

	maxFrameBytes = 4 << 20 // video frames are base64 JPEGs
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The hub trusts its deployment's ingress for origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSender adapts a websocket connection to the registry's Sender. Sends
// are queued and written by a single pump goroutine; a full queue drops
// the connection so one slow observer cannot stall a broadcast.
type wsSender struct {
	conn   *websocket.Conn
	out    chan []byte
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var errSendQueueFull = errors.New("send queue full")

func newWSSender(conn *websocket.Conn, logger *slog.Logger) *wsSender {
	s := &wsSender{
		conn:   conn,
		out:    make(chan []byte, sendQueueDepth),
		logger: logger,
		closed: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSender) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errors.New("connection closed")
	case s.out <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *wsSender) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

func (s *wsSender) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}

// WSHandler upgrades HTTP requests to hub socket connections.
type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(h *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{hub: h, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sender := newWSSender(ws, h.logger)
	conn := h.hub.Registry().Add(sender)
	h.logger.Info("socket connected", "conn", conn.ID, "remote", r.RemoteAddr)

	defer func() {
		h.hub.DropConnection(conn)
		h.logger.Info("socket disconnected", "conn", conn.ID)
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("socket read ended", "conn", conn.ID, "error", err)
			}
			return
		}
		h.hub.HandleFrame(conn, frame)
	}
}
