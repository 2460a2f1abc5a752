// Package protocol defines the JSON-framed socket messages exchanged
// between edge participants, the hub, and observers.
//
// Every frame is a JSON object with a "type" discriminator. Decode turns a
// raw frame into one of a closed set of message structs, so handlers never
// switch on untyped payloads. Unknown types decode to ErrUnknownType and
// are handled per-connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snrraptopack/fatigue/internal/model"
)

// Message type discriminators.
const (
	// Edge → hub.
	TypeRegister     = "register"
	TypeVideoFrame   = "video_frame"
	TypeAlert        = "alert"
	TypeSyncAlert    = "sync_alert"
	TypeStatusUpdate = "status_update"
	TypePong         = "pong"

	// Hub → edge.
	TypeScenarioChange = "scenario_change"
	TypeStreamRequest  = "stream_request"
	TypeSyncAck        = "sync_ack"
	TypePing           = "ping"

	// Observer → hub.
	TypeIdentify = "identify"
	TypeGetFrame = "get_frame"

	// Hub → observer.
	TypeDrivers = "drivers"
)

// Role of a connected participant.
type Role string

const (
	RoleEdge     Role = "edge"
	RoleObserver Role = "observer"
)

// Message is implemented by every decoded frame.
type Message interface {
	messageType() string
}

// Register declares an edge participant's stable identity.
type Register struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
}

// Identify declares an observer connection. Role "admin" is accepted as a
// legacy alias for observer.
type Identify struct {
	Role string `json:"role"`
}

// VideoFrame is a perishable artifact: the latest camera frame from an edge
// participant. Payload is typically a base64 JPEG.
type VideoFrame struct {
	ParticipantID string    `json:"participant_id"`
	Payload       string    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert is a live (non-durable) fatigue alert relayed as-is to observers.
type Alert struct {
	ParticipantID string          `json:"participant_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// SyncAlert carries a durably queued event over the socket transport. The
// hub acknowledges it by event id.
type SyncAlert struct {
	Event *model.Event `json:"event"`
}

// SyncAck is the hub's acknowledgment for a SyncAlert.
type SyncAck struct {
	EventID string `json:"event_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// StatusUpdate reports edge-side state (monitoring on/off, sync health).
type StatusUpdate struct {
	ParticipantID string          `json:"participant_id,omitempty"`
	Status        json.RawMessage `json:"status"`
}

// ScenarioChange commands an edge participant to switch monitoring mode.
type ScenarioChange struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Scenario      string `json:"scenario"`
}

// StreamRequest starts or stops an edge participant's frame stream.
type StreamRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Active        bool   `json:"active"`
}

// GetFrame asks the hub for the cached latest frame of a participant.
type GetFrame struct {
	ParticipantID string `json:"participant_id"`
}

// Drivers lists currently connected edge participants for observers.
type Drivers struct {
	Drivers []DriverInfo `json:"drivers"`
}

// DriverInfo is one entry in a Drivers listing.
type DriverInfo struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name,omitempty"`
	Scenario      string    `json:"scenario,omitempty"`
	Streaming     bool      `json:"streaming"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Ping is the hub's liveness probe; Pong is the reply.
type Ping struct{}
type Pong struct{}

func (Register) messageType() string       { return TypeRegister }
func (Identify) messageType() string       { return TypeIdentify }
func (VideoFrame) messageType() string     { return TypeVideoFrame }
func (Alert) messageType() string          { return TypeAlert }
func (SyncAlert) messageType() string      { return TypeSyncAlert }
func (SyncAck) messageType() string        { return TypeSyncAck }
func (StatusUpdate) messageType() string   { return TypeStatusUpdate }
func (ScenarioChange) messageType() string { return TypeScenarioChange }
func (StreamRequest) messageType() string  { return TypeStreamRequest }
func (GetFrame) messageType() string       { return TypeGetFrame }
func (Drivers) messageType() string        { return TypeDrivers }
func (Ping) messageType() string           { return TypePing }
func (Pong) messageType() string           { return TypePong }

// ErrUnknownType reports a frame whose discriminator is not in the closed
// set. The connection handler logs and drops the frame.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Encode frames a message for the wire, embedding the type discriminator
// into the message object itself.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", msg.messageType(), err)
	}
	// Splice "type" into the object without a second reflection pass.
	if string(body) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%q}`, msg.messageType())), nil
	}
	framed := append([]byte(fmt.Sprintf(`{"type":%q,`, msg.messageType())), body[1:]...)
	return framed, nil
}

// Decode parses a frame into its typed message. The returned error is
// *ErrUnknownType for unrecognized discriminators.
func Decode(frame []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeRegister:
		msg, err = decodeAs[Register](frame)
	case TypeIdentify:
		msg, err = decodeAs[Identify](frame)
	case TypeVideoFrame:
		msg, err = decodeAs[VideoFrame](frame)
	case TypeAlert:
		msg, err = decodeAs[Alert](frame)
	case TypeSyncAlert:
		msg, err = decodeAs[SyncAlert](frame)
	case TypeSyncAck:
		msg, err = decodeAs[SyncAck](frame)
	case TypeStatusUpdate:
		msg, err = decodeAs[StatusUpdate](frame)
	case TypeScenarioChange:
		msg, err = decodeAs[ScenarioChange](frame)
	case TypeStreamRequest:
		msg, err = decodeAs[StreamRequest](frame)
	case TypeGetFrame:
		msg, err = decodeAs[GetFrame](frame)
	case TypeDrivers:
		msg, err = decodeAs[Drivers](frame)
	case TypePing:
		msg, err = Ping{}, nil
	case TypePong:
		msg, err = Pong{}, nil
	default:
		return nil, &ErrUnknownType{Type: head.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](frame []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
