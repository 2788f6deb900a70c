package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/parley/internal/chat"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientOp        MessageType = "client_op"
	TypeClientHeartbeat MessageType = "client_heartbeat"
	TypeRoomEvent       MessageType = "room_event"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientOp carries one room operation: join, text, leave or disconnect.
type ClientOp struct {
	Type MessageType `json:"type"`
	Op   chat.Kind   `json:"op"`
	Text string      `json:"text,omitempty"`
}

// ClientHeartbeat echoes a server heartbeat to keep the session alive.
type ClientHeartbeat struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type RoomEvent struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"session_id"`
	Event     chat.MessageRecord `json:"event"`
}

type Heartbeat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RoomID    string      `json:"room_id"`
	TSMs      int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes a client frame into the room operation it asks
// for. Heartbeat echoes decode to a heartbeat op.
func ParseClientMessage(raw []byte) (chat.Op, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return chat.Op{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientOp:
		var msg ClientOp
		if err := json.Unmarshal(raw, &msg); err != nil {
			return chat.Op{}, err
		}
		switch msg.Op {
		case chat.KindJoin, chat.KindLeave, chat.KindDisconnect:
			return chat.Op{Kind: msg.Op}, nil
		case chat.KindText:
			if msg.Text == "" {
				return chat.Op{}, fmt.Errorf("client_op text without text: %w", ErrInvalidMessage)
			}
			return chat.Text(msg.Text), nil
		default:
			return chat.Op{}, fmt.Errorf("client_op %q: %w", msg.Op, ErrInvalidMessage)
		}
	case TypeClientHeartbeat:
		return chat.Heartbeat(), nil
	default:
		return chat.Op{}, ErrUnsupportedType
	}
}

// EventFrame renders an accepted room event, or a heartbeat, for the client.
func EventFrame(sessionID string, rec chat.MessageRecord) any {
	if rec.Kind == chat.KindHeartbeat {
		return Heartbeat{
			Type:      TypeHeartbeat,
			SessionID: sessionID,
			RoomID:    rec.RoomID,
			TSMs:      rec.CreatedAt.UnixMilli(),
		}
	}
	return RoomEvent{Type: TypeRoomEvent, SessionID: sessionID, Event: rec}
}

func NowMS() int64 {
	return time.Now().UnixMilli()
}
