package chat

import (
	"fmt"
	"time"

	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/placement"
)

// Kind is the payload variant of an operation or journaled record.
type Kind string

const (
	KindJoin       Kind = "join"
	KindText       Kind = "text"
	KindLeave      Kind = "leave"
	KindDisconnect Kind = "disconnect"
	KindHeartbeat  Kind = "heartbeat"
)

// Op is one operation a participant submits to a room.
type Op struct {
	Kind Kind   `cbor:"kind" json:"kind"`
	Text string `cbor:"text,omitempty" json:"text,omitempty"`
}

func Join() Op            { return Op{Kind: KindJoin} }
func Text(text string) Op { return Op{Kind: KindText, Text: text} }
func Leave() Op           { return Op{Kind: KindLeave} }
func Disconnect() Op      { return Op{Kind: KindDisconnect} }
func Heartbeat() Op       { return Op{Kind: KindHeartbeat} }

func (o Op) validate() error {
	switch o.Kind {
	case KindJoin, KindLeave, KindDisconnect:
		return nil
	case KindText:
		if o.Text == "" {
			return fmt.Errorf("empty text: %w", ErrInvalidOp)
		}
		return nil
	default:
		return fmt.Errorf("kind %q: %w", o.Kind, ErrInvalidOp)
	}
}

// MessageRecord is one accepted event. Sequence is assigned by the journal of
// the room and totally orders the room's history. Heartbeats are never
// journaled and carry sequence 0.
type MessageRecord struct {
	Sequence      int64     `cbor:"seq" json:"seq"`
	ID            string    `cbor:"id" json:"id"`
	CreatedAt     time.Time `cbor:"created_at" json:"created_at"`
	ParticipantID string    `cbor:"participant_id" json:"participant_id"`
	RoomID        string    `cbor:"room_id" json:"room_id"`
	Kind          Kind      `cbor:"kind" json:"kind"`
	Text          string    `cbor:"text,omitempty" json:"text,omitempty"`
}

// RoomState is a point-in-time copy of a room entity.
type RoomState struct {
	Info         directory.RoomDescriptor `cbor:"info" json:"info"`
	Participants []string                 `cbor:"participants" json:"participants"`
	Messages     []MessageRecord          `cbor:"messages" json:"messages"`
	LastSequence int64                    `cbor:"last_seq" json:"last_seq"`
}

// ParticipantState is a point-in-time copy of a participant entity.
type ParticipantState struct {
	Info         directory.ParticipantDescriptor `cbor:"info" json:"info"`
	JoinedRooms  []string                        `cbor:"joined_rooms" json:"joined_rooms"`
	LastSequence int64                           `cbor:"last_seq" json:"last_seq"`
}

func RoomKey(id string) placement.Key        { return placement.Key("room/" + id) }
func ParticipantKey(id string) placement.Key { return placement.Key("participant/" + id) }

// Entity operations as they travel through placement.
const (
	opRoomHandle    = "room.handle"
	opRoomHistory   = "room.history"
	opRoomSnapshot  = "room.snapshot"
	opRoomHeartbeat = "room.heartbeat"

	opParticipantSend      = "participant.send"
	opParticipantNotify    = "participant.notify"
	opParticipantAttach    = "participant.attach"
	opParticipantDetach    = "participant.detach"
	opParticipantSubscribe = "participant.subscribe"
	opParticipantTeardown  = "participant.teardown"
	opParticipantSnapshot  = "participant.snapshot"
)

type handleRequest struct {
	Op Op `cbor:"op"`
}

type historyRequest struct {
	After int64 `cbor:"after"`
}

type sendRequest struct {
	RoomID string `cbor:"room_id"`
	Op     Op     `cbor:"op"`
}

type slotRequest struct {
	RoomID  string `cbor:"room_id"`
	Binding string `cbor:"binding,omitempty"`
}
