package session

import (
	"context"
	"time"

	"github.com/ent0n29/parley/internal/chat"
)

// Inbound yields client operations in arrival order. Next returns io.EOF once
// the client closed the stream cleanly.
type Inbound interface {
	Next(ctx context.Context) (chat.Op, error)
}

// Sink writes frames to the client. Send is never called concurrently for the
// same session.
type Sink interface {
	Send(ctx context.Context, frame Frame) error
}

// Frame is one outbound notification: an accepted room event or the failure of
// an operation the client submitted.
type Frame struct {
	Event *chat.MessageRecord
	Error *FrameError
}

// FrameError reports a failed client op. Source is "validation" when the
// entity rejected the op itself and "entity" for everything else.
type FrameError struct {
	Code      string `json:"code"`
	Source    string `json:"source"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

// Entities is the slice of the chat service a session drives.
type Entities interface {
	Send(ctx context.Context, participantID, roomID string, op chat.Op) (chat.MessageRecord, error)
	Attach(ctx context.Context, participantID, roomID, binding string) error
	Detach(ctx context.Context, participantID, roomID, binding string) error
	Subscribe(ctx context.Context, participantID, roomID string) (chat.MessageRecord, error)
	Teardown(ctx context.Context, participantID string) error
}

// Status values of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Reasons a session ended.
const (
	EndClosed      = "closed"
	EndLeft        = "left"
	EndReplaced    = "replaced"
	EndExpired     = "expired"
	EndWriteFailed = "write_failed"
	EndDetached    = "detached"
	EndShutdown    = "shutdown"
	EndFailed      = "failed"
)

type Session struct {
	ID             string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	RoomID         string    `json:"room_id"`
	Status         Status    `json:"status"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
