package directory

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("directory entry not found")

// RoomDescriptor holds the descriptive fields of a room.
type RoomDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ParticipantDescriptor holds the descriptive fields of a participant.
type ParticipantDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store is the read side used to hydrate entities at spawn time, plus the
// upserts used by the admin surface.
type Store interface {
	RoomDescriptor(ctx context.Context, id string) (RoomDescriptor, error)
	ParticipantDescriptor(ctx context.Context, id string) (ParticipantDescriptor, error)
	PutRoom(ctx context.Context, room RoomDescriptor) error
	PutParticipant(ctx context.Context, participant ParticipantDescriptor) error
	Close() error
}

// NewStore creates a postgres-backed directory when configured, otherwise an
// in-memory one that creates unknown entries on first lookup.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(true), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
