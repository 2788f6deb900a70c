package directory

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStrictLookup(t *testing.T) {
	s := NewInMemoryStore(false)
	ctx := context.Background()
	if _, err := s.RoomDescriptor(ctx, "general"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RoomDescriptor() error = %v, want %v", err, ErrNotFound)
	}
	if err := s.PutRoom(ctx, RoomDescriptor{ID: "general", Name: "General", Description: "all hands"}); err != nil {
		t.Fatalf("PutRoom() error = %v", err)
	}
	got, err := s.RoomDescriptor(ctx, "general")
	if err != nil {
		t.Fatalf("RoomDescriptor() error = %v", err)
	}
	if got.Name != "General" || got.Description != "all hands" {
		t.Fatalf("RoomDescriptor() = %+v", got)
	}
	if _, err := s.ParticipantDescriptor(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ParticipantDescriptor() error = %v, want %v", err, ErrNotFound)
	}
}

func TestInMemoryAutoCreate(t *testing.T) {
	s := NewInMemoryStore(true)
	got, err := s.ParticipantDescriptor(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ParticipantDescriptor() error = %v", err)
	}
	if got.ID != "bob" || got.Name != "bob" {
		t.Fatalf("ParticipantDescriptor() = %+v, want id/name bob", got)
	}
	if _, err := s.RoomDescriptor(context.Background(), ""); err == nil {
		t.Fatalf("RoomDescriptor(\"\") error = nil, want error")
	}
}

func TestPutRequiresID(t *testing.T) {
	s := NewInMemoryStore(false)
	if err := s.PutParticipant(context.Background(), ParticipantDescriptor{Name: "x"}); err == nil {
		t.Fatalf("PutParticipant() error = nil, want error")
	}
}
