package directory

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a process-local directory. With autoCreate set, lookups of
// unknown ids succeed with the id as the display name.
type InMemoryStore struct {
	mu           sync.RWMutex
	autoCreate   bool
	rooms        map[string]RoomDescriptor
	participants map[string]ParticipantDescriptor
}

func NewInMemoryStore(autoCreate bool) *InMemoryStore {
	return &InMemoryStore{
		autoCreate:   autoCreate,
		rooms:        make(map[string]RoomDescriptor),
		participants: make(map[string]ParticipantDescriptor),
	}
}

func (s *InMemoryStore) RoomDescriptor(_ context.Context, id string) (RoomDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.rooms[id]; ok {
		return d, nil
	}
	if s.autoCreate && id != "" {
		return RoomDescriptor{ID: id, Name: id}, nil
	}
	return RoomDescriptor{}, fmt.Errorf("room %q: %w", id, ErrNotFound)
}

func (s *InMemoryStore) ParticipantDescriptor(_ context.Context, id string) (ParticipantDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.participants[id]; ok {
		return d, nil
	}
	if s.autoCreate && id != "" {
		return ParticipantDescriptor{ID: id, Name: id}, nil
	}
	return ParticipantDescriptor{}, fmt.Errorf("participant %q: %w", id, ErrNotFound)
}

func (s *InMemoryStore) PutRoom(_ context.Context, room RoomDescriptor) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *InMemoryStore) PutParticipant(_ context.Context, participant ParticipantDescriptor) error {
	if participant.ID == "" {
		return fmt.Errorf("participant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[participant.ID] = participant
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
