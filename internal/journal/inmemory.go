package journal

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps journals in process memory for local/dev use and tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*keyLog
}

type keyLog struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string]*keyLog)}
}

func (s *InMemoryStore) log(key string) *keyLog {
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key]; ok {
		return l
	}
	l = &keyLog{}
	s.logs[key] = l
	return l
}

func (s *InMemoryStore) Append(ctx context.Context, key string, payload []byte) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l := s.log(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	var seq int64 = 1
	if n := len(l.events); n > 0 {
		seq = l.events[n-1].Sequence + 1
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.events = append(l.events, Event{
		Key:       key,
		Sequence:  seq,
		CreatedAt: time.Now().UTC(),
		Payload:   buf,
	})
	return seq, nil
}

func (s *InMemoryStore) ReadAll(ctx context.Context, key string) ([]Event, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
