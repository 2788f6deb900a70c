package chat

import (
	"context"
	"sync"
)

// deliverySlot hands events from rooms to the one live connection bound to a
// (participant, room) pair. It holds at most one undelivered event; offers
// made while it is full are dropped.
type deliverySlot struct {
	binding string
	events  chan MessageRecord
	done    chan struct{}
	waiting bool
}

type slotTable struct {
	mu     sync.Mutex
	byRoom map[string]*deliverySlot
}

func newSlotTable() *slotTable {
	return &slotTable{byRoom: make(map[string]*deliverySlot)}
}

func (t *slotTable) attach(roomID, binding string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.byRoom[roomID]; old != nil {
		close(old.done)
	}
	t.byRoom[roomID] = &deliverySlot{
		binding: binding,
		events:  make(chan MessageRecord, 1),
		done:    make(chan struct{}),
	}
}

func (t *slotTable) detach(roomID, binding string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byRoom[roomID]
	if s == nil || (binding != "" && s.binding != binding) {
		return false
	}
	close(s.done)
	delete(t.byRoom, roomID)
	return true
}

func (t *slotTable) detachAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, s := range t.byRoom {
		close(s.done)
		delete(t.byRoom, roomID)
	}
}

func (t *slotTable) offer(rec MessageRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byRoom[rec.RoomID]
	if s == nil {
		return false
	}
	select {
	case s.events <- rec:
		return true
	default:
		return false
	}
}

func (t *slotTable) next(ctx context.Context, roomID string) (MessageRecord, error) {
	t.mu.Lock()
	s := t.byRoom[roomID]
	if s == nil {
		t.mu.Unlock()
		return MessageRecord{}, ErrNotAttached
	}
	if s.waiting {
		t.mu.Unlock()
		return MessageRecord{}, ErrSubscriberLimitExceeded
	}
	s.waiting = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		s.waiting = false
		t.mu.Unlock()
	}()
	select {
	case rec := <-s.events:
		return rec, nil
	case <-s.done:
		return MessageRecord{}, ErrNotAttached
	case <-ctx.Done():
		return MessageRecord{}, ctx.Err()
	}
}
