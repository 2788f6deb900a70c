package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlotHoldsOneEvent(t *testing.T) {
	slots := newSlotTable()
	if slots.offer(MessageRecord{RoomID: "r1", Sequence: 1}) {
		t.Fatalf("offer() without attachment reported delivery")
	}
	slots.attach("r1", "c1")
	if !slots.offer(MessageRecord{RoomID: "r1", Sequence: 1}) {
		t.Fatalf("first offer() was dropped")
	}
	if slots.offer(MessageRecord{RoomID: "r1", Sequence: 2}) {
		t.Fatalf("second offer() into a full slot was accepted")
	}
	rec, err := slots.next(context.Background(), "r1")
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if rec.Sequence != 1 {
		t.Fatalf("next() seq = %d, want 1", rec.Sequence)
	}
}

func TestSlotRejectsSecondSubscriber(t *testing.T) {
	slots := newSlotTable()
	slots.attach("r1", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := slots.next(ctx, "r1")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		slots.mu.Lock()
		waiting := slots.byRoom["r1"].waiting
		slots.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first subscriber never started waiting")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := slots.next(context.Background(), "r1"); !errors.Is(err, ErrSubscriberLimitExceeded) {
		t.Fatalf("second next() error = %v, want ErrSubscriberLimitExceeded", err)
	}

	// Another room has its own slot.
	slots.attach("r2", "c2")
	slots.offer(MessageRecord{RoomID: "r2"})
	if _, err := slots.next(context.Background(), "r2"); err != nil {
		t.Fatalf("next(r2) error = %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("first next() error = %v, want context.Canceled", err)
	}
}

func TestSlotDetachIgnoresStaleBinding(t *testing.T) {
	slots := newSlotTable()
	slots.attach("r1", "old")
	slots.attach("r1", "new")
	if slots.detach("r1", "old") {
		t.Fatalf("detach() of a replaced binding removed the slot")
	}
	if !slots.offer(MessageRecord{RoomID: "r1"}) {
		t.Fatalf("offer() after stale detach was dropped")
	}
	if !slots.detach("r1", "new") {
		t.Fatalf("detach() of the current binding failed")
	}
}
