package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
)

// Event is one durable entry of an entity's journal.
type Event struct {
	Key       string    `json:"key"`
	Sequence  int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// Store is an append-only, per-key event log. Append assigns
// max(existing)+1 atomically per key; appends to the same key serialize,
// appends to different keys do not contend. ReadAll re-reads from the start
// on every call.
type Store interface {
	Append(ctx context.Context, key string, payload []byte) (int64, error)
	ReadAll(ctx context.Context, key string) ([]Event, error)
	Close() error
}

// ErrUnavailable reports a storage failure. It is retryable; the journal never
// retries on its own.
var ErrUnavailable = fmt.Errorf("journal unavailable: %w", reliability.ErrRetryable)

var ErrEmptyKey = errors.New("journal: empty entity key")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Replay applies events in sequence order starting after the given sequence.
// Events whose sequence is not greater than the highest one already applied
// are skipped, which makes re-appended or re-read duplicates harmless. It
// returns the highest applied sequence.
func Replay(events []Event, after int64, apply func(Event) error) (int64, error) {
	last := after
	for _, ev := range events {
		if ev.Sequence <= last {
			continue
		}
		if err := apply(ev); err != nil {
			return last, fmt.Errorf("replay %s@%d: %w", ev.Key, ev.Sequence, err)
		}
		last = ev.Sequence
	}
	return last, nil
}
