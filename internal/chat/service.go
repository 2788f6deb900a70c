package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/parley/internal/codec"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/journal"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/placement"
	"github.com/ent0n29/parley/internal/reliability"
)

type Config struct {
	HeartbeatInterval time.Duration
	FanoutTimeout     time.Duration
	AppendRetries     int
	RetryBase         time.Duration
	RetryCap          time.Duration
}

func (c Config) withDefaults() Config {
	if c.FanoutTimeout <= 0 {
		c.FanoutTimeout = 2 * time.Second
	}
	if c.AppendRetries < 0 {
		c.AppendRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 500 * time.Millisecond
	}
	return c
}

// Service spawns room and participant entities on demand and is the typed
// client API over them. Every call goes through placement, so the entity may
// live on any node.
type Service struct {
	registry  *placement.Registry
	journal   journal.Store
	directory directory.Store
	metrics   *observability.Metrics
	cfg       Config
	now       func() time.Time
}

func NewService(registry *placement.Registry, store journal.Store, dir directory.Store, metrics *observability.Metrics, cfg Config) *Service {
	return &Service{
		registry:  registry,
		journal:   store,
		directory: dir,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

func (s *Service) spawn(ctx context.Context, key placement.Key) (placement.Behavior, error) {
	id := strings.TrimPrefix(string(key), key.Kind()+"/")
	switch key.Kind() {
	case "room":
		r, err := s.spawnRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "participant":
		p, err := s.spawnParticipant(ctx, id)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("spawn %s: unknown entity kind", key)
	}
}

// Spawn is the placement.SpawnFunc for every chat entity kind.
func (s *Service) Spawn() placement.SpawnFunc { return s.spawn }

func (s *Service) call(ctx context.Context, key placement.Key, op, sender string, req, resp any) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = codec.Marshal(req); err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
	}
	out, err := s.registry.Call(ctx, key, s.spawn, op, sender, body)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := codec.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	return nil
}

// appendRecord journals rec under key, retrying transient storage failures.
func (s *Service) appendRecord(ctx context.Context, key placement.Key, rec MessageRecord) (int64, error) {
	payload, err := codec.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	started := time.Now()
	var seq int64
	err = reliability.Retry(ctx, s.cfg.AppendRetries, s.cfg.RetryBase, s.cfg.RetryCap, func() error {
		var appendErr error
		seq, appendErr = s.journal.Append(ctx, string(key), payload)
		return appendErr
	})
	s.metrics.ObserveOp("journal.append", time.Since(started))
	if err != nil {
		s.metrics.ObserveJournalAppend("error")
		return 0, err
	}
	s.metrics.ObserveJournalAppend("ok")
	return seq, nil
}

// replay feeds the journal of key through apply, skipping duplicates.
func (s *Service) replay(ctx context.Context, key placement.Key, apply func(MessageRecord)) (int64, error) {
	events, err := s.journal.ReadAll(ctx, string(key))
	if err != nil {
		return 0, err
	}
	return journal.Replay(events, 0, func(ev journal.Event) error {
		var rec MessageRecord
		if err := codec.Unmarshal(ev.Payload, &rec); err != nil {
			return err
		}
		rec.Sequence = ev.Sequence
		apply(rec)
		return nil
	})
}

func (s *Service) newRecord(participantID, roomID string, op Op) MessageRecord {
	return MessageRecord{
		ID:            uuid.NewString(),
		CreatedAt:     s.now().UTC(),
		ParticipantID: participantID,
		RoomID:        roomID,
		Kind:          op.Kind,
		Text:          op.Text,
	}
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty id: %w", ErrInvalidID)
	}
	return nil
}

// Send submits op for participantID in roomID through the participant
// entity and returns the record the room accepted.
func (s *Service) Send(ctx context.Context, participantID, roomID string, op Op) (MessageRecord, error) {
	if err := errors.Join(validID(participantID), validID(roomID)); err != nil {
		return MessageRecord{}, err
	}
	var rec MessageRecord
	err := s.call(ctx, ParticipantKey(participantID), opParticipantSend, participantID, sendRequest{RoomID: roomID, Op: op}, &rec)
	return rec, err
}

// Attach binds a live connection to the participant's delivery slot for
// roomID, replacing any earlier binding for that room.
func (s *Service) Attach(ctx context.Context, participantID, roomID, binding string) error {
	return s.call(ctx, ParticipantKey(participantID), opParticipantAttach, participantID, slotRequest{RoomID: roomID, Binding: binding}, nil)
}

// Detach removes binding if it is still the current one for roomID.
func (s *Service) Detach(ctx context.Context, participantID, roomID, binding string) error {
	return s.call(ctx, ParticipantKey(participantID), opParticipantDetach, participantID, slotRequest{RoomID: roomID, Binding: binding}, nil)
}

// Subscribe waits for the next event delivered to the participant from
// roomID.
func (s *Service) Subscribe(ctx context.Context, participantID, roomID string) (MessageRecord, error) {
	var rec MessageRecord
	err := s.call(ctx, ParticipantKey(participantID), opParticipantSubscribe, participantID, slotRequest{RoomID: roomID}, &rec)
	return rec, err
}

// Notify hands rec to the participant. It reports false when no connection
// took the event.
func (s *Service) Notify(ctx context.Context, participantID string, rec MessageRecord) (bool, error) {
	var delivered bool
	err := s.call(ctx, ParticipantKey(participantID), opParticipantNotify, rec.RoomID, rec, &delivered)
	return delivered, err
}

// Teardown disconnects the participant from every room it is still joined to.
func (s *Service) Teardown(ctx context.Context, participantID string) error {
	return s.call(ctx, ParticipantKey(participantID), opParticipantTeardown, participantID, nil, nil)
}

// History returns the room's accepted records with a sequence above after.
func (s *Service) History(ctx context.Context, roomID string, after int64) ([]MessageRecord, error) {
	if err := validID(roomID); err != nil {
		return nil, err
	}
	var out []MessageRecord
	err := s.call(ctx, RoomKey(roomID), opRoomHistory, "", historyRequest{After: after}, &out)
	return out, err
}

func (s *Service) RoomState(ctx context.Context, roomID string) (RoomState, error) {
	if err := validID(roomID); err != nil {
		return RoomState{}, err
	}
	var st RoomState
	err := s.call(ctx, RoomKey(roomID), opRoomSnapshot, "", nil, &st)
	return st, err
}

func (s *Service) ParticipantState(ctx context.Context, participantID string) (ParticipantState, error) {
	if err := validID(participantID); err != nil {
		return ParticipantState{}, err
	}
	var st ParticipantState
	err := s.call(ctx, ParticipantKey(participantID), opParticipantSnapshot, participantID, nil, &st)
	return st, err
}

// handleRoom delivers op from participantID straight to the room entity.
func (s *Service) handleRoom(ctx context.Context, roomID, participantID string, op Op) (MessageRecord, error) {
	var rec MessageRecord
	err := s.call(ctx, RoomKey(roomID), opRoomHandle, participantID, handleRequest{Op: op}, &rec)
	return rec, err
}
