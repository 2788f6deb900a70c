package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/parley/internal/codec"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/placement"
)

// room is the entity behind RoomKey. State changes only after the journal
// accepted the record, and fan-out only happens after the state change.
type room struct {
	svc          *Service
	id           string
	key          placement.Key
	info         directory.RoomDescriptor
	participants map[string]struct{}
	messages     []MessageRecord
	lastSeq      int64

	self placement.Ref
	stop chan struct{}
}

func (s *Service) spawnRoom(ctx context.Context, id string) (*room, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	info, err := s.directory.RoomDescriptor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("room %s descriptor: %w", id, err)
	}
	r := &room{
		svc:          s,
		id:           id,
		key:          RoomKey(id),
		info:         info,
		participants: make(map[string]struct{}),
	}
	last, err := s.replay(ctx, r.key, r.apply)
	if err != nil {
		return nil, fmt.Errorf("room %s replay: %w", id, err)
	}
	r.lastSeq = last
	return r, nil
}

func (r *room) apply(rec MessageRecord) {
	switch rec.Kind {
	case KindJoin:
		r.participants[rec.ParticipantID] = struct{}{}
	case KindLeave, KindDisconnect:
		delete(r.participants, rec.ParticipantID)
	}
	r.messages = append(r.messages, rec)
	if rec.Sequence > r.lastSeq {
		r.lastSeq = rec.Sequence
	}
}

func (r *room) Started(self placement.Ref) {
	r.self = self
	interval := r.svc.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.self.Tell(opRoomHeartbeat, "", nil)
			}
		}
	}()
}

func (r *room) Stopped() {
	if r.stop != nil {
		close(r.stop)
	}
}

func (r *room) Receive(ctx context.Context, req placement.Request) ([]byte, error) {
	switch req.Op {
	case opRoomHandle:
		var in handleRequest
		if err := codec.Unmarshal(req.Body, &in); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.Op, err)
		}
		started := time.Now()
		rec, err := r.handle(ctx, req.Sender, in.Op)
		r.svc.metrics.ObserveOp("room.handle", time.Since(started))
		if err != nil {
			return nil, err
		}
		return codec.Marshal(rec)
	case opRoomHistory:
		var in historyRequest
		if err := codec.Unmarshal(req.Body, &in); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.Op, err)
		}
		return codec.Marshal(r.history(in.After))
	case opRoomSnapshot:
		return codec.Marshal(r.snapshot())
	case opRoomHeartbeat:
		r.heartbeat(ctx)
		return nil, nil
	default:
		return nil, fmt.Errorf("room %s: op %q: %w", r.id, req.Op, ErrInvalidOp)
	}
}

func (r *room) handle(ctx context.Context, from string, op Op) (MessageRecord, error) {
	if err := validID(from); err != nil {
		return MessageRecord{}, err
	}
	if err := op.validate(); err != nil {
		return MessageRecord{}, err
	}
	if op.Kind != KindJoin {
		if _, ok := r.participants[from]; !ok {
			return MessageRecord{}, fmt.Errorf("%s in room %s: %w", from, r.id, ErrParticipantNotJoined)
		}
	}

	rec := r.svc.newRecord(from, r.id, op)
	seq, err := r.svc.appendRecord(ctx, r.key, rec)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("room %s append: %w", r.id, err)
	}
	rec.Sequence = seq
	r.apply(rec)

	recipients := make([]string, 0, len(r.participants))
	for id := range r.participants {
		if id == from && op.Kind != KindJoin {
			continue
		}
		recipients = append(recipients, id)
	}
	r.fanout(ctx, rec, recipients)
	return rec, nil
}

// fanout delivers rec to every recipient concurrently. Delivery is best
// effort: a slow or failed recipient never fails the operation, and the call
// returns once every delivery finished or timed out.
func (r *room) fanout(ctx context.Context, rec MessageRecord, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, id := range recipients {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, r.svc.cfg.FanoutTimeout)
			defer cancel()
			delivered, err := r.svc.Notify(dctx, id, rec)
			switch {
			case err != nil:
				r.svc.metrics.ObserveFanout("failed")
				if !errors.Is(err, context.DeadlineExceeded) {
					log.Printf("room %s: deliver seq=%d to %s: %v", r.id, rec.Sequence, id, err)
				}
			case delivered:
				r.svc.metrics.ObserveFanout("delivered")
			default:
				r.svc.metrics.ObserveFanout("dropped")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *room) heartbeat(ctx context.Context) {
	if len(r.participants) == 0 {
		return
	}
	rec := MessageRecord{
		CreatedAt: r.svc.now().UTC(),
		RoomID:    r.id,
		Kind:      KindHeartbeat,
	}
	r.fanout(ctx, rec, r.participantIDs())
}

func (r *room) history(after int64) []MessageRecord {
	idx := sort.Search(len(r.messages), func(i int) bool { return r.messages[i].Sequence > after })
	out := make([]MessageRecord, len(r.messages)-idx)
	copy(out, r.messages[idx:])
	return out
}

func (r *room) participantIDs() []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *room) snapshot() RoomState {
	return RoomState{
		Info:         r.info,
		Participants: r.participantIDs(),
		Messages:     r.history(0),
		LastSequence: r.lastSeq,
	}
}
