package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/parley/internal/codec"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/placement"
)

// participant is the entity behind ParticipantKey. It forwards operations to
// rooms and keeps a journaled mirror of the rooms it joined. Delivery ops run
// outside the mailbox so a room fanning out an event caused by this
// participant's own send never waits on it.
type participant struct {
	svc     *Service
	id      string
	key     placement.Key
	info    directory.ParticipantDescriptor
	joined  map[string]struct{}
	lastSeq int64
	slots   *slotTable

	// pending holds mirror changes the room accepted but the journal has not
	// taken yet. They are applied only once appended.
	pending []MessageRecord
}

const stopFlushTimeout = 2 * time.Second

func (s *Service) spawnParticipant(ctx context.Context, id string) (*participant, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	info, err := s.directory.ParticipantDescriptor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("participant %s descriptor: %w", id, err)
	}
	p := &participant{
		svc:    s,
		id:     id,
		key:    ParticipantKey(id),
		info:   info,
		joined: make(map[string]struct{}),
		slots:  newSlotTable(),
	}
	last, err := s.replay(ctx, p.key, p.apply)
	if err != nil {
		return nil, fmt.Errorf("participant %s replay: %w", id, err)
	}
	p.lastSeq = last
	return p, nil
}

func (p *participant) apply(rec MessageRecord) {
	switch rec.Kind {
	case KindJoin:
		p.joined[rec.RoomID] = struct{}{}
	case KindLeave, KindDisconnect:
		delete(p.joined, rec.RoomID)
	}
	if rec.Sequence > p.lastSeq {
		p.lastSeq = rec.Sequence
	}
}

func (p *participant) Concurrent(op string) bool {
	switch op {
	case opParticipantNotify, opParticipantAttach, opParticipantDetach, opParticipantSubscribe:
		return true
	}
	return false
}

func (p *participant) Stopped() {
	p.slots.detachAll()
	if len(p.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	if err := p.flush(ctx); err != nil {
		log.Printf("participant %s: dropping %d unjournaled mirror changes: %v", p.id, len(p.pending), err)
	}
}

func (p *participant) Receive(ctx context.Context, req placement.Request) ([]byte, error) {
	switch req.Op {
	case opParticipantSend:
		var in sendRequest
		if err := codec.Unmarshal(req.Body, &in); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.Op, err)
		}
		started := time.Now()
		rec, err := p.send(ctx, in.RoomID, in.Op)
		p.svc.metrics.ObserveOp("participant.send", time.Since(started))
		if err != nil {
			return nil, err
		}
		return codec.Marshal(rec)
	case opParticipantNotify:
		var rec MessageRecord
		if err := codec.Unmarshal(req.Body, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.Op, err)
		}
		return codec.Marshal(p.slots.offer(rec))
	case opParticipantAttach, opParticipantDetach, opParticipantSubscribe:
		var in slotRequest
		if err := codec.Unmarshal(req.Body, &in); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.Op, err)
		}
		switch req.Op {
		case opParticipantAttach:
			p.slots.attach(in.RoomID, in.Binding)
			return nil, nil
		case opParticipantDetach:
			p.slots.detach(in.RoomID, in.Binding)
			return nil, nil
		}
		rec, err := p.slots.next(ctx, in.RoomID)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(rec)
	case opParticipantTeardown:
		p.teardown(ctx)
		return nil, nil
	case opParticipantSnapshot:
		return codec.Marshal(p.snapshot())
	default:
		return nil, fmt.Errorf("participant %s: op %q: %w", p.id, req.Op, ErrInvalidOp)
	}
}

func (p *participant) send(ctx context.Context, roomID string, op Op) (MessageRecord, error) {
	if err := validID(roomID); err != nil {
		return MessageRecord{}, err
	}
	if err := op.validate(); err != nil {
		return MessageRecord{}, err
	}
	if err := p.flush(ctx); err != nil {
		return MessageRecord{}, err
	}
	if op.Kind != KindJoin {
		if _, ok := p.joined[roomID]; !ok {
			return MessageRecord{}, fmt.Errorf("%s in room %s: %w", p.id, roomID, ErrParticipantNotJoined)
		}
	}

	rec, err := p.svc.handleRoom(ctx, roomID, p.id, op)
	if errors.Is(err, ErrParticipantNotJoined) {
		// The room no longer lists us; drop the stale mirror entry.
		if rerr := p.record(ctx, p.svc.newRecord(p.id, roomID, Disconnect())); rerr != nil {
			log.Printf("%v; queued", rerr)
		}
	}
	if err != nil {
		return MessageRecord{}, err
	}
	// The room already accepted rec, so a mirror that cannot be journaled yet
	// stays queued instead of failing the operation.
	if err := p.record(ctx, rec); err != nil {
		log.Printf("%v; queued", err)
	}
	return rec, nil
}

// record queues a membership change of the mirror and flushes the queue.
func (p *participant) record(ctx context.Context, rec MessageRecord) error {
	member := p.member(rec.RoomID)
	switch rec.Kind {
	case KindJoin:
		if member {
			return nil
		}
	case KindLeave, KindDisconnect:
		if !member {
			return nil
		}
	default:
		return nil
	}
	entry := rec
	entry.Sequence = 0
	p.pending = append(p.pending, entry)
	return p.flush(ctx)
}

// flush appends queued mirror changes in order, applying each one after its
// append succeeds. It stops at the first failure.
func (p *participant) flush(ctx context.Context) error {
	for len(p.pending) > 0 {
		entry := p.pending[0]
		seq, err := p.svc.appendRecord(ctx, p.key, entry)
		if err != nil {
			return fmt.Errorf("participant %s: journal %s of room %s: %w", p.id, entry.Kind, entry.RoomID, err)
		}
		entry.Sequence = seq
		p.apply(entry)
		p.pending = p.pending[1:]
	}
	p.pending = nil
	return nil
}

// member reports membership of roomID with queued changes taken into account.
func (p *participant) member(roomID string) bool {
	_, ok := p.joined[roomID]
	for _, rec := range p.pending {
		if rec.RoomID == roomID {
			ok = rec.Kind == KindJoin
		}
	}
	return ok
}

// teardown disconnects from every joined room concurrently. Failures are
// logged; a room that could not be reached keeps the participant listed.
func (p *participant) teardown(ctx context.Context) {
	if err := p.flush(ctx); err != nil {
		log.Printf("%v; queued", err)
	}
	rooms := p.memberRooms()
	if len(rooms) == 0 {
		return
	}
	var (
		mu       sync.Mutex
		accepted []MessageRecord
		g        errgroup.Group
	)
	for _, roomID := range rooms {
		g.Go(func() error {
			rec, err := p.svc.handleRoom(ctx, roomID, p.id, Disconnect())
			if err != nil && !errors.Is(err, ErrParticipantNotJoined) {
				log.Printf("participant %s: disconnect from %s: %v", p.id, roomID, err)
				return nil
			}
			if err != nil {
				rec = p.svc.newRecord(p.id, roomID, Disconnect())
			}
			mu.Lock()
			accepted = append(accepted, rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	for _, rec := range accepted {
		if err := p.record(ctx, rec); err != nil {
			log.Printf("%v; queued", err)
		}
	}
}

func (p *participant) joinedRooms() []string {
	rooms := make([]string, 0, len(p.joined))
	for id := range p.joined {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// memberRooms lists joined rooms including queued joins the room accepted.
func (p *participant) memberRooms() []string {
	rooms := make([]string, 0, len(p.joined)+len(p.pending))
	seen := make(map[string]struct{}, len(p.joined)+len(p.pending))
	for _, id := range p.joinedRooms() {
		seen[id] = struct{}{}
		if p.member(id) {
			rooms = append(rooms, id)
		}
	}
	for _, rec := range p.pending {
		if _, ok := seen[rec.RoomID]; ok {
			continue
		}
		seen[rec.RoomID] = struct{}{}
		if p.member(rec.RoomID) {
			rooms = append(rooms, rec.RoomID)
		}
	}
	sort.Strings(rooms)
	return rooms
}

func (p *participant) snapshot() ParticipantState {
	return ParticipantState{
		Info:         p.info,
		JoinedRooms:  p.joinedRooms(),
		LastSequence: p.lastSeq,
	}
}
