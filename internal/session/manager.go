package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/placement"
	"github.com/ent0n29/parley/internal/reliability"
)

var ErrNotFound = errors.New("session not found")

type pair struct {
	participantID string
	roomID        string
}

// gate serializes Accept calls for one (participant, room) pair.
type gate struct {
	mu   sync.Mutex
	refs int
}

type conn struct {
	session *Session
	inbound Inbound
	sink    Sink

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup
	sendMu sync.Mutex

	endOnce  sync.Once
	done     chan struct{}
	expiring bool
}

// Manager bridges client streams to participant and room entities. It owns
// every session record; entities only ever see participant and room ids.
type Manager struct {
	entities Entities
	metrics  *observability.Metrics

	mu                sync.RWMutex
	sessions          map[string]*conn
	byPair            map[pair]string
	gates             map[pair]*gate
	inactivityTimeout time.Duration
	teardownTimeout   time.Duration
	onExpire          func(*Session)
}

func NewManager(entities Entities, inactivityTimeout time.Duration, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 15 * time.Second
	}
	return &Manager{
		entities:          entities,
		metrics:           metrics,
		sessions:          make(map[string]*conn),
		byPair:            make(map[pair]string),
		gates:             make(map[pair]*gate),
		inactivityTimeout: inactivityTimeout,
		teardownTimeout:   5 * time.Second,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) lockPair(p pair) *gate {
	m.mu.Lock()
	g := m.gates[p]
	if g == nil {
		g = &gate{}
		m.gates[p] = g
	}
	g.refs++
	m.mu.Unlock()
	g.mu.Lock()
	return g
}

func (m *Manager) unlockPair(p pair, g *gate) {
	g.mu.Unlock()
	m.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(m.gates, p)
	}
	m.mu.Unlock()
}

// Accept binds a client stream to (participantID, roomID): it attaches the
// stream as the participant's live subscriber for the room, joins the room
// and starts the inbound and outbound pumps. An active session for the same
// pair is torn down first. The session lives until ctx ends, the stream
// closes, the client leaves or the liveness sweep evicts it.
func (m *Manager) Accept(ctx context.Context, participantID, roomID string, inbound Inbound, sink Sink) (*Session, error) {
	if participantID == "" || roomID == "" {
		return nil, fmt.Errorf("accept: %w", chat.ErrInvalidID)
	}
	key := pair{participantID: participantID, roomID: roomID}
	g := m.lockPair(key)
	defer m.unlockPair(key, g)

	m.mu.RLock()
	oldID, replacing := m.byPair[key]
	old := m.sessions[oldID]
	m.mu.RUnlock()
	if replacing && old != nil {
		m.end(old, EndReplaced, true)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ParticipantID:  participantID,
		RoomID:         roomID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.entities.Attach(ctx, participantID, roomID, s.ID); err != nil {
		return nil, fmt.Errorf("attach %s to %s: %w", participantID, roomID, err)
	}
	if _, err := m.entities.Send(ctx, participantID, roomID, chat.Join()); err != nil {
		m.release(participantID, roomID, s.ID)
		return nil, fmt.Errorf("join %s to %s: %w", participantID, roomID, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &conn{
		session: s,
		inbound: inbound,
		sink:    sink,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.ID] = c
	m.byPair[key] = s.ID
	active := m.activeLocked()
	m.mu.Unlock()
	m.metrics.SetActiveSessions(active)
	m.metrics.ObserveSessionEvent("accepted")

	c.pumps.Add(2)
	go m.pumpInbound(c)
	go m.pumpOutbound(c)
	go func() {
		<-cctx.Done()
		m.end(c, EndClosed, true)
	}()
	return clone(s), nil
}

func (m *Manager) pumpInbound(c *conn) {
	defer c.pumps.Done()
	s := c.session
	for {
		op, err := c.inbound.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			reason := EndFailed
			if errors.Is(err, io.EOF) {
				reason = EndClosed
			}
			go m.end(c, reason, true)
			return
		}
		m.touch(c)
		m.metrics.ObserveWSMessage("in", string(op.Kind))
		if op.Kind == chat.KindHeartbeat {
			continue
		}

		// Awaited before the next read: a stalled entity stalls the stream.
		if _, err := m.entities.Send(c.ctx, s.ParticipantID, s.RoomID, op); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if !chat.IsValidation(err) {
				log.Printf("session %s: %s: %v", s.ID, op.Kind, err)
			}
			if werr := m.write(c, Frame{Error: failure(err)}); werr != nil {
				go m.end(c, EndWriteFailed, true)
				return
			}
			continue
		}
		if op.Kind == chat.KindLeave || op.Kind == chat.KindDisconnect {
			go m.end(c, EndLeft, false)
			return
		}
	}
}

func (m *Manager) pumpOutbound(c *conn) {
	defer c.pumps.Done()
	s := c.session
	for {
		rec, err := m.entities.Subscribe(c.ctx, s.ParticipantID, s.RoomID)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, chat.ErrNotAttached) {
				go m.end(c, EndDetached, false)
				return
			}
			log.Printf("session %s: subscribe: %v", s.ID, err)
			go m.end(c, EndFailed, true)
			return
		}
		if err := m.write(c, Frame{Event: &rec}); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			go m.end(c, EndWriteFailed, true)
			return
		}
		m.metrics.ObserveWSMessage("out", string(rec.Kind))
	}
}

func (m *Manager) write(c *conn, frame Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sink.Send(c.ctx, frame)
}

func failure(err error) *FrameError {
	if chat.IsValidation(err) {
		return &FrameError{Code: placement.ErrorCode(err), Source: "validation", Detail: err.Error()}
	}
	return &FrameError{
		Code:      placement.ErrorCode(err),
		Source:    "entity",
		Detail:    err.Error(),
		Retryable: reliability.IsRetryable(err),
	}
}

// end tears c down once: it stops both pumps and waits for them, then
// disconnects from the room when asked to and releases the binding. Callers
// other than the first block until teardown finished.
func (m *Manager) end(c *conn, reason string, disconnect bool) {
	c.endOnce.Do(func() {
		c.cancel()
		c.pumps.Wait()

		s := c.session
		ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
		defer cancel()
		if disconnect {
			_, err := m.entities.Send(ctx, s.ParticipantID, s.RoomID, chat.Disconnect())
			if err != nil && !errors.Is(err, chat.ErrParticipantNotJoined) {
				log.Printf("session %s: disconnect %s from %s: %v", s.ID, s.ParticipantID, s.RoomID, err)
			}
		}

		m.mu.Lock()
		s.Status = StatusEnded
		s.EndReason = reason
		s.LastActivityAt = time.Now().UTC()
		delete(m.sessions, s.ID)
		key := pair{participantID: s.ParticipantID, roomID: s.RoomID}
		if m.byPair[key] == s.ID {
			delete(m.byPair, key)
		}
		remaining := m.countParticipantLocked(s.ParticipantID)
		active := m.activeLocked()
		m.mu.Unlock()

		m.release(s.ParticipantID, s.RoomID, s.ID)
		if remaining == 0 && reason != EndReplaced {
			if err := m.entities.Teardown(ctx, s.ParticipantID); err != nil {
				log.Printf("session %s: teardown %s: %v", s.ID, s.ParticipantID, err)
			}
		}
		m.metrics.SetActiveSessions(active)
		m.metrics.ObserveSessionEvent(reason)
		close(c.done)
	})
	<-c.done
}

func (m *Manager) release(participantID, roomID, binding string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()
	if err := m.entities.Detach(ctx, participantID, roomID, binding); err != nil {
		log.Printf("session %s: detach %s from %s: %v", binding, participantID, roomID, err)
	}
}

func (m *Manager) touch(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.session.LastActivityAt = time.Now().UTC()
}

// Touch refreshes the liveness of a session for clients that keep it alive
// out of band.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c.session), nil
}

// Done is closed once the session has been torn down.
func (m *Manager) Done(sessionID string) <-chan struct{} {
	m.mu.RLock()
	c, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// End tears the session down as a disconnect and returns its final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.RLock()
	c, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	m.end(c, EndClosed, true)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(c.session), nil
}

// List returns the active sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, clone(c.session))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	return len(m.sessions)
}

func (m *Manager) countParticipantLocked(participantID string) int {
	n := 0
	for _, c := range m.sessions {
		if c.session.ParticipantID == participantID {
			n++
		}
	}
	return n
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*conn

	m.mu.Lock()
	for _, c := range m.sessions {
		if c.expiring || now.Sub(c.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		c.expiring = true
		expired = append(expired, c)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range expired {
		go func() {
			m.end(c, EndExpired, true)
			if hook != nil {
				m.mu.RLock()
				s := clone(c.session)
				m.mu.RUnlock()
				hook(s)
			}
		}()
	}
}

// Shutdown ends every session as a disconnect.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*conn, 0, len(m.sessions))
	for _, c := range m.sessions {
		all = append(all, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.end(c, EndShutdown, true)
		}()
	}
	wg.Wait()
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
