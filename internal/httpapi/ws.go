package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// wsStream adapts one websocket connection to the session manager's inbound
// stream and outbound sink.
type wsStream struct {
	conn *websocket.Conn

	ops     chan chat.Op
	readErr error
	closed  chan struct{}
	quit    chan struct{}
	once    sync.Once

	writeMu   sync.Mutex
	sessionID string
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{
		conn:   conn,
		ops:    make(chan chat.Op),
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

func (st *wsStream) stop() {
	st.once.Do(func() { close(st.quit) })
}

// readLoop hands one parsed op at a time to Next; it does not read the next
// frame until the previous op was taken.
func (st *wsStream) readLoop() {
	defer close(st.closed)
	st.conn.SetReadLimit(1 << 20)
	_ = st.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		msgType, data, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			st.readErr = err
			return
		}
		_ = st.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		op, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = st.writeJSON(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: st.currentSessionID(),
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		select {
		case st.ops <- op:
		case <-st.quit:
			return
		}
	}
}

func (st *wsStream) Next(ctx context.Context) (chat.Op, error) {
	select {
	case op := <-st.ops:
		return op, nil
	case <-st.closed:
		if st.readErr == nil {
			return chat.Op{}, io.EOF
		}
		return chat.Op{}, st.readErr
	case <-ctx.Done():
		return chat.Op{}, ctx.Err()
	}
}

func (st *wsStream) Send(_ context.Context, frame session.Frame) error {
	id := st.currentSessionID()
	switch {
	case frame.Event != nil:
		return st.writeJSON(protocol.EventFrame(id, *frame.Event))
	case frame.Error != nil:
		return st.writeJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: id,
			Code:      frame.Error.Code,
			Source:    frame.Error.Source,
			Retryable: frame.Error.Retryable,
			Detail:    frame.Error.Detail,
		})
	default:
		return nil
	}
}

func (st *wsStream) writeJSON(v any) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return st.conn.WriteJSON(v)
}

func (st *wsStream) setSessionID(id string) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.sessionID = id
}

func (st *wsStream) currentSessionID() string {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.sessionID
}

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "id"))
	participantID := strings.TrimSpace(r.URL.Query().Get("participant_id"))
	if participantID == "" {
		respondError(w, http.StatusBadRequest, "missing_participant_id", "query parameter participant_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	stream := newWSStream(conn)
	defer stream.stop()
	go stream.readLoop()

	sess, err := s.sessions.Accept(r.Context(), participantID, roomID, stream, stream)
	if err != nil {
		_ = stream.writeJSON(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "accept_failed",
			Source: "session",
			Detail: err.Error(),
		})
		return
	}
	stream.setSessionID(sess.ID)
	_ = stream.writeJSON(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sess.ID,
		Code:      "session_started",
		Detail:    roomID,
	})

	<-s.sessions.Done(sess.ID)
	_ = stream.writeJSON(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sess.ID,
		Code:      "session_ended",
	})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.metrics.ObserveSessionEvent("ws_disconnected")
}
