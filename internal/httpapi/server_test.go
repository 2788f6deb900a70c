package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/cluster"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/journal"
	"github.com/ent0n29/parley/internal/placement"
	"github.com/ent0n29/parley/internal/session"
)

type testStack struct {
	server   *httptest.Server
	sessions *session.Manager
	registry *placement.Registry
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	cfg := config.Config{JournalBackend: "memory", ClusterMode: "local", SessionSweepInterval: time.Minute}
	reg, err := placement.NewRegistry(cluster.NewHub().Join(cluster.Node{ID: "n1", Kind: cluster.KindPlacement}), placement.Options{})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	dir := directory.NewInMemoryStore(true)
	svc := chat.NewService(reg, journal.NewInMemoryStore(), dir, nil, chat.Config{FanoutTimeout: time.Second})
	sessions := session.NewManager(svc, cfg.SessionSweepInterval, nil)
	srv := New(cfg, svc, sessions, reg, dir, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		sessions.Shutdown()
		ts.Close()
		reg.Shutdown()
	})
	return &testStack{server: ts, sessions: sessions, registry: reg}
}

func (st *testStack) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, st.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return res, payload
}

func TestHealthAndReady(t *testing.T) {
	st := newTestStack(t)
	res, payload := st.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, payload)
	}
	if payload["node_id"] != "n1" || payload["journal_backend"] != "memory" {
		t.Fatalf("unexpected healthz payload: %+v", payload)
	}
	res, payload = st.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("readyz = %d %+v", res.StatusCode, payload)
	}
}

func TestRoomOpsAndHistory(t *testing.T) {
	st := newTestStack(t)

	res, payload := st.do(t, http.MethodPost, "/v1/rooms/general/ops", map[string]string{"participant_id": "bob", "op": "text", "text": "too early"})
	if res.StatusCode != http.StatusConflict || payload["code"] != "participant_not_joined" {
		t.Fatalf("text before join = %d %+v", res.StatusCode, payload)
	}

	for _, op := range []map[string]string{
		{"participant_id": "alice", "op": "join"},
		{"participant_id": "alice", "op": "text", "text": "hi"},
		{"participant_id": "bob", "op": "join"},
	} {
		res, payload := st.do(t, http.MethodPost, "/v1/rooms/general/ops", op)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("op %v = %d %+v", op, res.StatusCode, payload)
		}
	}

	res, payload = st.do(t, http.MethodGet, "/v1/rooms/general/history?after=1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", res.StatusCode)
	}
	records, _ := payload["records"].([]any)
	if len(records) != 2 {
		t.Fatalf("history after 1 = %+v, want 2 records", payload)
	}
	first, _ := records[0].(map[string]any)
	if first["text"] != "hi" || first["seq"] != float64(2) {
		t.Fatalf("first record = %+v", first)
	}

	res, payload = st.do(t, http.MethodGet, "/v1/rooms/general/history?after=x", nil)
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "invalid_after" {
		t.Fatalf("bad after = %d %+v", res.StatusCode, payload)
	}

	res, payload = st.do(t, http.MethodGet, "/v1/participants/alice", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("participant status = %d", res.StatusCode)
	}
	if rooms, _ := payload["joined_rooms"].([]any); len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("joined_rooms = %+v", payload["joined_rooms"])
	}
}

func TestRoomDescriptorAndAdminClose(t *testing.T) {
	st := newTestStack(t)

	res, _ := st.do(t, http.MethodPut, "/v1/rooms/lobby", map[string]string{"name": "Lobby", "description": "say hi"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put room status = %d", res.StatusCode)
	}
	res, payload := st.do(t, http.MethodGet, "/v1/rooms/lobby", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get room status = %d", res.StatusCode)
	}
	info, _ := payload["info"].(map[string]any)
	if info["name"] != "Lobby" {
		t.Fatalf("room info = %+v", info)
	}

	res, payload = st.do(t, http.MethodPost, "/v1/admin/entities/room/lobby/close", nil)
	if res.StatusCode != http.StatusOK || payload["closed"] != true {
		t.Fatalf("close = %d %+v", res.StatusCode, payload)
	}
	for _, e := range st.registry.Entries() {
		if e.Key == chat.RoomKey("lobby") {
			t.Fatalf("room still placed after close: %+v", e)
		}
	}

	res, payload = st.do(t, http.MethodPost, "/v1/admin/entities/widget/x/close", nil)
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "invalid_kind" {
		t.Fatalf("close widget = %d %+v", res.StatusCode, payload)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func eventFrom(participantID string, kind chat.Kind) func(map[string]any) bool {
	return func(frame map[string]any) bool {
		if frame["type"] != "room_event" {
			return false
		}
		ev, _ := frame["event"].(map[string]any)
		return ev["participant_id"] == participantID && ev["kind"] == string(kind)
	}
}

func TestRoomWebSocketSession(t *testing.T) {
	st := newTestStack(t)

	wsURL := "ws" + strings.TrimPrefix(st.server.URL, "http") + "/v1/rooms/general/ws?participant_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	readFrame(t, conn, eventFrom("alice", chat.KindJoin))

	res, payload := st.do(t, http.MethodPost, "/v1/rooms/general/ops", map[string]string{"participant_id": "bob", "op": "join"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bob join = %d %+v", res.StatusCode, payload)
	}
	readFrame(t, conn, eventFrom("bob", chat.KindJoin))
	st.do(t, http.MethodPost, "/v1/rooms/general/ops", map[string]string{"participant_id": "bob", "op": "text", "text": "yo"})
	readFrame(t, conn, eventFrom("bob", chat.KindText))

	if err := conn.WriteJSON(map[string]string{"type": "client_op", "op": "text"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readFrame(t, conn, func(f map[string]any) bool {
		return f["type"] == "error_event" && f["code"] == "invalid_client_message"
	})

	_, payload = st.do(t, http.MethodGet, "/v1/sessions", nil)
	sessions, _ := payload["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v, want 1", payload)
	}
	listed, _ := sessions[0].(map[string]any)
	sessionID, _ := listed["session_id"].(string)
	res, payload = st.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/touch", nil)
	if res.StatusCode != http.StatusOK || payload["session_id"] != sessionID {
		t.Fatalf("touch = %d %+v", res.StatusCode, payload)
	}
	res, payload = st.do(t, http.MethodPost, "/v1/sessions/missing/touch", nil)
	if res.StatusCode != http.StatusNotFound || payload["code"] != "session_not_found" {
		t.Fatalf("touch missing = %d %+v", res.StatusCode, payload)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_op", "op": "leave"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readFrame(t, conn, func(f map[string]any) bool {
		return f["type"] == "system_event" && f["code"] == "session_ended"
	})
	if n := st.sessions.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d after leave, want 0", n)
	}
}

func TestRoomWebSocketRequiresParticipant(t *testing.T) {
	st := newTestStack(t)
	res, payload := st.do(t, http.MethodGet, "/v1/rooms/general/ws", nil)
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "missing_participant_id" {
		t.Fatalf("ws without participant = %d %+v", res.StatusCode, payload)
	}
}
