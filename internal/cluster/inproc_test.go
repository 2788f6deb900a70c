package cluster

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubEndpoint struct {
	hosted map[string]bool
	err    error
}

func (s *stubEndpoint) Hosts(key string) bool { return s.hosted[key] }

func (s *stubEndpoint) Invoke(_ context.Context, call Call) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte(call.Op+":"), call.Body...), nil
}

func TestHubListNodesByKind(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})
	hub.Join(Node{ID: "b", Kind: KindPlacement})
	hub.Join(Node{ID: "gw", Kind: "gateway"})

	nodes, err := a.ListNodes(context.Background(), KindPlacement)
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("ListNodes() = %d nodes, want 2", len(nodes))
	}
	all, err := a.ListNodes(context.Background(), "")
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListNodes(\"\") = %d nodes, want 3", len(all))
	}
}

func TestHubLookupAndInvoke(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})
	b := hub.Join(Node{ID: "b", Kind: KindPlacement})
	if err := b.Serve(&stubEndpoint{hosted: map[string]bool{"room/x": true}}); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	ctx := context.Background()
	ok, err := a.Lookup(ctx, "b", "room/x")
	if err != nil || !ok {
		t.Fatalf("Lookup(room/x) = %v, %v, want true, nil", ok, err)
	}
	ok, err = a.Lookup(ctx, "b", "room/y")
	if err != nil || ok {
		t.Fatalf("Lookup(room/y) = %v, %v, want false, nil", ok, err)
	}
	body, err := a.Invoke(ctx, "b", Call{Key: "room/x", Op: "ping", Body: []byte("1")})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(body) != "ping:1" {
		t.Fatalf("Invoke() = %q, want %q", body, "ping:1")
	}
}

func TestHubInvokeCarriesRemoteErrorCode(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})
	b := hub.Join(Node{ID: "b", Kind: KindPlacement})
	_ = b.Serve(&stubEndpoint{err: &RemoteError{Code: "participant_not_joined", Message: "not joined"}})

	_, err := a.Invoke(context.Background(), "b", Call{Key: "room/x", Op: "handle"})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Invoke() error = %v, want *RemoteError", err)
	}
	if re.Code != "participant_not_joined" {
		t.Fatalf("RemoteError.Code = %q, want participant_not_joined", re.Code)
	}

	_ = b.Serve(&stubEndpoint{err: errors.New("plain failure")})
	_, err = a.Invoke(context.Background(), "b", Call{Key: "room/x"})
	if !errors.As(err, &re) || re.Code != "internal" {
		t.Fatalf("Invoke() error = %v, want internal remote error", err)
	}
}

func TestHubKillNotifiesWatchers(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})
	hub.Join(Node{ID: "b", Kind: KindPlacement})

	terminated := make(chan Node, 1)
	a.WatchTermination(Node{ID: "b"}, func(n Node) { terminated <- n })
	hub.Kill("b")

	select {
	case n := <-terminated:
		if n.ID != "b" {
			t.Fatalf("terminated node = %q, want b", n.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher not called after Kill")
	}

	if _, err := a.Lookup(context.Background(), "b", "room/x"); !errors.Is(err, ErrNodeUnavailable) {
		t.Fatalf("Lookup(dead) error = %v, want %v", err, ErrNodeUnavailable)
	}
}

func TestHubWatchDeadNodeFiresImmediately(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})

	terminated := make(chan struct{})
	a.WatchTermination(Node{ID: "ghost"}, func(Node) { close(terminated) })
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatalf("watcher for unknown node not called")
	}
}

func TestHubCancelledWatchIsNotCalled(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: "a", Kind: KindPlacement})
	hub.Join(Node{ID: "b", Kind: KindPlacement})

	called := false
	cancel := a.WatchTermination(Node{ID: "b"}, func(Node) { called = true })
	cancel()
	hub.Kill("b")
	if called {
		t.Fatalf("cancelled watcher was called")
	}
}
