package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

func TestInMemoryAppendAssignsMonotonicSequence(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for want := int64(1); want <= 5; want++ {
		got, err := s.Append(ctx, "room/general", []byte("e"))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if got != want {
			t.Fatalf("Append() seq = %d, want %d", got, want)
		}
	}
	other, err := s.Append(ctx, "room/other", []byte("e"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if other != 1 {
		t.Fatalf("independent key seq = %d, want 1", other)
	}
}

func TestInMemoryConcurrentAppendsSerializePerKey(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	const writers = 16
	const perWriter = 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				seq, err := s.Append(ctx, "room/busy", []byte("x"))
				if err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) != writers*perWriter {
		t.Fatalf("len(seqs) = %d, want %d", len(seqs), writers*perWriter)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("seqs[%d] = %d, want %d (duplicate or gap)", i, seq, i+1)
		}
	}

	events, err := s.ReadAll(ctx, "room/busy")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("ReadAll() not strictly increasing at %d: %d <= %d", i, events[i].Sequence, events[i-1].Sequence)
		}
	}
}

func TestInMemoryReadAllIsRestartable(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if _, err := s.Append(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	first, err := s.ReadAll(ctx, "k")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if _, err := s.Append(ctx, "k", []byte("b")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := s.ReadAll(ctx, "k")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("ReadAll() lengths = %d, %d, want 1, 2", len(first), len(second))
	}
	if string(second[0].Payload) != "a" || string(second[1].Payload) != "b" {
		t.Fatalf("ReadAll() payloads = %q, %q", second[0].Payload, second[1].Payload)
	}

	missing, err := s.ReadAll(ctx, "unknown")
	if err != nil {
		t.Fatalf("ReadAll(unknown) error = %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("ReadAll(unknown) = %d events, want 0", len(missing))
	}
}

func TestInMemoryRejectsEmptyKey(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Append(context.Background(), "", nil); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Append(\"\") error = %v, want %v", err, ErrEmptyKey)
	}
}

func TestReplaySkipsDuplicateSequences(t *testing.T) {
	events := []Event{
		{Key: "k", Sequence: 1, Payload: []byte("a")},
		{Key: "k", Sequence: 2, Payload: []byte("b")},
		{Key: "k", Sequence: 2, Payload: []byte("b")},
		{Key: "k", Sequence: 1, Payload: []byte("a")},
		{Key: "k", Sequence: 3, Payload: []byte("c")},
	}
	var applied []int64
	last, err := Replay(events, 0, func(ev Event) error {
		applied = append(applied, ev.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if last != 3 {
		t.Fatalf("Replay() last = %d, want 3", last)
	}
	want := []int64{1, 2, 3}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied = %v, want %v", applied, want)
		}
	}
}

func TestReplayStopsOnApplyError(t *testing.T) {
	boom := errors.New("boom")
	events := []Event{{Key: "k", Sequence: 1}, {Key: "k", Sequence: 2}}
	last, err := Replay(events, 0, func(ev Event) error {
		if ev.Sequence == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Replay() error = %v, want %v", err, boom)
	}
	if last != 1 {
		t.Fatalf("Replay() last = %d, want 1", last)
	}
}

func TestResolveBackend(t *testing.T) {
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "memory"},
		{Config{Backend: "auto", DatabaseURL: "postgres://x"}, "postgres"},
		{Config{RedisURL: "redis://x"}, "redis"},
		{Config{Backend: "Memory", DatabaseURL: "postgres://x"}, "memory"},
	}
	for _, tc := range cases {
		if got := ResolveBackend(tc.cfg); got != tc.want {
			t.Fatalf("ResolveBackend(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestNewStoreRequiresURL(t *testing.T) {
	if _, err := NewStore(context.Background(), Config{Backend: "postgres"}); err == nil {
		t.Fatalf("NewStore(postgres without url) error = nil, want error")
	}
	if _, err := NewStore(context.Background(), Config{Backend: "nope"}); err == nil {
		t.Fatalf("NewStore(unknown) error = nil, want error")
	}
}
