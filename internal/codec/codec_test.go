package codec

import (
	"bytes"
	"testing"
	"time"
)

type sample struct {
	Key       string    `cbor:"key"`
	Sequence  int64     `cbor:"seq"`
	CreatedAt time.Time `cbor:"created_at"`
	Tags      map[string]string
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{
		Key:      "room/general",
		Sequence: 7,
		Tags:     map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("Marshal() produced different bytes on iteration %d", i)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"key": "room/a", "seq": 3, "extra": true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Key != "room/a" || got.Sequence != 3 {
		t.Fatalf("Unmarshal() = %+v, want key room/a seq 3", got)
	}
}
