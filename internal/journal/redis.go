package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/parley/internal/codec"
)

// appendScript bumps the per-key counter and stores the entry under its new
// sequence in one atomic step. Members are prefixed with the sequence, so they
// stay unique even when payloads repeat.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[1])
return seq
`)

// RedisStore persists journals in Redis: a counter key per entity for
// sequence numbers and a sorted set scored by sequence for the events.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisEntry struct {
	CreatedAt time.Time `cbor:"created_at"`
	Payload   []byte    `cbor:"payload"`
}

func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if prefix == "" {
		prefix = "journal"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Hash tags keep both keys of one entity in the same cluster slot.
func (s *RedisStore) seqKey(key string) string {
	return s.prefix + ":{" + key + "}:seq"
}

func (s *RedisStore) eventsKey(key string) string {
	return s.prefix + ":{" + key + "}:events"
}

func (s *RedisStore) Append(ctx context.Context, key string, payload []byte) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	entry, err := codec.Marshal(redisEntry{CreatedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.seqKey(key), s.eventsKey(key)}, string(entry),
	).Int64()
	if err != nil {
		return 0, unavailable("append event", err)
	}
	return seq, nil
}

func (s *RedisStore) ReadAll(ctx context.Context, key string) ([]Event, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	members, err := s.client.ZRangeWithScores(ctx, s.eventsKey(key), 0, -1).Result()
	if err != nil {
		return nil, unavailable("range events", err)
	}
	events := make([]Event, 0, len(members))
	for _, m := range members {
		raw, ok := m.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type %T in %s", m.Member, s.eventsKey(key))
		}
		// Members are "<seq>:<cbor entry>".
		idx := strings.IndexByte(raw, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed journal member in %s", s.eventsKey(key))
		}
		var entry redisEntry
		if err := codec.Unmarshal([]byte(raw[idx+1:]), &entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		events = append(events, Event{
			Key:       key,
			Sequence:  int64(m.Score),
			CreatedAt: entry.CreatedAt.UTC(),
			Payload:   entry.Payload,
		})
	}
	return events, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
