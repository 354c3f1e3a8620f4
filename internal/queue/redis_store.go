package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/trailsense/fieldtrack/internal/wire"
)

// queueKeyPrefix namespaces per-owner lists: "fieldtrack:queue:{owner}"
const queueKeyPrefix = "fieldtrack:queue:"

// RedisStore keeps each owner's queued readings in a Redis list. This
// is the one piece of session state that survives a process restart.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store on an existing Redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func queueKey(owner string) string {
	return queueKeyPrefix + owner
}

// Append pushes the entry and trims the list to the newest max
// entries, evicting the oldest first.
func (s *RedisStore) Append(ctx context.Context, owner string, entry wire.QueuedReading, max int) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, queueKey(owner), data)
	pipe.LTrim(ctx, queueKey(owner), int64(-max), -1)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns all entries in append order. Entries that no longer
// decode are skipped rather than failing the whole drain.
func (s *RedisStore) List(ctx context.Context, owner string) ([]wire.QueuedReading, error) {
	raw, err := s.client.LRange(ctx, queueKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]wire.QueuedReading, 0, len(raw))
	for _, item := range raw {
		var entry wire.QueuedReading
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear removes the owner's list.
func (s *RedisStore) Clear(ctx context.Context, owner string) error {
	return s.client.Del(ctx, queueKey(owner)).Err()
}

// Len returns the list length.
func (s *RedisStore) Len(ctx context.Context, owner string) (int, error) {
	n, err := s.client.LLen(ctx, queueKey(owner)).Result()
	return int(n), err
}
