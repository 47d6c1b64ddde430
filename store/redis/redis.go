// Package redis implements store.HistoryStore on Redis lists, for
// deployments that share conversation history between dashboard instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/store"
)

const (
	historyKeyPrefix = "muse:history:"
	defaultTTL       = 24 * time.Hour
)

// HistoryStore keeps each session's turns in a capped list that expires
// after a period of inactivity.
type HistoryStore struct {
	client  *redis.Client
	ttl     time.Duration
	maxKept int64
}

var _ store.HistoryStore = (*HistoryStore)(nil)

// New creates a HistoryStore. maxTurns caps the stored list; 0 keeps
// everything. A non-positive ttl defaults to 24h.
func New(client *redis.Client, maxTurns int, ttl time.Duration) *HistoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &HistoryStore{client: client, ttl: ttl, maxKept: int64(maxTurns)}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, maxTurns int, ttl time.Duration) (*HistoryStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return New(client, maxTurns, ttl), nil
}

// AppendTurns pushes turns and trims the list. TTL is refreshed on every write.
func (s *HistoryStore) AppendTurns(ctx context.Context, sessionID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding turn: %w", err)
		}
		vals = append(vals, data)
	}

	key := s.key(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, vals...)
		if s.maxKept > 0 {
			pipe.LTrim(ctx, key, -s.maxKept, -1)
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// LoadTurns returns up to max most recent turns, oldest first.
func (s *HistoryStore) LoadTurns(ctx context.Context, sessionID string, max int) ([]model.Turn, error) {
	start := int64(0)
	if max > 0 {
		start = -int64(max)
	}
	vals, err := s.client.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	turns := make([]model.Turn, 0, len(vals))
	for _, v := range vals {
		var t model.Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Delete drops a session's history.
func (s *HistoryStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

// Close closes the underlying client.
func (s *HistoryStore) Close() error {
	return s.client.Close()
}

func (s *HistoryStore) key(sessionID string) string {
	return historyKeyPrefix + sessionID
}
