package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps evidence records in Redis so a run survives process
// restarts. Each record is a JSON blob written with SETNX, which preserves
// the append-only guarantee across concurrent writers.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// Conn opens and pings a Redis client.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// NewRedisStore scopes a store to a run id so each run owns its evidence
// namespace.
func NewRedisStore(client *redis.Client, runID string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "evidence:" + runID + ":",
		clock:  time.Now,
	}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, draft Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	rec := Record{
		Source:        draft.Source,
		Context:       append([]string(nil), draft.Context...),
		Answer:        draft.Answer,
		RetrievedAt:   s.clock().UTC(),
		RetrievalTool: draft.RetrievalTool,
	}
	for attempt := 0; attempt < 5; attempt++ {
		rec.ID = NewID()
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		ok, err := s.client.SetNX(ctx, s.key(rec.ID), payload, 0).Result()
		if err != nil {
			return "", fmt.Errorf("evidence: redis put: %w", err)
		}
		if ok {
			if err := s.client.RPush(ctx, s.prefix+"order", rec.ID).Err(); err != nil {
				log.Printf("[EVIDENCE] warn: order append failed for %s: %v", rec.ID, err)
			}
			return rec.ID, nil
		}
		// Random id collided with an existing key; draw a new one.
	}
	return "", fmt.Errorf("evidence: redis put: id space exhausted")
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("evidence: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("evidence: redis decode: %w", err)
	}
	return rec, nil
}

// MultiGet implements Store.
func (s *RedisStore) MultiGet(ctx context.Context, ids []string) ([]Lookup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("evidence: redis mget: %w", err)
	}
	out := make([]Lookup, 0, len(ids))
	for i, v := range values {
		l := Lookup{ID: ids[i]}
		if raw, ok := v.(string); ok {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, fmt.Errorf("evidence: redis decode %s: %w", ids[i], err)
			}
			l.Record = rec
			l.Found = true
		}
		out = append(out, l)
	}
	return out, nil
}
