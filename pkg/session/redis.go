package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps live sessions in Redis so several engine instances
// can share a tracker. Idle expiry rides on key TTLs; Sweep is a no-op.
type RedisStore struct {
	client  *redis.Client
	idleTTL time.Duration
}

// NewRedisStore connects a store to Redis. idleTTL <= 0 disables key
// expiry (sessions then live until ended explicitly).
func NewRedisStore(addr, password string, db int, idleTTL time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, idleTTL: idleTTL}
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, idleTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, idleTTL: idleTTL}
}

func sessionKey(id string) string { return "handoff:session:" + id }
func recordsKey(id string) string { return "handoff:session:" + id + ":records" }

func (s *RedisStore) CreateSession(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, sessionKey(sess.ID), raw, s.idleTTL).Result()
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) AppendRecord(ctx context.Context, r *Record) error {
	sess, err := s.GetSession(ctx, r.SessionID)
	if err != nil {
		return err
	}
	if r.RecordedAt.After(sess.LastSeen) {
		sess.LastSeen = r.RecordedAt
	}

	rawRecord, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	rawSession, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// One round trip: append, refresh metadata, bump TTLs together.
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, recordsKey(r.SessionID), rawRecord)
	pipe.Set(ctx, sessionKey(r.SessionID), rawSession, redis.KeepTTL)
	if s.idleTTL > 0 {
		pipe.Expire(ctx, sessionKey(r.SessionID), s.idleTTL)
		pipe.Expire(ctx, recordsKey(r.SessionID), s.idleTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append record: %w", err)
	}
	return nil
}

func (s *RedisStore) ListRecords(ctx context.Context, sessionID string) ([]*Record, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	raws, err := s.client.LRange(ctx, recordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list records: %w", err)
	}
	records := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, &r)
	}
	return records, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, sessionKey(id), recordsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Sweep is a no-op: Redis expires idle sessions through key TTLs.
func (s *RedisStore) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	return 0, nil
}
