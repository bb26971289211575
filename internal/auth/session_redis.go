package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix   = "guildgate:session:"
	redisPrincipalPrefix = "guildgate:principal:"
)

// RedisSessionStore is a Redis-backed implementation of SessionStore.
// Session keys carry a TTL equal to the session lifetime; a per-principal
// set tracks session IDs for DeleteByPrincipal.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore creates a session store on an existing client.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string     { return redisSessionPrefix + id }
func principalKey(p Principal) string { return redisPrincipalPrefix + string(p) }

func (s *RedisSessionStore) Create(ctx context.Context, session *Session) error {
	if err := checkNew(session); err != nil {
		return err
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionExpired
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(session.ID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return ErrInvalidSession
	}

	pk := principalKey(session.Principal)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, pk, session.ID)
	pipe.Expire(ctx, pk, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		return err
	}
	n, err := s.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	if session != nil {
		_ = s.client.SRem(ctx, principalKey(session.Principal), id).Err()
	}
	return nil
}

func (s *RedisSessionStore) DeleteByPrincipal(ctx context.Context, p Principal) error {
	if !IsAuthenticated(p) {
		return nil
	}
	pk := principalKey(p)
	ids, err := s.client.SMembers(ctx, pk).Result()
	if err != nil {
		return fmt.Errorf("list principal sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, pk)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete sessions by principal: %w", err)
	}
	return nil
}

// Cleanup prunes principal index entries whose session key has expired.
// Session keys themselves expire through their TTL.
func (s *RedisSessionStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisPrincipalPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		pk := iter.Val()
		ids, err := s.client.SMembers(ctx, pk).Result()
		if err != nil {
			return removed, fmt.Errorf("list principal sessions: %w", err)
		}
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("check session: %w", err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, pk, id).Err(); err != nil {
					return removed, fmt.Errorf("prune session index: %w", err)
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan principals: %w", err)
	}
	return removed, nil
}
