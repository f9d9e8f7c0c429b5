package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/collabmesh/core"
)

// RedisStore is an AuditStore backed by Redis lists, one per session and one
// per space, so multiple processes can append to and replay the same
// orchestration trail. All keys are namespaced with the instance name.
type RedisStore struct {
	rdb      *redis.Client
	instance string
}

// NewRedisStore creates a store for the given instance namespace. The
// instance name must not be empty; it keeps coexisting deployments from
// reading each other's trails.
func NewRedisStore(redisOpts *redis.Options, instance string) (*RedisStore, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisStore{rdb: redis.NewClient(redisOpts), instance: instance}, nil
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Append pushes the record onto the session list (and space list, when the
// record is space-scoped). RPUSH preserves append order.
func (s *RedisStore) Append(ctx context.Context, rec core.ActivityRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal activity record: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.sessionKey(rec.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("append to session trail: %w", err)
	}
	if rec.SpaceID != "" {
		if err := s.rdb.RPush(ctx, s.spaceKey(rec.SpaceID), payload).Err(); err != nil {
			return fmt.Errorf("append to space trail: %w", err)
		}
	}
	return nil
}

// List returns all records of a session in append order.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]core.ActivityRecord, error) {
	return s.list(ctx, s.sessionKey(sessionID))
}

// ListBySpace returns all records of a space in append order.
func (s *RedisStore) ListBySpace(ctx context.Context, spaceID string) ([]core.ActivityRecord, error) {
	return s.list(ctx, s.spaceKey(spaceID))
}

// Close closes the Redis connection. After Close the store must not be used.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) list(ctx context.Context, key string) ([]core.ActivityRecord, error) {
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read trail %q: %w", key, err)
	}
	res := make([]core.ActivityRecord, 0, len(raw))
	for _, item := range raw {
		var rec core.ActivityRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal activity record: %w", err)
		}
		res = append(res, rec)
	}
	return res, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("collabmesh:%s:audit:session:%s", s.instance, sessionID)
}

func (s *RedisStore) spaceKey(spaceID string) string {
	return fmt.Sprintf("collabmesh:%s:audit:space:%s", s.instance, spaceID)
}
