package workergroup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	groupsKey       = "flowd:worker-groups"
	heartbeatPrefix = "flowd:worker-group:"
)

// Redis resolves groups from a set of declared keys and one heartbeat key per group.
// A group is available while its heartbeat has not expired.
type Redis struct {
	client redis.UniversalClient
}

var _ Resolver = (*Redis)(nil)

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// NewRedisFromURL parses a redis:// URL.
func NewRedisFromURL(url string) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return NewRedis(redis.NewClient(options)), nil
}

func heartbeatKey(key string) string {
	return heartbeatPrefix + key
}

// Declare registers a group without marking it alive.
func (r *Redis) Declare(ctx context.Context, key string) error {
	err := r.client.SAdd(ctx, groupsKey, key).Err()
	if err != nil {
		return fmt.Errorf("failed to declare worker group %s: %w", key, err)
	}

	return nil
}

// Heartbeat declares the group and keeps it available for ttl.
func (r *Redis) Heartbeat(ctx context.Context, key, workerID string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, groupsKey, key)
		pipe.Set(ctx, heartbeatKey(key), workerID, ttl)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of worker group %s: %w", key, err)
	}

	return nil
}

// Forget removes a group.
func (r *Redis) Forget(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, groupsKey, key)
		pipe.Del(ctx, heartbeatKey(key))

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to forget worker group %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Check(ctx context.Context, key string) (Availability, error) {
	declared, err := r.client.SIsMember(ctx, groupsKey, key).Result()
	if err != nil {
		return Unknown, fmt.Errorf("failed to check worker group %s: %w", key, err)
	}

	if !declared {
		return Unknown, nil
	}

	alive, err := r.client.Exists(ctx, heartbeatKey(key)).Result()
	if err != nil {
		return Unknown, fmt.Errorf("failed to check worker group %s heartbeat: %w", key, err)
	}

	if alive == 0 {
		return Unavailable, nil
	}

	return Available, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
