package cmd

import (
	"github.com/dukex/flowd/pkg/workergroup"
)

// NewWorkerGroups resolves worker groups from Redis heartbeats when redisURL is set,
// from the static keys otherwise. The returned func releases the Redis client.
//
// nolint:ireturn // the resolver depends on the configuration
func NewWorkerGroups(redisURL string, keys []string) (workergroup.Resolver, func() error, error) {
	if redisURL == "" {
		return workergroup.NewStatic(keys...), func() error { return nil }, nil
	}

	groups, err := workergroup.NewRedisFromURL(redisURL)
	if err != nil {
		return nil, nil, err
	}

	return groups, groups.Close, nil
}
