package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/sdk"
)

// New will create a state store backed by a single redis key so multiple agent
// hosts can share checkpoints. Persist is one SET, which is atomic on the
// redis side.
func New(ctx context.Context, logger sdk.Logger, client *redis.Client, key string) (state.Store, error) {
	if key == "" {
		key = "agent.billing:state"
	}
	store := state.New(logger, func(buf []byte) error {
		return client.Set(ctx, key, string(buf), 0).Err()
	})
	str, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading state from redis key %s: %w", key, err)
	}
	if err := state.Load(store, []byte(str)); err != nil {
		return nil, fmt.Errorf("error parsing state from redis key %s: %w", key, err)
	}
	return store, nil
}
