package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gatehouse-sso/gatehouse/pkg/sso"
	"github.com/gatehouse-sso/gatehouse/pkg/storage"
)

// NewRedisClient connects to Redis with the configured pool settings
func NewRedisClient(config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB >= 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

const (
	stateKeyPrefix  = "sso:state:"
	replayKeyPrefix = "sso:assertion:"
)

// RedisStateStore is the production single-use login state store. Expiry
// is enforced by Redis TTLs and consumption by the atomic GETDEL, so
// concurrent callbacks on the same state agree on one winner.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a state store over the client
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the state with a TTL matching its expiry
func (s *RedisStateStore) Save(ctx context.Context, state *sso.AuthnRequestState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal login state: %w", err)
	}

	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, stateKeyPrefix+state.RequestID, data, ttl).Err()
}

// Consume atomically retrieves and deletes the state
func (s *RedisStateStore) Consume(ctx context.Context, requestID string) (*sso.AuthnRequestState, error) {
	data, err := s.client.GetDel(ctx, stateKeyPrefix+requestID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sso.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}

	var state sso.AuthnRequestState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login state: %w", err)
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, sso.ErrStateNotFound
	}
	return &state, nil
}

// RedisReplayGuard remembers assertion IDs with SETNX so only the first
// presentation of an assertion succeeds across all nodes.
type RedisReplayGuard struct {
	client *redis.Client
}

// NewRedisReplayGuard creates a replay guard over the client
func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

// MarkOnce records the assertion ID; false when it was already seen
func (g *RedisReplayGuard) MarkOnce(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := g.client.SetNX(ctx, replayKeyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}
