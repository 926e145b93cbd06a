package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix       = "authstate:"
	redisTombstonePrefix = "authstate:consumed:"

	// tombstoneTTL only needs to outlive the longest plausible replay
	// window; it is not security-relevant beyond error reporting.
	tombstoneTTL = 30 * time.Minute
)

// consumeScript performs GET+DEL+tombstone in one atomic evaluation so
// two concurrent callbacks cannot both observe the live key.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	redis.call('DEL', KEYS[1])
	redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
	return v
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return '__consumed__'
end
return false
`)

// RedisStore persists pending auth state in Redis. Expiry is enforced
// both by the key TTL and by the payload's expires_at, so a consume that
// races the TTL still reports ErrStateExpired rather than success.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed state store
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("authstate: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// Save persists a new pending state record
func (s *RedisStore) Save(ctx context.Context, state *PendingState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("authstate: marshal pending state: %w", err)
	}

	// Keep the key slightly past its logical expiry so Consume can
	// distinguish expired from never-issued.
	ttl := time.Until(state.ExpiresAt) + time.Minute
	if ttl <= 0 {
		return fmt.Errorf("authstate: pending state already expired")
	}

	if err := s.client.Set(ctx, redisKeyPrefix+state.Token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("authstate: save pending state: %w", err)
	}
	return nil
}

// Consume atomically validates and retires a state token
func (s *RedisStore) Consume(ctx context.Context, token string) (*PendingState, error) {
	result, err := consumeScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + token, redisTombstonePrefix + token},
		int(tombstoneTTL.Seconds()),
	).Result()

	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authstate: consume state: %w", err)
	}

	payload, ok := result.(string)
	if !ok {
		return nil, ErrStateNotFound
	}
	if payload == "__consumed__" {
		return nil, ErrStateAlreadyConsumed
	}

	state := &PendingState{}
	if err := json.Unmarshal([]byte(payload), state); err != nil {
		return nil, fmt.Errorf("authstate: unmarshal pending state: %w", err)
	}

	if state.Expired(time.Now().UTC()) {
		return nil, ErrStateExpired
	}

	return state, nil
}

// Sweep is a no-op for Redis; key TTLs do the cleanup
func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}
