package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	platformredis "affiliation/internal/platform/redis"
)

// CachedClient fronts the registry client with a short-lived Redis cache for
// the read-only lookups. Validation snapshots and the operator directory
// change rarely; mutations always go straight through.
type CachedClient struct {
	*Client
	redis  *platformredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedClient wraps client with caching. A nil redis client disables
// caching entirely.
func NewCachedClient(client *Client, redis *platformredis.Client, ttl time.Duration, logger *slog.Logger) *CachedClient {
	return &CachedClient{
		Client: client,
		redis:  redis,
		ttl:    ttl,
		logger: logger,
	}
}

const (
	validateKeyPrefix = "registry:validate:"
	operatorsKey      = "registry:operators"
)

// Validate checks the cache before asking the registry. Cache failures are
// logged and treated as misses; the registry stays the source of truth.
func (c *CachedClient) Validate(ctx context.Context, citizenID string) (*ValidateResult, error) {
	key := validateKeyPrefix + citizenID
	if cached, ok := c.get(ctx, key); ok {
		var result ValidateResult
		if err := json.Unmarshal(cached, &result); err == nil {
			return &result, nil
		}
	}

	result, err := c.Client.Validate(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, result)
	return result, nil
}

// ListOperators serves the operator directory from cache when fresh.
func (c *CachedClient) ListOperators(ctx context.Context) ([]Operator, error) {
	if cached, ok := c.get(ctx, operatorsKey); ok {
		var operators []Operator
		if err := json.Unmarshal(cached, &operators); err == nil {
			return operators, nil
		}
	}

	operators, err := c.Client.ListOperators(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, operatorsKey, operators)
	return operators, nil
}

// InvalidateCitizen drops the cached validation snapshot after a state change
// the registry will reflect.
func (c *CachedClient) InvalidateCitizen(ctx context.Context, citizenID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, validateKeyPrefix+citizenID).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache invalidation failed", "citizen_id", citizenID, "error", err)
	}
}

func (c *CachedClient) get(ctx context.Context, key string) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (c *CachedClient) set(ctx context.Context, key string, value any) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}
