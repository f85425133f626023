/**
 * @description
 * Redis-backed idempotency cache for charges. A retried charge carrying the
 * same correlation token is answered from this cache without touching the
 * ledger. The cache is a fast path only; the unique index on
 * credit_transactions(account_id, action, correlation_token) is the guarantee
 * that survives a cache miss or Redis outage.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velora/credit-service/internal/domain"
)

const defaultChargeIdempotencyTTL = 24 * time.Hour

// ChargeIdempotencyStore is implemented by caches that can replay a committed
// charge result for a retried correlation token. Lookup returns (nil, nil) on
// a miss.
type ChargeIdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*domain.ChargeResult, error)
	Remember(ctx context.Context, key string, result domain.ChargeResult, ttl time.Duration) error
}

func chargeIdempotencyKey(accountID uuid.UUID, action, token string) string {
	return fmt.Sprintf("charge:%s:%s:%s", accountID, action, token)
}

// RedisChargeIdempotencyStore stores charge results in Redis with a TTL.
type RedisChargeIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisChargeIdempotencyStore(client redis.UniversalClient, prefix string) *RedisChargeIdempotencyStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "velora:idempotency"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisChargeIdempotencyStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (s *RedisChargeIdempotencyStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// Lookup returns the cached result for a key, or (nil, nil) when absent.
func (s *RedisChargeIdempotencyStore) Lookup(ctx context.Context, key string) (*domain.ChargeResult, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var result domain.ChargeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry for key %s: %w", key, err)
	}
	return &result, nil
}

// Remember caches a committed charge result under the key for the TTL.
func (s *RedisChargeIdempotencyStore) Remember(ctx context.Context, key string, result domain.ChargeResult, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultChargeIdempotencyTTL
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(key), raw, ttl).Err()
}
