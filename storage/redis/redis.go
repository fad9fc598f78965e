// Package redis provides a Redis implementation of the charge idempotency
// ledger and the sentiment report cache.
// Ledger reservations use Lua scripts so check-and-claim is atomic across
// application instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/sentiment"
)

// Storage implements billing.IdempotencyStore and sentiment.Cache using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "aigrid:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "aigrid:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic ledger operations
func (s *Storage) loadScripts() {
	// Claim a key unless a record exists. Returns {1, record} when claimed
	// and {0, existing} otherwise.
	s.scripts["reserve"] = redis.NewScript(`
		local existing = redis.call('GET', KEYS[1])
		if existing then
			return {0, existing}
		end
		local ttl = tonumber(ARGV[2])
		if ttl > 0 then
			redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
		else
			redis.call('SET', KEYS[1], ARGV[1])
		end
		return {1, ARGV[1]}
	`)

	// Delete a record only while it is still pending.
	s.scripts["release"] = redis.NewScript(`
		local existing = redis.call('GET', KEYS[1])
		if not existing then
			return 0
		end
		local ok, rec = pcall(cjson.decode, existing)
		if ok and rec and rec.state == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// ReserveCharge implements billing.IdempotencyStore
func (s *Storage) ReserveCharge(
	ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration,
) (*billing.ChargeRecord, bool, error) {
	if rec == nil || rec.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}
	pending := *rec
	pending.State = billing.ChargePending
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&pending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal charge record: %w", err)
	}

	result, err := s.scripts["reserve"].Run(ctx, s.client,
		[]string{s.chargeKey(rec.IdempotencyKey)}, string(data), ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve charge: %w", err)
	}
	reserved, stored, err := parseReserveResult(result)
	if err != nil {
		return nil, false, err
	}

	var out billing.ChargeRecord
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal charge record: %w", err)
	}
	return &out, reserved, nil
}

func parseReserveResult(result []interface{}) (reserved bool, record string, err error) {
	if len(result) != 2 {
		return false, "", fmt.Errorf("unexpected reserve result length %d", len(result))
	}
	flag, ok := result[0].(int64)
	if !ok {
		return false, "", fmt.Errorf("unexpected reserve flag type %T", result[0])
	}
	record, ok = result[1].(string)
	if !ok {
		return false, "", fmt.Errorf("unexpected reserve record type %T", result[1])
	}
	return flag == 1, record, nil
}

// CompleteCharge implements billing.IdempotencyStore
func (s *Storage) CompleteCharge(ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal charge record: %w", err)
	}
	if err := s.client.Set(ctx, s.chargeKey(rec.IdempotencyKey), data, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("failed to complete charge: %w", err)
	}
	return nil
}

// ReleaseCharge implements billing.IdempotencyStore
func (s *Storage) ReleaseCharge(ctx context.Context, idempotencyKey string) error {
	err := s.scripts["release"].Run(ctx, s.client,
		[]string{s.chargeKey(idempotencyKey)}, billing.ChargePending).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release charge: %w", err)
	}
	return nil
}

// Get implements sentiment.Cache
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentiment.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return data, nil
}

// Set implements sentiment.Cache
func (s *Storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.cacheKey(key), value, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// TTL implements sentiment.TTLReader
func (s *Storage) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.cacheKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cache ttl: %w", err)
	}
	switch {
	case ttl == -2*time.Nanosecond:
		return 0, sentiment.ErrCacheMiss
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

func (s *Storage) chargeKey(idempotencyKey string) string {
	return s.config.KeyPrefix + "charge:" + idempotencyKey
}

func (s *Storage) cacheKey(key string) string {
	return s.config.KeyPrefix + "cache:" + key
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
