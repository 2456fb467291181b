package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient is the subset of *redis.Client the outcome store uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisOutcomeStore shares completed checkouts across server instances.
// Entries expire through Redis TTLs.
type RedisOutcomeStore struct {
	client redisClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisOutcomeStore(client redisClient, ttl time.Duration, logger zerolog.Logger) *RedisOutcomeStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisOutcomeStore{
		client: client,
		prefix: "hms:checkout:",
		ttl:    ttl,
		logger: logger.With().Str("component", "checkout-dedup").Logger(),
	}
}

func (s *RedisOutcomeStore) Get(ctx context.Context, key string) (*CheckoutOutcome, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("dedup lookup failed, treating as miss")
		return nil, false
	}
	var o CheckoutOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		s.logger.Warn().Err(err).Msg("dedup entry corrupt, treating as miss")
		return nil, false
	}
	return &o, true
}

func (s *RedisOutcomeStore) Set(ctx context.Context, key string, o *CheckoutOutcome) {
	raw, err := json.Marshal(o)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode dedup entry")
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("dedup store failed")
	}
}
