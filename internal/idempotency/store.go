// Package idempotency remembers applied transfer events in Redis so that
// redeliveries can be dropped before they reach the database.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/midas-core/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("processed event not found")

const redisKeyPrefix = "transfer-event"

type Record struct {
	EventKey   string
	TransferID int64
	AppliedAt  time.Time
}

type Store struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewStore(redis redis.Cmdable, ttl time.Duration) *Store {
	return &Store{redis: redis, ttl: ttl}
}

type cacheEnvelope struct {
	TransferID int64     `json:"transfer_id"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Lookup returns the record for an applied event, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, eventKey string) (*Record, error) {
	if s.redis == nil {
		return nil, ErrNotFound
	}
	val, err := s.redis.Get(ctx, redisKey(eventKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observability.IncrementIdempotencyEvent("miss")
			return nil, ErrNotFound
		}
		observability.IncrementIdempotencyEvent("error")
		return nil, fmt.Errorf("lookup processed event: %w", err)
	}

	var env cacheEnvelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		zap.L().Warn("discarding unreadable processed-event entry", zap.String("event_key", eventKey), zap.Error(err))
		observability.IncrementIdempotencyEvent("miss")
		return nil, ErrNotFound
	}
	observability.IncrementIdempotencyEvent("hit")
	return &Record{EventKey: eventKey, TransferID: env.TransferID, AppliedAt: env.AppliedAt}, nil
}

func (s *Store) Seen(ctx context.Context, eventKey string) (bool, error) {
	_, err := s.Lookup(ctx, eventKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Remember(ctx context.Context, eventKey string, transferID int64) error {
	if s.redis == nil {
		return nil
	}
	payload, err := json.Marshal(cacheEnvelope{TransferID: transferID, AppliedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}
	if err := s.redis.Set(ctx, redisKey(eventKey), payload, s.ttl).Err(); err != nil {
		observability.IncrementIdempotencyEvent("error")
		return fmt.Errorf("remember processed event: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable. A store without Redis is always healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, key)
}
