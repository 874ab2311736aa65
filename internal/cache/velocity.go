// Package cache keeps short-lived counters in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	cfg "github.com/haulmark/payment-verifier/backend/config"
)

const velocityKeyPrefix = "velocity:submissions:"

// NewRedisClient connects and pings the configured Redis.
func NewRedisClient(ctx context.Context, config *cfg.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// VelocityTracker is a per-user sorted set of submission ids scored by
// creation time in unix milliseconds.
type VelocityTracker struct {
	logger    *slog.Logger
	client    redis.UniversalClient
	retention time.Duration
}

// NewVelocityTracker keeps entries for retention, which should cover the
// longest window callers ask about.
func NewVelocityTracker(logger *slog.Logger, client redis.UniversalClient, retention time.Duration) *VelocityTracker {
	return &VelocityTracker{logger: logger, client: client, retention: retention}
}

func (t *VelocityTracker) Record(ctx context.Context, userID, submissionID string, at time.Time) error {
	key := velocityKeyPrefix + userID
	cutoff := at.Add(-t.retention).UnixMilli()

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: submissionID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, t.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record submission velocity: %w", err)
	}

	return nil
}

// CountUserSubmissions counts entries in [from, to], leaving out excludeID.
func (t *VelocityTracker) CountUserSubmissions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error) {
	key := velocityKeyPrefix + userID
	lo, hi := from.UnixMilli(), to.UnixMilli()

	count, err := t.client.ZCount(ctx, key, strconv.FormatInt(lo, 10), strconv.FormatInt(hi, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count submission velocity: %w", err)
	}

	if excludeID != "" && count > 0 {
		score, err := t.client.ZScore(ctx, key, excludeID).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return 0, fmt.Errorf("failed to read submission velocity entry: %w", err)
		case int64(score) >= lo && int64(score) <= hi:
			count--
		}
	}

	return int(count), nil
}
