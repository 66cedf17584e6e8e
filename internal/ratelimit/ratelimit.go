// Package ratelimit caps externally visible side effects, such as pull request
// creation, per hour bucket. The guard fails open when its store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/autopr/internal/kvstore"
	"github.com/nadmax/autopr/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultMaxPerHour = 10
	window            = time.Hour
	keyPrefix         = "ratelimit:pr"
)

type PRGuard struct {
	store  kvstore.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewPRGuard(store kvstore.Store, logger *zap.Logger) *PRGuard {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PRGuard{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Bucket returns the hour bucket the given time falls into.
func Bucket(t time.Time) int64 {
	return t.Unix() / int64(window/time.Second)
}

func bucketKey(bucket int64) string {
	return fmt.Sprintf("%s:%d", keyPrefix, bucket)
}

// CheckAndIncrement counts one side effect in the current hour bucket and reports
// whether it stays within maxPerHour. A store failure yields (true, 0).
func (g *PRGuard) CheckAndIncrement(ctx context.Context, maxPerHour int) (bool, int) {
	key := bucketKey(Bucket(g.now()))

	count, err := g.store.Incr(ctx, key)
	if err != nil {
		g.logger.Warn("rate limit store unavailable, allowing", zap.String("key", key), zap.Error(err))
		metrics.RecordRateLimitDecision("fail_open")
		return true, 0
	}

	if count == 1 {
		if err := g.store.Expire(ctx, key, window); err != nil {
			g.logger.Warn("failed to set rate limit expiry", zap.String("key", key), zap.Error(err))
		}
	}

	allowed := count <= int64(maxPerHour)
	if allowed {
		metrics.RecordRateLimitDecision("allowed")
	} else {
		metrics.RecordRateLimitDecision("denied")
		g.logger.Info("pull request rate limit reached",
			zap.Int64("count", count),
			zap.Int("max_per_hour", maxPerHour),
		)
	}

	return allowed, int(count)
}
