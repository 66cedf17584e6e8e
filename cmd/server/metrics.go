package main

import (
	"context"
	"time"

	"github.com/nadmax/autopr/internal/dashboard"
	"github.com/nadmax/autopr/internal/metrics"
	"go.uber.org/zap"
)

type depthReader interface {
	Depth(ctx context.Context) (int, error)
}

type collector struct {
	queue     depthReader
	dashboard *dashboard.Dashboard
	logger    *zap.Logger
}

func newCollector(q depthReader, dash *dashboard.Dashboard, logger *zap.Logger) *collector {
	return &collector{queue: q, dashboard: dash, logger: logger}
}

func startMetricsCollector(ctx context.Context, c *collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.update(ctx)
		}
	}
}

func (c *collector) update(ctx context.Context) {
	stats, err := c.dashboard.Collect(ctx)
	if err != nil {
		c.logger.Warn("failed to collect task metrics", zap.Error(err))
		return
	}
	metrics.UpdateTaskGauges(stats.ByStatus)

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		c.logger.Warn("failed to read queue depth", zap.Error(err))
		return
	}
	metrics.UpdateQueueDepth(depth)
}
