package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/autopr/internal/dashboard"
	"github.com/nadmax/autopr/internal/metrics"
	"github.com/nadmax/autopr/internal/queue"
	"github.com/nadmax/autopr/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorUpdate(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	running := task.NewTask("create FAQ doc", "acme/site", "")
	running.Status = task.StatusRunning
	require.NoError(t, q.SaveTask(ctx, running))
	require.NoError(t, q.SaveTask(ctx, task.NewTask("write deploy guide", "acme/site", "")))
	require.NoError(t, q.Enqueue(ctx, queue.NewJob("analyze goal", running.ID, 0)))

	c := newCollector(q, dashboard.NewDashboard(q, nil, nil), zap.NewNop())
	c.update(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksByStatus.WithLabelValues(string(task.StatusRunning))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksByStatus.WithLabelValues(string(task.StatusQueued))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth))
}

func TestStartMetricsCollector_StopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		startMetricsCollector(ctx, newCollector(q, dashboard.NewDashboard(q, nil, nil), zap.NewNop()), 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
