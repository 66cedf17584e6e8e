package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/nadmax/autopr/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_Run(t *testing.T) {
	r := NewRunner()
	called := false
	r.Register("noop", func(ctx context.Context, tk *task.Task) error {
		called = true
		return nil
	})

	assert.True(t, r.Has("noop"))
	require.NoError(t, r.Run(context.Background(), "noop", task.NewTask("g", "a/b", "")))
	assert.True(t, called)
}

func TestRunner_PropagatesError(t *testing.T) {
	r := NewRunner()
	r.Register("check CI", func(ctx context.Context, tk *task.Task) error {
		return errors.New("boom")
	})

	err := r.Run(context.Background(), "check CI", task.NewTask("g", "a/b", ""))
	assert.EqualError(t, err, "boom")
}

func TestRunner_UnknownStep(t *testing.T) {
	err := NewRunner().Run(context.Background(), "missing", task.NewTask("g", "a/b", ""))
	assert.ErrorIs(t, err, ErrUnknownStep)
}
