// Package steps maps plan step names to the functions that perform them.
package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nadmax/autopr/internal/task"
)

const (
	StepAnalyze  = "analyze goal"
	StepGenerate = "generate content"
	StepOpenPR   = "open pull request"
)

// DefaultPlan is the ordered step list every task runs.
var DefaultPlan = []string{StepAnalyze, StepGenerate, StepOpenPR}

var ErrUnknownStep = errors.New("unknown step")

type StepFunc func(ctx context.Context, t *task.Task) error

type Runner struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

func NewRunner() *Runner {
	return &Runner{steps: make(map[string]StepFunc)}
}

func (r *Runner) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps[name] = fn
}

func (r *Runner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.steps[name]
	return ok
}

func (r *Runner) Run(ctx context.Context, name string, t *task.Task) error {
	r.mu.RLock()
	fn, ok := r.steps[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}

	return fn(ctx, t)
}
