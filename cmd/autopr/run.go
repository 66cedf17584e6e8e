package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nadmax/autopr/internal/orchestrator"
	"github.com/nadmax/autopr/internal/steps"
	"github.com/nadmax/autopr/internal/task"
	"github.com/spf13/cobra"
)

var (
	runKind    string
	runTraceID string
	runTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runKind, "kind", "", "task kind: docs, faq, deploy or code (classified from the goal when empty)")
	runCmd.Flags().StringVar(&runTraceID, "trace-id", "", "correlation id (defaults to the task id)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "give up waiting for CI after this long; the task can be resumed")
}

var runCmd = &cobra.Command{
	Use:   "run GOAL REPO",
	Short: "Run a goal against owner/name until the pull request is green",
	Long: `Run plans the goal, opens a pull request on REPO (owner/name) and waits for
CI, committing fixes while the retry budget lasts.

Examples:
  autopr run "create FAQ doc" acme/site
  autopr run "document the deploy process" acme/site --kind deploy --timeout 1h`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := steps.ParseKind(runKind)
		if err != nil {
			return err
		}

		e, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		req := orchestrator.Request{Goal: args[0], Repo: args[1], Kind: kind, TraceID: runTraceID}
		return runTask(cmd.Context(), e.app.Machine, req, runTimeout, e.cfg.CIPollInterval, cmd.OutOrStdout())
	},
}

type taskMachine interface {
	Start(ctx context.Context, req orchestrator.Request) (*task.Task, error)
	Run(ctx context.Context, t *task.Task, pollInterval time.Duration) (*task.Result, error)
}

func runTask(ctx context.Context, m taskMachine, req orchestrator.Request, timeout, poll time.Duration, out io.Writer) error {
	t, err := m.Start(ctx, req)
	if err != nil {
		return err
	}

	return drive(ctx, m, t, timeout, poll, out)
}

func drive(ctx context.Context, m taskMachine, t *task.Task, timeout, poll time.Duration, out io.Writer) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := m.Run(ctx, t, poll)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("stopped waiting for task %s (%s); continue with: autopr resume %s", t.ID, t.State, t.ID)
		}
		return err
	}

	return printResult(out, result)
}

func printResult(out io.Writer, r *task.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return err
	}

	if !r.Succeeded() {
		return errTaskFailed
	}

	return nil
}
