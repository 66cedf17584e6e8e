package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var resumeTimeout time.Duration

func init() {
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(listCmd)

	resumeCmd.Flags().DurationVar(&resumeTimeout, "timeout", 30*time.Minute, "give up waiting for CI after this long")
}

var resumeCmd = &cobra.Command{
	Use:   "resume TASK_ID",
	Short: "Continue a checkpointed task from where it stopped",
	Long: `Resume loads the task checkpoint from the state directory and keeps driving
it. A task that already finished prints its stored result record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		t, err := e.store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if t.IsTerminal() {
			return printResult(cmd.OutOrStdout(), t.Result)
		}

		return drive(cmd.Context(), e.app.Machine, t, resumeTimeout, e.cfg.CIPollInterval, cmd.OutOrStdout())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed tasks that have not finished",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		tasks, err := e.store.ListUnfinished(cmd.Context())
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No unfinished tasks.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TASK ID\tSTATE\tRETRIES\tPR\tGOAL")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", t.ID, t.State, t.RetryCount, t.MaxRetries, t.PRURL, t.Goal)
		}

		return w.Flush()
	},
}
