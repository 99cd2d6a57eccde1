package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/graph"
)

var (
	resumeThreadID     string
	resumeCheckpointID string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <input>",
	Short: "Resume a suspended thread with a human answer",
	Long: `Resume a thread that suspended for human input. The answer joins the
conversation and the pending plan step picks back up.

Examples:
  agentd resume --thread 4f7c... "Paris"
  agentd resume --thread 4f7c... --checkpoint 9b12... "Paris"`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeThreadID, "thread", "", "thread ID (required)")
	resumeCmd.Flags().StringVar(&resumeCheckpointID, "checkpoint", "", "checkpoint ID (default: latest)")
	_ = resumeCmd.MarkFlagRequired("thread")
}

func runResume(cmd *cobra.Command, args []string) error {
	app, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := streamToTerminal(func(events *graph.Emitter) (*graph.Result, error) {
		return app.runner.Resume(ctx, resumeThreadID, resumeCheckpointID, args[0], events)
	})
	if err != nil {
		return err
	}
	return printOutcome(res)
}
