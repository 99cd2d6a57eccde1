package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/graph"
)

var (
	runThreadID string
	runAgentID  string
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Run one user turn on a thread",
	Long: `Run one user turn on a thread and stream the result.

A new thread ID is generated unless --thread names an existing one, in
which case the conversation continues from its latest checkpoint.
Ctrl-C aborts the run; the thread is checkpointed as aborted.

Examples:
  agentd run --agent helper "What is the weather in Oslo?"
  agentd run --agent helper --thread 4f7c... "And tomorrow?"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "thread ID (default: new thread)")
	runCmd.Flags().StringVar(&runAgentID, "agent", "", "agent config ID (required)")
	_ = runCmd.MarkFlagRequired("agent")
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	threadID := runThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "thread %s\n", threadID)

	res, err := streamToTerminal(func(events *graph.Emitter) (*graph.Result, error) {
		return app.runner.Run(ctx, threadID, runAgentID, args[0], events)
	})
	if err != nil {
		return err
	}
	return printOutcome(res)
}

// streamToTerminal runs fn while relaying node progress and tokens to
// the terminal.
func streamToTerminal(fn func(*graph.Emitter) (*graph.Result, error)) (*graph.Result, error) {
	events := graph.NewEmitter(256)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streaming := false
		for ev := range events.Events() {
			switch ev.Type {
			case graph.EventStart:
				if streaming {
					fmt.Fprintln(os.Stderr)
					streaming = false
				}
				fmt.Fprintf(os.Stderr, "-> %s\n", ev.NodeRole)
			case graph.EventToken:
				fmt.Print(ev.Payload)
				streaming = true
			case graph.EventEnd:
				if streaming {
					fmt.Println()
				}
			}
		}
	}()

	res, err := fn(events)
	events.Close()
	wg.Wait()
	return res, err
}

// printOutcome renders the terminal result of a run.
func printOutcome(res *graph.Result) error {
	switch res.Status {
	case checkpoint.StatusCompleted:
		fmt.Printf("\n%s\n", strings.TrimSpace(res.Answer))
		return nil
	case checkpoint.StatusSuspended:
		fmt.Printf("\n%s\n", strings.TrimSpace(res.Answer))
		fmt.Fprintf(os.Stderr, "thread suspended, answer with: agentd resume --thread %s <input>\n", res.State.ThreadID)
		return nil
	case checkpoint.StatusAborted:
		fmt.Fprintln(os.Stderr, "aborted")
		return nil
	default:
		return fmt.Errorf("thread failed: %s", strings.TrimSpace(res.Answer))
	}
}
