// Package main implements the agentd daemon and its operational CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML config file.
	configPath string

	// version information, set at build time.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Plan-execute-verify agent orchestration daemon",
	Long: `agentd runs LLM agent threads through an explicit plan-execute-verify
state machine: a planner proposes steps, a validator judges the plan, an
executor works each step with tools, and a verifier decides completion.
Every transition is checkpointed so threads survive restarts and
human-in-the-loop suspensions.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentd %s\n", version)
	},
}
