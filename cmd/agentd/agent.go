package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/registry"
)

var (
	agentName    string
	agentModel   string
	agentPersona string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent configurations",
}

var agentSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Create or update an agent configuration",
	Long: `Create or update an agent configuration. An agent without a model
binding is rejected: threads fail fast on unusable configs.

Examples:
  agentd agent set helper --model gpt-4o-mini --persona "You are a careful assistant."`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentSet,
}

var agentGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an agent configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentGet,
}

func init() {
	agentSetCmd.Flags().StringVar(&agentName, "name", "", "display name (default: the ID)")
	agentSetCmd.Flags().StringVar(&agentModel, "model", "", "model binding (required)")
	agentSetCmd.Flags().StringVar(&agentPersona, "persona", "", "persona system prompt")
	agentCmd.AddCommand(agentSetCmd)
	agentCmd.AddCommand(agentGetCmd)
}

func runAgentSet(cmd *cobra.Command, args []string) error {
	app, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	name := agentName
	if name == "" {
		name = args[0]
	}

	cfg, err := app.agents.Upsert(cmd.Context(), &registry.AgentConfig{
		ID:      args[0],
		Name:    name,
		Model:   agentModel,
		Persona: agentPersona,
	})
	if err != nil {
		return err
	}

	fmt.Printf("agent %s saved (version %d)\n", cfg.ID, cfg.Version)
	return nil
}

func runAgentGet(cmd *cobra.Command, args []string) error {
	app, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer app.close()

	cfg, err := app.agents.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:      %s\nname:    %s\nmodel:   %s\nversion: %d\npersona: %s\n",
		cfg.ID, cfg.Name, cfg.Model, cfg.Version, cfg.Persona)
	return nil
}
