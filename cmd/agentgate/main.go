// Package main provides the agentgate CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/agentgate/internal/config"
)

var (
	version    = "0.1.0"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "Gateway between chat platforms and AI coding assistants",
		Long: `agentgate routes chat messages to Claude Code and Codex sessions.

Each conversation keeps a resumable assistant session, slash commands map
to prompt templates stored in the bound codebase, and a global admission
gate bounds how many assistant processes run at once.

Use 'agentgate serve' to start the gateway.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: agentgate.yaml|.yml|.toml in the current directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "client", Title: "Client:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	serve := serveCmd()
	serve.GroupID = "server"
	rootCmd.AddCommand(serve)

	status := statusCmd()
	status.GroupID = "client"
	rootCmd.AddCommand(status)

	send := sendCmd()
	send.GroupID = "client"
	rootCmd.AddCommand(send)

	commands := commandsCmd()
	commands.GroupID = "admin"
	rootCmd.AddCommand(commands)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentgate %s\n", version)
		},
	}
}

// loadConfig reads the config selected by --config and the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
