package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joss/agentgate/internal/command"
	"github.com/joss/agentgate/internal/config"
	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/render"
	"github.com/joss/agentgate/internal/store"
)

func commandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage codebases and their command templates",
	}
	cmd.AddCommand(commandsLoadCmd(), commandsListCmd(), codebasesCmd())
	return cmd
}

// withStore opens the configured store for one admin operation.
func withStore(ctx context.Context, fn func(cfg *config.Config, st store.SessionStorage) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

// codebaseFor returns the codebase registered for dir, creating it when
// create is set.
func codebaseFor(ctx context.Context, st store.SessionStorage, cfg *config.Config, dir, name string, create bool) (*domain.Codebase, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	cb, err := st.FindCodebaseByDir(ctx, abs)
	if err == nil || !store.IsNotFound(err) || !create {
		return cb, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	cb = &domain.Codebase{Name: name, WorkingDir: abs, AssistantKind: cfg.AssistantKind()}
	if err := st.CreateCodebase(ctx, cb); err != nil {
		return nil, err
	}
	return cb, nil
}

func commandsLoadCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "load <dir>",
		Short: "Register a codebase and load its templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(cfg *config.Config, st store.SessionStorage) error {
				cb, err := codebaseFor(ctx, st, cfg, args[0], name, true)
				if err != nil {
					return err
				}
				loader := command.NewLoader(command.NewRegistry(st), cfg.Commands.Patterns)
				n, err := loader.Load(ctx, cb)
				if err != nil {
					return err
				}
				cmds, err := loader.Registry().List(ctx, cb.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(map[string]any{"codebase": cb, "loaded": n, "commands": cmds})
				}
				fmt.Printf("Loaded %d template(s) for %s\n", n, cb.Name)
				render.Stdout().Commands(cb, cmds)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Codebase name (default: directory name)")
	return cmd
}

func commandsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dir>",
		Short: "List the templates registered for a codebase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(cfg *config.Config, st store.SessionStorage) error {
				cb, err := codebaseFor(ctx, st, cfg, args[0], "", false)
				if store.IsNotFound(err) {
					return fmt.Errorf("no codebase registered for %s (run 'agentgate commands load %s')", args[0], args[0])
				}
				if err != nil {
					return err
				}
				cmds, err := command.NewRegistry(st).List(ctx, cb.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(cmds)
				}
				render.Stdout().Commands(cb, cmds)
				return nil
			})
		},
	}
}

func codebasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codebases",
		Short: "List registered codebases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(cfg *config.Config, st store.SessionStorage) error {
				cbs, err := st.ListCodebases(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(cbs)
				}
				render.Stdout().Codebases(cbs)
				return nil
			})
		},
	}
}
