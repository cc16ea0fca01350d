package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joss/agentgate/internal/bridge"
	"github.com/joss/agentgate/internal/command"
	"github.com/joss/agentgate/internal/config"
	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/exec"
	"github.com/joss/agentgate/internal/gate"
	"github.com/joss/agentgate/internal/graph"
	"github.com/joss/agentgate/internal/logging"
	"github.com/joss/agentgate/internal/metrics"
	"github.com/joss/agentgate/internal/orchestrator"
	"github.com/joss/agentgate/internal/platform/httpapi"
	"github.com/joss/agentgate/internal/runtime"
	"github.com/joss/agentgate/internal/store"
	"github.com/joss/agentgate/internal/store/graphstore"
	"github.com/joss/agentgate/internal/store/sqlite"
)

const graphConnectRetries = 5

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

// openStore opens the session store engine selected by cfg.
func openStore(ctx context.Context, cfg *config.Config) (store.SessionStorage, error) {
	switch cfg.Storage.Driver {
	case "memgraph", "neo4j":
		db, err := graph.ConnectWithRetry(ctx, graph.Config{
			URI:      cfg.Storage.Neo4j.URI,
			Username: cfg.Storage.Neo4j.User,
			Password: cfg.Storage.Neo4j.Password,
			Database: cfg.Storage.Neo4j.Database,
		}, graphConnectRetries)
		if err != nil {
			return nil, err
		}
		s := graphstore.New(db)
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func serve(cfg *config.Config) error {
	logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.New("serve")

	mgr := runtime.NewShutdownManager(runtime.DefaultShutdownTimeout)
	stop := mgr.ListenForSignals()
	defer stop()
	ctx := mgr.Context()

	if err := os.MkdirAll(cfg.WorkspaceDir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	// Handlers run LIFO, so storage closes last.
	mgr.Register("storage", func(context.Context) error { return st.Close() })

	loader := command.NewLoader(command.NewRegistry(st), cfg.Commands.Patterns)
	var watcher *command.Watcher
	if cfg.Commands.Watch {
		watcher, err = command.NewWatcher(loader, cfg.Commands.Debounce)
		if err != nil {
			mgr.Shutdown()
			return fmt.Errorf("start template watcher: %w", err)
		}
		mgr.Register("watcher", func(context.Context) error { return watcher.Close() })
	}

	filter, err := bridge.NewFilter(cfg.Assistants.NoisePatterns)
	if err != nil {
		mgr.Shutdown()
		return err
	}
	bridges := bridge.NewRegistry(
		bridge.NewClaude(bridge.Options{Binary: cfg.Assistants.ClaudeBinary, Filter: filter}),
		bridge.NewCodex(bridge.Options{Binary: cfg.Assistants.CodexBinary, Filter: filter}),
	)
	probeBackends(ctx, log, cfg)

	g := gate.New(gate.Options{Limit: cfg.Gate.Limit, MaxQueue: cfg.Gate.QueueDepth, Policy: cfg.Policy()})
	m := metrics.Global()
	m.SetGateStats(g.Stats)

	opts := orchestrator.Options{
		Prefix:        cfg.CommandPrefix,
		Timeout:       cfg.Timeout,
		DefaultKind:   cfg.AssistantKind(),
		WorkspaceDir:  cfg.WorkspaceDir,
		StreamingMode: cfg.StreamingMode,
		Metrics:       m,
	}
	if watcher != nil {
		opts.Watcher = watcher
	}
	orch := orchestrator.New(g, st, loader, bridges, opts)
	if err := orch.LoadAll(ctx); err != nil {
		log.Warn("templates_preload_failed", nil, err)
	}

	srv := httpapi.New(orch, m, cfg.HTTPAddr)
	mgr.Register("http", srv.Shutdown)

	log.Info("gateway_started", logging.Fields{
		"version":      version,
		"addr":         cfg.HTTPAddr,
		"storage":      cfg.Storage.Driver,
		"limit":        cfg.Gate.Limit,
		"queue_depth":  cfg.Gate.QueueDepth,
		"policy":       string(cfg.Policy()),
		"default_kind": string(cfg.AssistantKind()),
	})
	start := time.Now()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(srv.Start)
	if watcher != nil {
		grp.Go(func() error { return watcher.Run(gctx) })
	}
	// A failing component or a signal both end in one shutdown.
	grp.Go(func() error {
		<-gctx.Done()
		return mgr.Shutdown()
	})

	err = grp.Wait()
	log.TimedEvent("gateway_stopped", start, nil)
	return err
}

// probeBackends logs which assistant CLIs are installed. A missing one only
// fails the conversations that use it.
func probeBackends(ctx context.Context, log *logging.Logger, cfg *config.Config) {
	r := exec.NewOSRunner()
	for kind, binary := range map[domain.AssistantKind]string{
		domain.AssistantClaude: cfg.Assistants.ClaudeBinary,
		domain.AssistantCodex:  cfg.Assistants.CodexBinary,
	} {
		v, err := bridge.Version(ctx, r, binary)
		if err != nil {
			log.Warn("backend_unavailable", logging.Fields{"kind": string(kind), "binary": binary}, err)
			continue
		}
		log.Info("backend_available", logging.Fields{"kind": string(kind), "binary": binary, "version": v})
	}
}
