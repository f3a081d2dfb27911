package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfourny/pluginhost/internal/host"
	"github.com/jfourny/pluginhost/internal/hostconfig"
	"github.com/jfourny/pluginhost/internal/logger"
	"github.com/jfourny/pluginhost/internal/mgmt"
	"github.com/jfourny/pluginhost/internal/reload"
	"github.com/jfourny/pluginhost/internal/settings"
	"github.com/jfourny/pluginhost/internal/watch"
	"github.com/jfourny/pluginhost/pkg/pluginapi"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load plugin bundles and serve the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}

	return cmd
}

func loadConfig(flags *rootFlags) (*hostconfig.Config, error) {
	if flags.configPath == "" {
		cfg := hostconfig.Default()
		return &cfg, nil
	}
	return hostconfig.Load(flags.configPath)
}

func runServe(flags *rootFlags) error {
	level := "info"
	if flags.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: true})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	registry := host.NewRegistry(
		host.NewSharedLibraryLoader(),
		settings.NewBuilder(cfg.Environment),
		host.Options{
			ArtifactExt:     cfg.ArtifactExt,
			UnlockDelay:     cfg.UnlockDelay(),
			ReleaseRetries:  cfg.ReleaseRetries,
			ReleaseInterval: cfg.ReleaseInterval(),
			Environment:     cfg.Environment,
		},
		log,
	)

	var watcher *watch.Watcher
	var coordinator *reload.Coordinator
	var metrics mgmt.MetricsSource
	if cfg.Watch {
		watcher = watch.NewWatcher(cfg.PluginDir, cfg.ArtifactExt, cfg.Debounce(), log)
		coordinator = reload.NewCoordinator(registry, watcher.Events(), log)
		metrics = coordinator.Metrics
	}

	env := pluginapi.HostEnv{Environment: cfg.Environment, PluginDir: cfg.PluginDir}
	server := mgmt.NewServer(registry, env, metrics, log)
	runner := reload.NewRunner(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modules, err := registry.LoadAll(cfg.PluginDir)
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	log.Info(fmt.Sprintf("loaded %d plugin(s) from %s", len(modules), cfg.PluginDir))

	runner.RunAll(ctx, reload.TargetsFor(modules))
	server.MountAll(modules)

	// Keep routes and initializers in step with registry changes made by
	// the watcher or the management API after startup.
	registry.Subscribe(func(n host.Notification) {
		switch n.Kind {
		case host.EventLoaded, host.EventReloaded:
			m, ok := registry.Get(n.Plugin)
			if !ok {
				return
			}
			runner.RunAll(ctx, reload.TargetsFor([]*host.PluginModule{m}))
			if err := server.Activate(m); err != nil {
				log.Warn(fmt.Sprintf("activate %s: %v", n.Plugin, err))
			}
		case host.EventUnloaded:
			server.Deactivate(n.Plugin)
		}
	})

	if cfg.Watch {
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()

		if err := coordinator.Start(ctx); err != nil {
			return fmt.Errorf("start reload coordinator: %w", err)
		}
		defer coordinator.Stop()
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Info(fmt.Sprintf("management API listening on %s", cfg.ListenAddr))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management API: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	registry.UnloadAll()
	return nil
}
