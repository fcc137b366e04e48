package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reglet-dev/mediahost/application/storage"
	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/config"
	"github.com/reglet-dev/mediahost/domain/entities"
	"github.com/reglet-dev/mediahost/domain/ports"
	"github.com/reglet-dev/mediahost/host"
	"github.com/reglet-dev/mediahost/infrastructure/launcher"
	"github.com/reglet-dev/mediahost/infrastructure/metrics"
	"github.com/reglet-dev/mediahost/infrastructure/watcher"
	"github.com/reglet-dev/mediahost/shmem"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register plugins and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg, "mediahost", logger)

	registry := newRegistry(cfg, logger, collector)
	if err := startRegistry(ctx, registry, cfg, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Watch.Enabled {
		w := watcher.New(registry, cfg.Watch.Roots,
			watcher.WithDebounceDelay(cfg.Watch.Debounce),
			watcher.WithLogger(logger))
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, reg, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	return stdErrors.Join(runErr, stopRegistry(registry, logger))
}

// newRegistry builds a registry from cfg. A nil collector disables metrics.
func newRegistry(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) *host.Registry {
	managerOpts := []storage.ManagerOption{
		storage.WithManagerLogger(logger),
		storage.WithServiceOptions(storage.WithMaxRecordSize(cfg.Storage.MaxRecordSize)),
	}
	if cfg.ProfileDir != "" {
		managerOpts = append(managerOpts, storage.WithProfileDir(cfg.ProfileDir))
	}

	poolOpts := []shmem.PoolOption{shmem.WithMaxLength(cfg.Pool.MaxBuffers)}
	opts := []host.Option{
		host.WithLogger(logger),
		// The plugin path is already merged into cfg.PluginDirs.
		host.WithPathEnv(""),
		host.WithStorageManager(storage.NewManager(managerOpts...)),
		host.WithPersistentStorage(cfg.Storage.Persistent),
		host.WithLaunchTimeout(cfg.LaunchTimeout),
		host.WithTeardownTimeout(cfg.TeardownTimeout),
		host.WithCrashHandler(func(desc *entities.PluginDescriptor, err error) {
			logger.Error("plugin crashed", zap.String("plugin", desc.Name), zap.String("dir", desc.Directory), zap.Error(err))
		}),
	}
	if collector != nil {
		poolOpts = append(poolOpts, shmem.WithObserver(collector))
		opts = append(opts,
			host.WithObserver(collector),
			host.WithMessageObserver(collector),
			host.WithStorageObserver(collector),
		)
	}
	opts = append(opts, host.WithPoolOptions(poolOpts...))
	return host.NewRegistry(newLauncher(cfg, logger), opts...)
}

// startRegistry starts the loop and registers the configured directories.
func startRegistry(ctx context.Context, registry *host.Registry, cfg *config.Config, logger *zap.Logger) error {
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	if err := registry.AddDirectories(ctx, cfg.PluginDirs); err != nil {
		return stdErrors.Join(fmt.Errorf("register plugins: %w", err), registry.Shutdown(context.Background()))
	}
	var plugins int
	_ = registry.Loop().Call(ctx, func() error {
		plugins = len(registry.Descriptors())
		return nil
	})
	logger.Info("mediahost serving", zap.Int("plugins", plugins), zap.String("sandbox", cfg.Sandbox))
	return nil
}

func stopRegistry(registry *host.Registry, logger *zap.Logger) error {
	logger.Info("shutting down plugins")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := registry.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLauncher(cfg *config.Config, logger *zap.Logger) ports.Launcher {
	if cfg.Sandbox == config.SandboxInProc {
		return launcher.NewInProc(
			launcher.WithInProcLogger(logger),
			launcher.WithChildOptions(
				child.WithLoader(moduleLoader(logger)),
				child.WithTeardownTimeout(cfg.TeardownTimeout),
				child.WithPoolOptions(shmem.WithMaxLength(cfg.Pool.MaxBuffers)),
			),
		)
	}
	return launcher.NewSubprocess(
		launcher.WithSubprocessLogger(logger),
		launcher.WithArgs(
			"--teardown-timeout", cfg.TeardownTimeout.String(),
			"--pool-buffers", strconv.Itoa(cfg.Pool.MaxBuffers),
			"--child-log-level", cfg.Log.Level,
		),
	)
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
