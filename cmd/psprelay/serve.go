package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/config"
	"github.com/perspective-dev/psprelay/engine"
	"github.com/perspective-dev/psprelay/server"
	"github.com/perspective-dev/psprelay/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket relay server",
	Long: `Start a server that runs one relay, with its own engine instance, per
WebSocket connection.

Endpoints:
  GET    /ws                      WebSocket relay endpoint
  GET    /healthz                 Health check
  GET    /metrics                 Prometheus metrics
  GET    /v1/connections          List open connections
  DELETE /v1/connections/{id}     Close a connection

Configuration is read from --config, then PSPRELAY_* environment variables,
then flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file")
	serveCmd.Flags().String("addr", "", "Listen address (default :8080)")
	serveCmd.Flags().String("engine", "", "Default engine binary, loaded when init carries none")
	serveCmd.Flags().Duration("load-timeout", 0, "Engine load timeout (default 30s)")
	serveCmd.Flags().Int("max-connections", 0, "Max concurrent connections (0 = unlimited)")

	rootCmd.AddCommand(serveCmd)
}

// serveConfig loads configuration and applies explicitly set flags over it.
func serveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.ListenAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("engine") {
		cfg.EnginePath, _ = flags.GetString("engine")
	}
	if flags.Changed("load-timeout") {
		cfg.LoadTimeout, _ = flags.GetDuration("load-timeout")
	}
	if flags.Changed("max-connections") {
		cfg.MaxConnections, _ = flags.GetInt("max-connections")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("no-cache") {
		noCache, _ := flags.GetBool("no-cache")
		cfg.DiskCache = !noCache
	}
	if flags.Changed("memory") {
		memory, _ := flags.GetString("memory")
		pages, err := parseMemoryLimit(memory)
		if err != nil {
			return config.Config{}, err
		}
		cfg.MemoryLimitPages = pages
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	var fallback []byte
	if cfg.EnginePath != "" {
		fallback, err = os.ReadFile(cfg.EnginePath)
		if err != nil {
			return fmt.Errorf("read engine: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rtOpts := []engine.RuntimeOption{engine.WithLogger(logger.Named("engine"))}
	if cfg.DiskCache {
		rtOpts = append(rtOpts, engine.WithDiskCache(cfg.CacheDir))
	}
	if cfg.MemoryLimitPages > 0 {
		rtOpts = append(rtOpts, engine.WithMemoryLimit(cfg.MemoryLimitPages))
	}
	if fallback != nil {
		rtOpts = append(rtOpts, engine.WithPrecompile(fallback))
	}

	rt, err := engine.NewRuntime(ctx, rtOpts...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(rt.Loader(fallback),
		server.WithLogger(logger),
		server.WithRegistry(registry),
		server.WithLoadTimeout(cfg.LoadTimeout),
		server.WithMaxConnections(cfg.MaxConnections),
		server.WithAcceptRate(cfg.AcceptRate, cfg.AcceptBurst),
		server.WithAllowedOrigins(cfg.AllowedOrigins...),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
		server.WithSocketOptions(
			transport.WithPingInterval(cfg.PingInterval),
			transport.WithWriteTimeout(cfg.WriteTimeout),
			transport.WithReadLimit(cfg.ReadLimit),
		),
	)
	if err != nil {
		return err
	}

	logger.Info("starting psprelay",
		zap.String("addr", cfg.ListenAddr),
		zap.String("engine", cfg.EnginePath),
		zap.Duration("load_timeout", cfg.LoadTimeout),
	)
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}
