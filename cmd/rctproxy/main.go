// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command rctproxy multiplexes many clients onto the single TCP connection
// an RCT Power inverter accepts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/rctproxy"
	"github.com/absmach/rctproxy/pkg/health"
	"github.com/absmach/rctproxy/pkg/metrics"
	"github.com/absmach/rctproxy/pkg/proxy"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const healthCacheTTL = time.Second

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := rctproxy.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg, run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command line on top of cfg, so flags override the
// environment.
func newRootCmd(cfg rctproxy.Config, runFn func(context.Context, rctproxy.Config) error) *cobra.Command {
	var (
		cacheAge int
		verbose  int
	)

	cmd := &cobra.Command{
		Use:   "rctproxy",
		Short: "Protocol-aware proxy for RCT Power inverters",
		Long: `rctproxy connects to an RCT Power inverter and lets many clients share
that single connection.

Read requests for the same object are answered from a short-lived cache,
and responses are delivered to every client waiting on them.

Examples:
  rctproxy --client-host=192.168.0.20
  rctproxy --client-host=inverter.local --cache-age=30 -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.CacheAge = time.Duration(cacheAge) * time.Second
			if verbose > 0 {
				cfg.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runFn(cmd.Context(), cfg)
		},
	}

	cmd.AddCommand(readCmd())

	flags := cmd.Flags()
	flags.StringVar(&cfg.Host, "server-host", cfg.Host, "Address to accept clients on")
	flags.StringVar(&cfg.Port, "server-port", cfg.Port, "Port to accept clients on")
	flags.StringVar(&cfg.TargetHost, "client-host", cfg.TargetHost, "Inverter host name or address (required)")
	flags.StringVar(&cfg.TargetPort, "client-port", cfg.TargetPort, "Inverter port")
	flags.IntVar(&cacheAge, "cache-age", int(cfg.CacheAge/time.Second), "Seconds a cached response answers reads")
	flags.StringVar(&cfg.WSPort, "ws-port", cfg.WSPort, "Port to accept websocket clients on (disabled when empty)")
	flags.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Prometheus metrics port (0 disables)")
	flags.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "Health check port (0 disables)")
	flags.CountVarP(&verbose, "verbose", "v", "Enable debug logging")

	return cmd
}

func run(ctx context.Context, cfg rctproxy.Config) error {
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	p, err := proxy.New(proxy.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TargetHost:      cfg.TargetHost,
		TargetPort:      cfg.TargetPort,
		CacheAge:        cfg.CacheAge,
		ConnectDelay:    cfg.ConnectDelay,
		RetryDelay:      cfg.RetryDelay,
		WSPort:          cfg.WSPort,
		WSPath:          cfg.WSPath,
		WriteQueueSize:  cfg.WriteQueueSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         metrics.New("", prometheus.DefaultRegisterer),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting rctproxy",
		slog.String("listen", cfg.Host+":"+cfg.Port),
		slog.String("inverter", cfg.TargetHost+":"+cfg.TargetPort),
		slog.Duration("cache_age", cfg.CacheAge))

	g.Go(func() error {
		return p.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		srv := newMetricsServer(listenAddr(cfg.Host, cfg.MetricsPort), promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", srv, cfg.ShutdownTimeout, logger)
		})
	}

	if cfg.HealthPort > 0 {
		checker := health.NewChecker(healthCacheTTL, p.Manager())
		checker.Register("inverter", health.InverterCheck(p.Manager()))
		srv := newHealthServer(listenAddr(cfg.Host, cfg.HealthPort), checker)
		g.Go(func() error {
			return serveHTTP(ctx, "health", srv, cfg.ShutdownTimeout, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("rctproxy terminated with error: %s", err))
		return err
	}
	logger.Info("rctproxy stopped")
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func listenAddr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// StopSignalHandler cancels the root context on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
