// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Ejbd is the remote invocation daemon. It reads one configuration
// file, binds the configured resources, environment entries and links
// in its naming tree, deploys the administration component and serves
// the ejbd protocol until SIGINT or SIGTERM.
//
// When metrics.address is set, Prometheus metrics are served there
// under /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ejbd-project/ejbd/lib/config"
	"github.com/ejbd-project/ejbd/lib/process"
	"github.com/ejbd-project/ejbd/lib/server"
	"github.com/ejbd-project/ejbd/lib/version"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// signal.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// run serves until ctx is done.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		configPath  string
		logLevel    string
		noAdmin     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("ejbd", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $EJBD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolVar(&noAdmin, "no-admin", false, "do not deploy the administration component")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.ExitError{Code: 2, Err: err}
	}

	if flagSet.NArg() > 0 {
		return &process.ExitError{Code: 2, Err: fmt.Errorf("unexpected arguments: %v", flagSet.Args())}
	}
	if showVersion {
		fmt.Fprintf(stdout, "ejbd %s\n", version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return &process.ExitError{Code: 2, Err: fmt.Errorf("--log-level: %w", err)}
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Options{Admin: !noAdmin, Logger: logger})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		srv.Stop(context.Background())
		return err
	}
	logger.Info("listening", "uri", srv.URI(), "environment", cfg.Environment, "version", version.Info())

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		metricsServer, err = serveMetrics(cfg.Metrics.Address, srv, logger)
		if err != nil {
			srv.Stop(context.Background())
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if metricsServer != nil {
		errs = append(errs, metricsServer.Shutdown(shutdownCtx))
	}
	errs = append(errs, srv.Stop(shutdownCtx))
	return errors.Join(errs...)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func serveMetrics(address string, srv *server.Server, logger *slog.Logger) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		srv.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())
	return httpServer, nil
}
