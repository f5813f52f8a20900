// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package main is the acgw binary: an OpenAI-compatible gateway that routes
// chat completions through adapter, critic and advisor workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/gateway"
	"github.com/adaptercritic/gateway/internal/metrics"
	"github.com/adaptercritic/gateway/internal/server"
	"github.com/adaptercritic/gateway/internal/version"
)

type (
	// cmd corresponds to the top-level `acgw` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the adapter-critic gateway for the given configuration."`
	}
	// cmdRun corresponds to the `acgw run` command.
	cmdRun struct {
		Config    string        `help:"Path to the gateway configuration file (YAML or JSON)." required:"" type:"path"`
		Host      string        `help:"Address to bind." default:"0.0.0.0"`
		Port      int           `help:"HTTP port to serve on." default:"8000"`
		Timeout   time.Duration `help:"Per-call upstream timeout." default:"120s"`
		LogLevel  string        `name:"log-level" help:"Log level (trace, debug, info, warning, error). Overrides LOGGING_LEVEL."`
		APIKeyEnv string        `name:"api-key-env" help:"Default environment variable holding the upstream bearer token." default:"OPENAI_API_KEY"`
	}
)

// loggingLevelEnv configures the log level when --log-level is not given.
const loggingLevelEnv = "LOGGING_LEVEL"

// resolveLogLevel maps the configured level name onto slog and reports
// whether body-preview debug logging is enabled.
func resolveLogLevel(flagLevel string) (slog.Level, bool) {
	configured := flagLevel
	if configured == "" {
		configured = os.Getenv(loggingLevelEnv)
	}
	switch strings.ToUpper(configured) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug, true
	case "WARNING", "WARN":
		return slog.LevelWarn, false
	case "ERROR", "CRITICAL":
		return slog.LevelError, false
	default:
		return slog.LevelInfo, false
	}
}

type runFn func(context.Context, cmdRun, io.Writer, io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run)
}

// doMain parses the command line arguments and executes the selected
// command. The writers, exit function and run function are injectable for
// testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), rf runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("acgw"),
		kong.Description("Adapter-Critic Gateway"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "Adapter-Critic Gateway: %s\n", version.Version)
	case "run":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	}
}

// run wires the gateway stack and serves until the context is cancelled.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	level, debugBodyLogging := resolveLogLevel(c.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	// The Prometheus reader converts otel attributes to the Prometheus
	// naming format (e.g. dots to underscores).
	promRegistry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus reader: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promReader))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(shutdownCtx)
	}()
	meter := meterProvider.Meter("github.com/adaptercritic/gateway")

	upstreamClient := &http.Client{Timeout: c.Timeout}
	openaiGateway := gateway.NewOpenAIGateway(upstreamClient, "", c.APIKeyEnv, logger)
	vertexGateway := gateway.NewVertexAnthropicGateway(upstreamClient, "", c.APIKeyEnv, logger)

	srv := server.New(server.Options{
		Config:           cfg,
		Gateway:          gateway.NewRoutingGateway(openaiGateway, vertexGateway),
		Logger:           logger,
		Metrics:          metrics.NewFactory(meter),
		MetricsHandler:   promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		DefaultAPIKeyEnv: c.APIKeyEnv,
		DebugBodyLogging: debugBodyLogging,
	})

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting gateway",
			slog.String("addr", httpServer.Addr),
			slog.Int("served_models", len(cfg.ServedModels)),
		)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
