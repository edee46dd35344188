// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the dataset-gateway command line entry point.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/celine-io/dataset-gateway/internal/log"
	"github.com/celine-io/dataset-gateway/internal/server"
	"github.com/celine-io/dataset-gateway/internal/telemetry"
	"github.com/celine-io/dataset-gateway/internal/util"

	// Optional row-filter plugins register themselves at init time.
	_ "github.com/celine-io/dataset-gateway/internal/rowfilter/plugins/recregistry"
)

// versionString is the release version, overridable at build time with
// -ldflags "-X github.com/celine-io/dataset-gateway/cmd.versionString=…".
var versionString = "dev"

func init() {
	versionString += "+" + strings.Join([]string{runtime.GOOS, runtime.GOARCH}, ".")
}

// Command is the root cobra command with its bound configuration.
type Command struct {
	*cobra.Command

	cfg        server.Config
	configFile string
	logger     log.Logger

	outStream, errStream io.Writer
}

// NewCommand returns the root command for the gateway.
func NewCommand(opts ...Option) *Command {
	out := os.Stdout
	errStream := os.Stderr

	cmd := &Command{
		Command: &cobra.Command{
			Use:     "dataset-gateway",
			Version: versionString,
			Short:   "Governed SQL gateway over catalogued datasets",
			Long:    "dataset-gateway exposes catalogued PostgreSQL/PostGIS datasets through a governed, read-only SQL endpoint with policy enforcement and row-level filtering.",
		},
		outStream: out,
		errStream: errStream,
	}
	for _, opt := range opts {
		opt(cmd)
	}

	cmd.SetOut(cmd.outStream)
	cmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.configFile, "config", "c", "gateway.yaml", "Path to the configuration file.")
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "", "Address of the interface the server will listen on (overrides config).")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 0, "Port the server will listen on (overrides config).")
	flags.StringVar(&cmd.cfg.LogLevel, "log-level", "", "Specify the minimum level logged: debug, info, warn or error.")
	flags.StringVar(&cmd.cfg.LoggingFormat, "logging-format", "", "Specify logging format: standard or json.")

	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }
	return cmd
}

// Option configures a Command, used by tests to capture output.
type Option func(*Command)

// WithStreams redirects the command's output streams.
func WithStreams(out, err io.Writer) Option {
	return func(c *Command) {
		c.outStream = out
		c.errStream = err
	}
}

// Execute runs the root command with OS args.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Flag overrides survive the config file load.
	overrides := cmd.cfg

	raw, err := os.ReadFile(cmd.configFile)
	if err != nil {
		return fmt.Errorf("unable to read config file %q: %w", cmd.configFile, err)
	}
	cfg, err := server.ParseConfig(raw, versionString)
	if err != nil {
		return err
	}
	if overrides.Address != "" {
		cfg.Address = overrides.Address
	}
	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.LoggingFormat != "" {
		cfg.LoggingFormat = overrides.LoggingFormat
	}
	cmd.cfg = cfg

	logger, err := log.NewLogger(cfg.LoggingFormat, cfg.LogLevel, cmd.outStream, cmd.errStream)
	if err != nil {
		return fmt.Errorf("unable to initialize logger: %w", err)
	}
	cmd.logger = logger
	ctx = util.WithLogger(ctx, logger)

	shutdownTelemetry, err := telemetry.Setup(ctx, "dataset-gateway", versionString)
	if err != nil {
		return fmt.Errorf("unable to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("error shutting down telemetry: %v", err))
		}
	}()

	source, err := cfg.Source.Initialize(ctx, otel.Tracer("github.com/celine-io/dataset-gateway"))
	if err != nil {
		return fmt.Errorf("unable to connect to backend: %w", err)
	}
	defer source.Pool.Close()

	s, err := server.NewServer(ctx, cfg, source, logger)
	if err != nil {
		return fmt.Errorf("unable to initialize server: %w", err)
	}
	if err := s.Listen(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	select {
	case sig := <-signals:
		logger.InfoContext(ctx, fmt.Sprintf("received %s, shutting down", sig))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	return s.Shutdown(context.Background())
}
