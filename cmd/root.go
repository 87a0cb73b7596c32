// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the rbridge command-line interface. It wires the
// configuration, logging, credentials and tracing layers to a bridge.Bridge
// and exposes its operations as cobra subcommands with pterm output.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge"
	"rbridge/cli/internal/config"
	"rbridge/cli/internal/keychain"
	"rbridge/cli/internal/logging"
	"rbridge/cli/internal/telemetry"
)

var (
	showVersion bool
	configFile  string
	verbose     bool
	traceOn     bool

	cfg    config.Config
	logger = zap.NewNop()
	// metricsRegistry collects bridge metrics for the process; listen serves it.
	metricsRegistry = prometheus.NewRegistry()
	stopTracing     = func(context.Context) error { return nil }
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "rbridge",
	Short: "rbridge connects to a remote agent runtime",
	Long: `rbridge keeps a session to a remote agent runtime and lets you execute tasks,
read and write shared state, publish events and listen for events from the
command line. When the runtime cannot be reached it falls back to local-only
degraded mode instead of failing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := stopTracing(ctx)
		_ = logger.Sync()
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("rbridge %s\n", Version)
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the CLI application. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		switch {
		case errors.Is(err, errReported):
		case logging.ClassifyError(err) != logging.ErrorUnknown:
			logging.PresentConnectivityError(err.Error())
		default:
			fmt.Fprintln(os.Stderr, logging.PresentError("", err))
		}
		os.Exit(1)
	}
}

// errReported marks failures that were already rendered to the user.
var errReported = errors.New("reported")

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/rbridge/config.yaml)")
	pf.String("backend", config.BackendGRPC, "Backend transport: grpc or redis")
	pf.String("host", "", "Backend host")
	pf.Int("port", 0, "Backend port")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Human-readable debug logging on stderr")
	pf.BoolVar(&traceOn, "trace", false, "Print OpenTelemetry spans to stderr")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show CLI version information")
}

// setup loads configuration and builds the process logger and tracer.
func setup(cmd *cobra.Command) error {
	v := viper.New()
	pf := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"backend":      "backend",
		"backend_host": "host",
		"backend_port": "port",
	} {
		if f := pf.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	c, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	cfg = c

	l, err := logging.New(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	logger = l

	if traceOn {
		shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
			ServiceName:    "rbridge",
			ServiceVersion: Version,
			Stdout:         true,
			Writer:         os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		stopTracing = shutdown
	}
	return nil
}

// newBridge builds a bridge from the loaded configuration. Lazy bridges skip
// the initial connect.
func newBridge(ctx context.Context, lazy bool) (*bridge.Bridge, error) {
	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithRegisterer(metricsRegistry),
	}
	if token := resolveToken(); token != "" {
		opts = append(opts, bridge.WithToken(token))
	}
	if lazy {
		opts = append(opts, bridge.WithLazyConnect())
	}
	return bridge.New(ctx, cfg, opts...)
}

// resolveToken returns the bearer token from the environment or keychain, or
// "" when none is stored.
func resolveToken() string {
	km, err := keychain.GetManager()
	if err != nil {
		logger.Debug("keychain unavailable", zap.Error(err))
		km = nil
	}
	token, err := keychain.ResolveToken(km)
	if err != nil {
		if !errors.Is(err, keychain.ErrNoToken) {
			logger.Debug("token lookup failed", zap.Error(err))
		}
		return ""
	}
	logger.Debug("using access token", logging.Secret("token", token))
	return token
}

// closeBridge releases b, waiting a bounded time for the listener.
func closeBridge(b *bridge.Bridge) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		logger.Warn("bridge close failed", zap.Error(err))
	}
}
