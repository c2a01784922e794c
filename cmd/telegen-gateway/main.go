// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Command telegen-gateway runs the telemetry pipelines described by a YAML
// configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/components"
	"github.com/platformbuilds/telegen-gateway/internal/config"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/service"
	"github.com/platformbuilds/telegen-gateway/internal/version"
)

const defaultConfigPath = "/etc/telegen-gateway/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "telegen-gateway: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath      string
	logLevel        string
	shutdownTimeout time.Duration
	dryRun          bool
	showVersion     bool
}

// parseOptions reads flags, falling back to TELEGEN_GATEWAY_* environment
// variables, e.g. TELEGEN_GATEWAY_LOG_LEVEL.
func parseOptions(args []string) (options, error) {
	fs := pflag.NewFlagSet("telegen-gateway", pflag.ContinueOnError)
	fs.String("config", defaultConfigPath, "path to the configuration file")
	fs.String("log-level", "", "override service.telemetry.logs.level")
	fs.Duration("shutdown-timeout", 0, "override service.shutdown_timeout")
	fs.Bool("dry-run", false, "validate the configuration and exit")
	fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("TELEGEN_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return options{}, err
	}
	return options{
		configPath:      v.GetString("config"),
		logLevel:        v.GetString("log-level"),
		shutdownTimeout: v.GetDuration("shutdown-timeout"),
		dryRun:          v.GetBool("dry-run"),
		showVersion:     v.GetBool("version"),
	}, nil
}

// run loads the configuration, starts the service and blocks until ctx is
// done, then shuts the service down within the configured grace period.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	factories := components.Builtin()
	cfg, err := config.Load(opts.configPath, factories)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Service.Telemetry.Logs.Level = opts.logLevel
	}
	if opts.shutdownTimeout > 0 {
		cfg.Service.ShutdownTimeout = opts.shutdownTimeout
	}
	logger, err := selftelemetry.NewLogger(cfg.Service.Telemetry.Logs)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if opts.dryRun {
		fmt.Fprintf(stdout, "configuration %s is valid: %d pipelines\n", opts.configPath, len(cfg.Service.Pipelines))
		return nil
	}

	logger.Info("telegen-gateway starting",
		zap.String("version", version.Version()),
		zap.String("config", opts.configPath))

	svc, err := service.New(service.Settings{Config: cfg, Factories: factories, Logger: logger})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", zap.Duration("grace_period", cfg.Service.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}
