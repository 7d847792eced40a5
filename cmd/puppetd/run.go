package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-puppeteer/internal/config"
	"github.com/e7canasta/orion-puppeteer/internal/core"
	"github.com/e7canasta/orion-puppeteer/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the puppeteer service",
	RunE:  runService,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: instance=%s source=%s detector=%s\n",
			cfg.InstanceID, sourceName(cfg), cfg.Detector.Command)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func sourceName(cfg *config.Config) string {
	if cfg.Source.Synthetic {
		return "synthetic"
	}
	return cfg.Source.URI
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger, closer, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("starting puppeteer service",
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"source", sourceName(cfg),
	)

	puppet, err := core.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create puppeteer: %w", err)
	}

	var stopHTTP func(context.Context) error
	if cfg.HTTP.Port > 0 {
		stopHTTP, err = puppet.StartHealthServer(cfg.HTTP.Port)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	errChan := make(chan error, 1)
	go func() {
		errChan <- puppet.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via control plane shutdown command)")
		}
	}

	timeout := puppet.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := puppet.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}
	if stopHTTP != nil {
		if err := stopHTTP(shutdownCtx); err != nil {
			slog.Warn("health server shutdown", "error", err)
		}
	}

	slog.Info("puppeteer service stopped")
	return runErr
}
