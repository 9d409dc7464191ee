// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/conectaboi/go-feedsync/feedsync"
	"github.com/conectaboi/go-feedsync/internal/config"
	"github.com/conectaboi/go-feedsync/internal/server"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

const appName = "feedsyncd"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "feedsyncd",
	Short: "feedsyncd - offline synchronization engine for feedlot field devices",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the feedsyncd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Local development convenience; absent .env files are fine
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "port", cfg.Server.Port, "log_level", cfg.Log.Level)

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("invalid database URL: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	service, err := feedsync.NewSyncService(pool, &feedsync.ServiceConfig{
		AppName:            appName,
		MaxUploadBatchSize: cfg.Sync.MaxUploadBatchSize,
		MaxPayloadBytes:    cfg.Sync.MaxPayloadBytes,
		ItemApplyTimeout:   cfg.Sync.ItemApplyTimeout.AsDuration(),
		MinAppVersion:      cfg.Sync.MinAppVersion,
		MaintenanceMode:    cfg.Sync.MaintenanceMode,
	}, logger)
	if err != nil {
		return err
	}
	defer service.Close()
	logger.Info("sync service initialized")

	jwtAuth := feedsync.NewJWTAuth(cfg.Auth.JWTSecret)
	srv := server.New(service, jwtAuth, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout.AsDuration(),
		WriteTimeout: cfg.Server.WriteTimeout.AsDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.AsDuration())
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
