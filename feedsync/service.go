// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the offline synchronization engine for field devices.
// It owns the upload/ingest path, the idempotency and conflict resolution
// logic, the changefeed, device admission and the activity log.
type SyncService struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	config      *ServiceConfig
	deviceLocks *deviceLocks

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName string // Tagged on every engine log entry and on pool connections

	MaxUploadBatchSize int           // Maximum changes per upload call (0 = unlimited)
	MaxPayloadBytes    int           // Maximum JSON payload size per change (0 = unlimited)
	ItemApplyTimeout   time.Duration // Independent timeout per item apply (0 = none)

	MinAppVersion   string // Advertised in the device-status handshake
	MaintenanceMode bool   // Advertised in the device-status handshake
}

// NewSyncService creates a new sync service instance from an existing pool
// and initializes the sync schema.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{
			AppName: "feedsync",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.AppName != "" {
		logger = logger.With("app", config.AppName)
	}

	service := &SyncService{
		pool:        pool,
		logger:      logger,
		config:      config,
		deviceLocks: newDeviceLocks(),
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize sync schema", "error", err)
			return err
		}
		logger.Debug("Sync schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the sync service.
// It's safe to call multiple times.
// Note: This does NOT close the database pool - the caller owns its lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool.
// This allows advanced users to execute custom queries.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// getTenantHighSeq returns the highest server_timestamp minted for a tenant.
// Returns 0 when nothing has been synced yet.
func (s *SyncService) getTenantHighSeq(ctx context.Context, tenantID string) int64 {
	if s.pool == nil {
		return 0
	}
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(last_value, 0) FROM sync.tenant_seq WHERE tenant_id = @tenant_id`,
		pgx.NamedArgs{"tenant_id": tenantID},
	).Scan(&seq)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("Failed to get tenant high seq", "error", err, "tenant_id", tenantID)
		}
		return 0
	}
	return seq
}
