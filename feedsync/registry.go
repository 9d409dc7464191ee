// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const bytesPerMB = 1024 * 1024

// Authorize loads a device and checks it may sync. It is the admission gate
// shared by upload, download and activity calls: unknown devices,
// deauthorized devices and devices of suspended tenants are rejected before
// any item is inspected.
func (s *SyncService) Authorize(ctx context.Context, deviceID string) (*DeviceEntity, error) {
	device, err := s.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.TenantActive {
		return nil, ErrTenantSuspended
	}
	if !device.IsAuthorized {
		return nil, ErrDeviceUnauthorized
	}
	return device, nil
}

// getDevice fetches a device row joined with its tenant's active flag
func (s *SyncService) getDevice(ctx context.Context, deviceID string) (*DeviceEntity, error) {
	var d DeviceEntity
	err := s.pool.QueryRow(ctx, `
		SELECT d.device_id, d.tenant_id, d.is_authorized, d.last_sync_watermark,
		       d.storage_quota_mb, d.storage_used_mb, d.app_version,
		       d.registered_at, d.last_seen_at, t.active
		FROM sync.devices d
		JOIN sync.tenants t ON t.tenant_id = d.tenant_id
		WHERE d.device_id = @device_id`,
		pgx.NamedArgs{"device_id": deviceID},
	).Scan(&d.DeviceID, &d.TenantID, &d.IsAuthorized, &d.LastSyncWatermark,
		&d.StorageQuotaMB, &d.StorageUsedMB, &d.AppVersion,
		&d.RegisteredAt, &d.LastSeenAt, &d.TenantActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceUnknown
		}
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}
	return &d, nil
}

// CheckQuota rejects a batch whose payload bytes would push the device over
// its storage quota. Quota is checked at the batch admission boundary;
// a rejected batch applies zero items.
func (s *SyncService) CheckQuota(device *DeviceEntity, incomingBytes int64) error {
	if quotaExceeded(device.StorageQuotaMB, device.StorageUsedMB, incomingBytes) {
		return ErrQuotaExceeded
	}
	return nil
}

// quotaExceeded reports whether used + incoming crosses the quota.
// A non-positive quota means unlimited.
func quotaExceeded(quotaMB, usedMB float64, incomingBytes int64) bool {
	if quotaMB <= 0 {
		return false
	}
	return usedMB+bytesToMB(incomingBytes) > quotaMB
}

func bytesToMB(n int64) float64 {
	return float64(n) / bytesPerMB
}

// AdvanceWatermark records download progress for a device. Monotonic:
// a call with ts <= current watermark is a no-op, never a regression.
func (s *SyncService) AdvanceWatermark(ctx context.Context, deviceID string, ts int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync.devices
		SET last_sync_watermark = GREATEST(last_sync_watermark, @ts),
		    last_seen_at = now()
		WHERE device_id = @device_id`,
		pgx.NamedArgs{"device_id": deviceID, "ts": ts})
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", deviceID, err)
	}
	return nil
}

// finalizeUpload commits the per-batch device mutations after all items have
// been processed: storage accounting, liveness and the watermark candidate.
func (s *SyncService) finalizeUpload(ctx context.Context, deviceID, appVersion string, appliedBytes int64, maxSeq int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync.devices
		SET storage_used_mb = storage_used_mb + @applied_mb,
		    last_sync_watermark = GREATEST(last_sync_watermark, @max_seq),
		    app_version = CASE WHEN @app_version = '' THEN app_version ELSE @app_version END,
		    last_seen_at = now()
		WHERE device_id = @device_id`,
		pgx.NamedArgs{
			"device_id":   deviceID,
			"applied_mb":  bytesToMB(appliedBytes),
			"max_seq":     maxSeq,
			"app_version": appVersion,
		})
	if err != nil {
		return fmt.Errorf("failed to finalize upload for %s: %w", deviceID, err)
	}
	return nil
}

// DeviceStatus returns the read-only configuration handshake for a device.
// It is served regardless of authorization state so a pending or revoked
// device can discover why sync calls are rejected.
func (s *SyncService) DeviceStatus(ctx context.Context, deviceID string) (*DeviceStatusResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	device, err := s.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.TenantSyncConfig(ctx, device.TenantID)
	if err != nil {
		return nil, err
	}

	return &DeviceStatusResponse{
		Device: DeviceInfo{
			DeviceID:          device.DeviceID,
			IsAuthorized:      device.IsAuthorized && device.TenantActive,
			LastSyncWatermark: device.LastSyncWatermark,
			StorageQuotaMB:    device.StorageQuotaMB,
			StorageUsedMB:     device.StorageUsedMB,
		},
		SyncConfig: cfg,
		ServerInfo: ServerInfo{
			ServerTime:      time.Now().UTC(),
			MaintenanceMode: s.config.MaintenanceMode,
			MinAppVersion:   s.config.MinAppVersion,
		},
	}, nil
}

// TenantSyncConfig loads the tenant sync policy, falling back to defaults
// when tenant administration has not stored a row.
func (s *SyncService) TenantSyncConfig(ctx context.Context, tenantID string) (SyncConfig, error) {
	var cfg SyncConfig
	err := s.pool.QueryRow(ctx, `
		SELECT sync_interval_minutes, batch_size, max_retry_attempts, offline_limit_days,
		       auto_sync_on_wifi, auto_sync_on_mobile_data, enable_photo_sync, max_photo_size_mb
		FROM sync.sync_config
		WHERE tenant_id = @tenant_id`,
		pgx.NamedArgs{"tenant_id": tenantID},
	).Scan(&cfg.SyncIntervalMinutes, &cfg.BatchSize, &cfg.MaxRetryAttempts, &cfg.OfflineLimitDays,
		&cfg.AutoSyncOnWifi, &cfg.AutoSyncOnMobileData, &cfg.EnablePhotoSync, &cfg.MaxPhotoSizeMB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSyncConfig(), nil
		}
		return SyncConfig{}, fmt.Errorf("failed to load sync config for tenant %s: %w", tenantID, err)
	}
	return cfg, nil
}
