// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LogActivities appends a batch of device-reported activity entries.
//
// The log is append-only and never rejects on business-logic grounds:
// devices report failures too, and hiding a failure report defeats the
// trail. Only authorization gates the write. Unlike upload there is no
// per-item semantics; the set is inserted in one transaction and succeeds
// or fails atomically.
func (s *SyncService) LogActivities(ctx context.Context, tenantID, deviceID string, req *ActivityLogRequest) (*ActivityLogResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	device, err := s.Authorize(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.TenantID != tenantID {
		return nil, ErrDeviceUnauthorized
	}

	if len(req.Activities) == 0 {
		return &ActivityLogResponse{
			Success:         true,
			ServerTimestamp: s.getTenantHighSeq(ctx, tenantID),
		}, nil
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, entry := range req.Activities {
			_, execErr := tx.Exec(ctx, `
				INSERT INTO sync.activity_log
					(tenant_id, device_id, batch_id, action, table_affected, record_id,
					 timestamp_local, success, network_type, app_version, os_version,
					 details, error_details, retry_count)
				VALUES (@tenant_id, @device_id, @batch_id, @action, @table_affected, @record_id,
					 @timestamp_local, @success, @network_type, @app_version, @os_version,
					 @details, @error_details, @retry_count)`,
				pgx.NamedArgs{
					"tenant_id":       tenantID,
					"device_id":       deviceID,
					"batch_id":        req.BatchID,
					"action":          entry.Action,
					"table_affected":  nullableString(entry.TableAffected),
					"record_id":       nullableString(entry.RecordID),
					"timestamp_local": nullableTime(parseLocalTimestamp(entry.TimestampLocal)),
					"success":         entry.Success,
					"network_type":    entry.NetworkType,
					"app_version":     entry.AppVersion,
					"os_version":      entry.OSVersion,
					"details":         entry.Details,
					"error_details":   entry.ErrorDetails,
					"retry_count":     entry.RetryCount,
				})
			if execErr != nil {
				return fmt.Errorf("failed to append activity entry: %w", execErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to log activities for %s: %w", deviceID, err)
	}

	s.logger.Debug("Logged device activities",
		"tenant_id", tenantID, "device_id", deviceID,
		"batch_id", req.BatchID, "entries", len(req.Activities))

	return &ActivityLogResponse{
		Success:          true,
		LoggedActivities: len(req.Activities),
		ServerTimestamp:  s.getTenantHighSeq(ctx, tenantID),
	}, nil
}

// ConflictMarkers lists last-write-wins audit markers for a tenant, newest
// first. Operator-facing: each row names the record whose earlier edit was
// silently overwritten.
func (s *SyncService) ConflictMarkers(ctx context.Context, tenantID string, limit int) ([]ActivityLogEntity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, device_id, batch_id, action, table_affected, record_id,
		       timestamp_local, timestamp_server, success, network_type, app_version,
		       os_version, details, error_details, retry_count
		FROM sync.activity_log
		WHERE tenant_id = @tenant_id AND action = @action
		ORDER BY timestamp_server DESC
		LIMIT @limit`,
		pgx.NamedArgs{"tenant_id": tenantID, "action": ActionSyncConflict, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict markers: %w", err)
	}
	defer rows.Close()

	var markers []ActivityLogEntity
	for rows.Next() {
		var e ActivityLogEntity
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeviceID, &e.BatchID, &e.Action,
			&e.TableAffected, &e.RecordID, &e.TimestampLocal, &e.TimestampServer,
			&e.Success, &e.NetworkType, &e.AppVersion, &e.OSVersion,
			&e.Details, &e.ErrorDetails, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan conflict marker: %w", err)
		}
		markers = append(markers, e)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to list conflict markers: %w", rows.Err())
	}
	return markers, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
