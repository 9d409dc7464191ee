// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// applyOutcome carries what the ingest loop needs beside the wire result:
// the payload bytes charged against the device quota and the minted
// server_timestamp (0 when nothing was applied).
type applyOutcome struct {
	result       ItemResult
	appliedBytes int64
	seq          int64
}

// resolveChange drives one client-authored change to exactly one durable
// effect. Each change runs in its own transaction so a client-dropped
// connection mid-batch leaves already-committed items applied; the client
// discovers them on retry through the idempotency mapping, never through a
// rollback. Store-level failures degrade to an error result for this item
// only.
func (s *SyncService) resolveChange(ctx context.Context, device *DeviceEntity, batchID string, change ChangeRecord) applyOutcome {
	itemCtx := ctx
	if s.config.ItemApplyTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, s.config.ItemApplyTimeout)
		defer cancel()
	}

	outcome, err := s.applyChangeOnce(itemCtx, device, batchID, change)
	if err != nil && (isRetryablePGTxError(err) || isMappingConflictError(err)) {
		// A concurrent writer may have beaten this item to the same record,
		// or another engine instance landed the same triplet first. Back off
		// briefly, then consult the idempotency mapping before retrying: if
		// the triplet landed, this is a replay.
		if sleepErr := sleepWithContext(itemCtx, 50*time.Millisecond); sleepErr == nil {
			if mapping, lookupErr := s.lookupMapping(itemCtx, device.DeviceID, change.Table, change.OfflineID); lookupErr == nil && mapping != nil {
				return applyOutcome{
					result: resultAlreadyProcessed(change.OfflineID, mapping.RecordID),
					seq:    mapping.ServerTimestamp,
				}
			}
			outcome, err = s.applyChangeOnce(itemCtx, device, batchID, change)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Item apply timed out",
				"device_id", device.DeviceID, "table", change.Table, "offline_id", change.OfflineID)
			return applyOutcome{result: resultError(change.OfflineID, errors.New("apply timed out"))}
		}
		s.logger.Error("Item apply failed",
			"error", err, "device_id", device.DeviceID,
			"table", change.Table, "offline_id", change.OfflineID, "op", change.Operation)
		return applyOutcome{result: resultError(change.OfflineID, fmt.Errorf("apply failed: %v", err))}
	}
	return outcome
}

// applyChangeOnce runs one resolution attempt in a single transaction:
// idempotency lookup, last-write-wins application, change-log append and
// mapping upsert all commit atomically with the tenant sequence allocation.
func (s *SyncService) applyChangeOnce(ctx context.Context, device *DeviceEntity, batchID string, change ChangeRecord) (applyOutcome, error) {
	var outcome applyOutcome
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		var txErr error
		outcome, txErr = s.applyChangeInTx(ctx, tx, device, batchID, change)
		return txErr
	})
	if err != nil {
		return applyOutcome{}, err
	}
	return outcome, nil
}

func (s *SyncService) applyChangeInTx(ctx context.Context, tx pgx.Tx, device *DeviceEntity, batchID string, change ChangeRecord) (applyOutcome, error) {
	mapping, err := s.lockMapping(ctx, tx, device.DeviceID, change.Table, change.OfflineID)
	if err != nil {
		return applyOutcome{}, err
	}

	if mapping != nil && mapping.Checksum == change.Checksum {
		// Replay path: clients retry whole batches after network loss with
		// no way to know which items already landed.
		return applyOutcome{
			result: resultAlreadyProcessed(change.OfflineID, mapping.RecordID),
			seq:    mapping.ServerTimestamp,
		}, nil
	}

	effectiveOp := change.Operation
	var recordID string
	switch {
	case mapping != nil:
		// Same offline record re-edited before its first successful sync.
		// The later content wins against the already-mapped record_id.
		s.logger.Warn("Checksum mismatch on known offline id, applying as re-edit",
			"device_id", device.DeviceID, "table", change.Table, "offline_id", change.OfflineID,
			"record_id", mapping.RecordID)
		recordID = mapping.RecordID
		if effectiveOp != OpDelete {
			effectiveOp = OpUpdate
		}
	case change.Operation == OpInsert:
		recordID = uuid.New().String()
	default:
		// update/delete target a record the device learned about from the
		// changefeed; the durable id travels in the payload.
		recordID, err = recordIDFromPayload(change.Payload)
		if err != nil {
			return applyOutcome{result: resultError(change.OfflineID, err)}, nil
		}
	}

	prior, err := s.lockRecordState(ctx, tx, device.TenantID, change.Table, recordID)
	if err != nil {
		return applyOutcome{}, err
	}

	// Last-write-wins by server arrival order: the write is always applied,
	// but a superseded newer edit from another device is surfaced to
	// operators through an audit marker.
	if prior != nil && prior.OriginDeviceID != device.DeviceID {
		localTS := parseLocalTimestamp(change.LocalTimestamp)
		if prior.AppliedAt.After(localTS) {
			if markErr := s.appendConflictMarker(ctx, tx, device, batchID, change, recordID, prior); markErr != nil {
				return applyOutcome{}, markErr
			}
		}
	}

	seq, err := s.nextServerTimestamp(ctx, tx, device.TenantID)
	if err != nil {
		return applyOutcome{}, err
	}

	if err := s.applyRecordState(ctx, tx, device, change, recordID, effectiveOp, seq); err != nil {
		return applyOutcome{}, err
	}

	if err := s.appendChangeLog(ctx, tx, device, change, recordID, effectiveOp, seq); err != nil {
		return applyOutcome{}, err
	}

	status := statusForOp(effectiveOp)
	if mapping != nil {
		err = s.updateMapping(ctx, tx, device.DeviceID, change, status, seq)
	} else {
		err = s.insertMapping(ctx, tx, device.DeviceID, change, recordID, status, seq)
	}
	if err != nil {
		return applyOutcome{}, err
	}

	var appliedBytes int64
	if effectiveOp != OpDelete {
		appliedBytes = int64(len(change.Payload))
	}

	return applyOutcome{
		result:       resultApplied(change.OfflineID, recordID, status),
		appliedBytes: appliedBytes,
		seq:          seq,
	}, nil
}

// nextServerTimestamp mints the next per-tenant watermark value. The
// allocator row is updated inside the caller's transaction, so the sequence
// is strictly increasing and never reused even with multiple engine
// instances appending concurrently.
func (s *SyncService) nextServerTimestamp(ctx context.Context, tx pgx.Tx, tenantID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.tenant_seq (tenant_id, last_value)
		VALUES (@tenant_id, 1)
		ON CONFLICT (tenant_id)
		DO UPDATE SET last_value = sync.tenant_seq.last_value + 1
		RETURNING last_value`,
		pgx.NamedArgs{"tenant_id": tenantID}).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to mint server_timestamp for tenant %s: %w", tenantID, err)
	}
	return seq, nil
}

// lockMapping loads an idempotency mapping row with a row lock, or nil
func (s *SyncService) lockMapping(ctx context.Context, tx pgx.Tx, deviceID, table, offlineID string) (*ChangeMappingEntity, error) {
	var m ChangeMappingEntity
	err := tx.QueryRow(ctx, `
		SELECT device_id, table_name, offline_id, record_id, checksum, last_status, server_timestamp
		FROM sync.change_mappings
		WHERE device_id = $1 AND table_name = $2 AND offline_id = $3
		FOR UPDATE`,
		deviceID, table, offlineID,
	).Scan(&m.DeviceID, &m.TableName, &m.OfflineID, &m.RecordID, &m.Checksum, &m.LastStatus, &m.ServerTimestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up change mapping: %w", err)
	}
	return &m, nil
}

// lookupMapping is the lock-free variant used by the retry idempotency gate
func (s *SyncService) lookupMapping(ctx context.Context, deviceID, table, offlineID string) (*ChangeMappingEntity, error) {
	var m ChangeMappingEntity
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, table_name, offline_id, record_id, checksum, last_status, server_timestamp
		FROM sync.change_mappings
		WHERE device_id = $1 AND table_name = $2 AND offline_id = $3`,
		deviceID, table, offlineID,
	).Scan(&m.DeviceID, &m.TableName, &m.OfflineID, &m.RecordID, &m.Checksum, &m.LastStatus, &m.ServerTimestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// lockRecordState loads the current after-image of a record with a row
// lock, or nil when the record has never been seen server-side. The lock is
// the cross-device coordination point: two devices writing the same logical
// record serialize here instead of minting two records.
func (s *SyncService) lockRecordState(ctx context.Context, tx pgx.Tx, tenantID, table, recordID string) (*RecordStateEntity, error) {
	var r RecordStateEntity
	err := tx.QueryRow(ctx, `
		SELECT tenant_id, table_name, record_id, payload, deleted, origin_device_id, server_timestamp, applied_at
		FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
		FOR UPDATE`,
		tenantID, table, recordID,
	).Scan(&r.TenantID, &r.TableName, &r.RecordID, &r.Payload, &r.Deleted, &r.OriginDeviceID, &r.ServerTimestamp, &r.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up record state: %w", err)
	}
	return &r, nil
}

// applyRecordState writes the new after-image. Inserts and updates both
// upsert: under last-write-wins an update against a vanished row recreates
// it rather than failing the item.
func (s *SyncService) applyRecordState(ctx context.Context, tx pgx.Tx, device *DeviceEntity, change ChangeRecord, recordID, effectiveOp string, seq int64) error {
	var payload json.RawMessage
	deleted := effectiveOp == OpDelete
	if !deleted {
		payload = change.Payload
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.record_state
			(tenant_id, table_name, record_id, payload, deleted, origin_device_id, server_timestamp, applied_at)
		VALUES (@tenant_id, @table_name, @record_id::uuid, @payload::json, @deleted, @origin_device_id, @server_timestamp, now())
		ON CONFLICT (tenant_id, table_name, record_id)
		DO UPDATE SET
			payload = EXCLUDED.payload,
			deleted = EXCLUDED.deleted,
			origin_device_id = EXCLUDED.origin_device_id,
			server_timestamp = EXCLUDED.server_timestamp,
			applied_at = EXCLUDED.applied_at`,
		pgx.NamedArgs{
			"tenant_id":        device.TenantID,
			"table_name":       change.Table,
			"record_id":        recordID,
			"payload":          payload,
			"deleted":          deleted,
			"origin_device_id": device.DeviceID,
			"server_timestamp": seq,
		})
	if err != nil {
		return fmt.Errorf("failed to apply record state: %w", err)
	}
	return nil
}

// appendChangeLog appends exactly one history entry for an applied change
func (s *SyncService) appendChangeLog(ctx context.Context, tx pgx.Tx, device *DeviceEntity, change ChangeRecord, recordID, effectiveOp string, seq int64) error {
	var payload json.RawMessage
	if effectiveOp != OpDelete {
		payload = change.Payload
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.server_change_log
			(tenant_id, server_timestamp, record_id, table_name, op, payload, checksum, origin_device_id)
		VALUES (@tenant_id, @server_timestamp, @record_id::uuid, @table_name, @op, @payload::json, @checksum, @origin_device_id)`,
		pgx.NamedArgs{
			"tenant_id":        device.TenantID,
			"server_timestamp": seq,
			"record_id":        recordID,
			"table_name":       change.Table,
			"op":               effectiveOp,
			"payload":          payload,
			"checksum":         change.Checksum,
			"origin_device_id": device.DeviceID,
		})
	if err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}
	return nil
}

// insertMapping stores the idempotency mapping with the cached outcome for
// replays. A unique violation means another engine instance applied the
// same triplet first; the error aborts this transaction, rolling back the
// record and history writes, and the retry gate answers from the winner's
// row.
func (s *SyncService) insertMapping(ctx context.Context, tx pgx.Tx, deviceID string, change ChangeRecord, recordID, status string, seq int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.change_mappings
			(device_id, table_name, offline_id, record_id, checksum, last_status, server_timestamp)
		VALUES (@device_id, @table_name, @offline_id, @record_id::uuid, @checksum, @last_status, @server_timestamp)`,
		pgx.NamedArgs{
			"device_id":        deviceID,
			"table_name":       change.Table,
			"offline_id":       change.OfflineID,
			"record_id":        recordID,
			"checksum":         change.Checksum,
			"last_status":      status,
			"server_timestamp": seq,
		})
	if err != nil {
		return fmt.Errorf("failed to insert change mapping: %w", err)
	}
	return nil
}

// updateMapping refreshes the cached outcome after an offline re-edit. The
// caller holds the row lock from lockMapping; record_id never changes.
func (s *SyncService) updateMapping(ctx context.Context, tx pgx.Tx, deviceID string, change ChangeRecord, status string, seq int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE sync.change_mappings
		SET checksum = @checksum,
		    last_status = @last_status,
		    server_timestamp = @server_timestamp
		WHERE device_id = @device_id AND table_name = @table_name AND offline_id = @offline_id`,
		pgx.NamedArgs{
			"device_id":        deviceID,
			"table_name":       change.Table,
			"offline_id":       change.OfflineID,
			"checksum":         change.Checksum,
			"last_status":      status,
			"server_timestamp": seq,
		})
	if err != nil {
		return fmt.Errorf("failed to update change mapping: %w", err)
	}
	return nil
}

// appendConflictMarker records a silently-overwritten edit in the activity
// log. Informational for operators; the write itself still succeeds.
func (s *SyncService) appendConflictMarker(ctx context.Context, tx pgx.Tx, device *DeviceEntity, batchID string, change ChangeRecord, recordID string, prior *RecordStateEntity) error {
	details := fmt.Sprintf(
		"last-write-wins: device %s overwrote entry from device %s (server entry %d applied at %s, incoming local_timestamp %q)",
		device.DeviceID, prior.OriginDeviceID, prior.ServerTimestamp,
		prior.AppliedAt.UTC().Format(time.RFC3339), change.LocalTimestamp)

	_, err := tx.Exec(ctx, `
		INSERT INTO sync.activity_log
			(tenant_id, device_id, batch_id, action, table_affected, record_id, timestamp_local, success, app_version, error_details)
		VALUES (@tenant_id, @device_id, @batch_id, @action, @table_affected, @record_id, @timestamp_local, TRUE, @app_version, @error_details)`,
		pgx.NamedArgs{
			"tenant_id":       device.TenantID,
			"device_id":       device.DeviceID,
			"batch_id":        batchID,
			"action":          ActionSyncConflict,
			"table_affected":  change.Table,
			"record_id":       recordID,
			"timestamp_local": nullableTime(parseLocalTimestamp(change.LocalTimestamp)),
			"app_version":     device.AppVersion,
			"error_details":   details,
		})
	if err != nil {
		return fmt.Errorf("failed to append conflict marker: %w", err)
	}
	return nil
}

// recordIDFromPayload extracts the durable server id an update/delete
// targets from the record payload.
func recordIDFromPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: update/delete requires a record id", ErrBadPayload)
	}
	var fields struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	parsed, err := uuid.Parse(fields.ID)
	if err != nil {
		return "", fmt.Errorf("%w: record id %q is not a valid uuid", ErrBadPayload, fields.ID)
	}
	return parsed.String(), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
