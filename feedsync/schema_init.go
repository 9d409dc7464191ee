// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the sync schema tables within an existing
// transaction. All statements are idempotent so the service can be started
// against an already-initialized database.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for all engine-owned tables
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Tenants (feedlots). Inactive tenants reject all sync calls.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.tenants (
			tenant_id  TEXT        NOT NULL PRIMARY KEY,
			name       TEXT        NOT NULL DEFAULT '',
			active     BOOLEAN     NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 2) Device registry. Devices are never hard-deleted, only
		// deauthorized.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.devices (
			device_id           TEXT             NOT NULL PRIMARY KEY,
			tenant_id           TEXT             NOT NULL REFERENCES sync.tenants(tenant_id),
			is_authorized       BOOLEAN          NOT NULL DEFAULT FALSE,
			last_sync_watermark BIGINT           NOT NULL DEFAULT 0,
			storage_quota_mb    DOUBLE PRECISION NOT NULL DEFAULT 100,
			storage_used_mb     DOUBLE PRECISION NOT NULL DEFAULT 0,
			app_version         TEXT             NOT NULL DEFAULT '',
			registered_at       TIMESTAMPTZ      NOT NULL DEFAULT now(),
			last_seen_at        TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS devices_tenant_idx ON sync.devices(tenant_id)`,

		// 3) Per-tenant monotonic server_timestamp allocator. The row is
		// updated inside the same transaction as every change-log append so
		// the sequence stays strictly increasing across engine instances.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.tenant_seq (
			tenant_id  TEXT   NOT NULL PRIMARY KEY REFERENCES sync.tenants(tenant_id),
			last_value BIGINT NOT NULL DEFAULT 0
		)`,

		// 4) Idempotency mappings. One durable effect per
		// (device_id, table_name, offline_id); the row caches the outcome
		// for replayed batches.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_mappings (
			device_id        TEXT        NOT NULL,
			table_name       TEXT        NOT NULL,
			offline_id       TEXT        NOT NULL,
			record_id        UUID        NOT NULL,
			checksum         TEXT        NOT NULL,
			last_status      TEXT        NOT NULL,
			server_timestamp BIGINT      NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, table_name, offline_id)
		)`,

		// 5) Change history served by the changefeed. server_timestamp is
		// the per-tenant watermark unit, strictly increasing, never reused.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.server_change_log (
			id               BIGSERIAL   PRIMARY KEY,
			tenant_id        TEXT        NOT NULL,
			server_timestamp BIGINT      NOT NULL,
			record_id        UUID        NOT NULL,
			table_name       TEXT        NOT NULL,
			op               TEXT        NOT NULL CHECK (op IN ('insert','update','delete')),
			payload          JSON,
			checksum         TEXT        NOT NULL DEFAULT '',
			origin_device_id TEXT        NOT NULL,
			ts               TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, server_timestamp),
			CONSTRAINT change_log_payload_by_op_chk
			CHECK ((op = 'delete' AND payload IS NULL) OR (op IN ('insert','update') AND payload IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS scl_tenant_seq_idx ON sync.server_change_log(tenant_id, server_timestamp)`, // Optimizes tail-follow downloads
		`CREATE INDEX IF NOT EXISTS scl_tenant_origin_seq_idx ON sync.server_change_log(tenant_id, origin_device_id, server_timestamp)`,

		// 6) Current after-image per logical record, used for
		// last-write-wins conflict detection and delete lifecycle.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.record_state (
			tenant_id        TEXT        NOT NULL,
			table_name       TEXT        NOT NULL,
			record_id        UUID        NOT NULL,
			payload          JSON,
			deleted          BOOLEAN     NOT NULL DEFAULT FALSE,
			origin_device_id TEXT        NOT NULL,
			server_timestamp BIGINT      NOT NULL,
			applied_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, table_name, record_id)
		)`,

		// 7) Append-only activity log. Immutable once written.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.activity_log (
			id               BIGSERIAL   PRIMARY KEY,
			tenant_id        TEXT        NOT NULL,
			device_id        TEXT        NOT NULL,
			batch_id         TEXT        NOT NULL DEFAULT '',
			action           TEXT        NOT NULL,
			table_affected   TEXT,
			record_id        TEXT,
			timestamp_local  TIMESTAMPTZ,
			timestamp_server TIMESTAMPTZ NOT NULL DEFAULT now(),
			success          BOOLEAN     NOT NULL DEFAULT TRUE,
			network_type     TEXT        NOT NULL DEFAULT '',
			app_version      TEXT        NOT NULL DEFAULT '',
			os_version       TEXT        NOT NULL DEFAULT '',
			details          TEXT        NOT NULL DEFAULT '',
			error_details    TEXT        NOT NULL DEFAULT '',
			retry_count      INT         NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS activity_tenant_device_idx ON sync.activity_log(tenant_id, device_id, timestamp_server)`,
		`CREATE INDEX IF NOT EXISTS activity_action_idx ON sync.activity_log(tenant_id, action, timestamp_server)`,

		// 8) Per-tenant sync policy, owned by tenant administration.
		// Absent rows fall back to engine defaults.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_config (
			tenant_id                TEXT             NOT NULL PRIMARY KEY REFERENCES sync.tenants(tenant_id),
			sync_interval_minutes    INT              NOT NULL DEFAULT 30,
			batch_size               INT              NOT NULL DEFAULT 50,
			max_retry_attempts       INT              NOT NULL DEFAULT 3,
			offline_limit_days       INT              NOT NULL DEFAULT 7,
			auto_sync_on_wifi        BOOLEAN          NOT NULL DEFAULT TRUE,
			auto_sync_on_mobile_data BOOLEAN          NOT NULL DEFAULT FALSE,
			enable_photo_sync        BOOLEAN          NOT NULL DEFAULT TRUE,
			max_photo_size_mb        DOUBLE PRECISION NOT NULL DEFAULT 5
		)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized", "migrations", len(migrations))

	return nil
}
