// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"encoding/json"
	"time"
)

// Database entity models for the sync schema tables

// DeviceEntity represents a row in sync.devices joined with the owning
// tenant's active flag.
type DeviceEntity struct {
	DeviceID          string     `db:"device_id"`
	TenantID          string     `db:"tenant_id"`
	IsAuthorized      bool       `db:"is_authorized"`
	LastSyncWatermark int64      `db:"last_sync_watermark"`
	StorageQuotaMB    float64    `db:"storage_quota_mb"`
	StorageUsedMB     float64    `db:"storage_used_mb"`
	AppVersion        string     `db:"app_version"`
	RegisteredAt      time.Time  `db:"registered_at"`
	LastSeenAt        *time.Time `db:"last_seen_at"`
	TenantActive      bool       `db:"tenant_active"`
}

// ChangeMappingEntity represents a row in sync.change_mappings.
// (device_id, table_name, offline_id) is the idempotency key; the row caches
// the outcome so a replayed item can be answered without touching the store.
type ChangeMappingEntity struct {
	DeviceID        string    `db:"device_id"`
	TableName       string    `db:"table_name"`
	OfflineID       string    `db:"offline_id"`
	RecordID        string    `db:"record_id"`
	Checksum        string    `db:"checksum"`
	LastStatus      string    `db:"last_status"`
	ServerTimestamp int64     `db:"server_timestamp"`
	CreatedAt       time.Time `db:"created_at"`
}

// ServerChangeLogEntity represents a row in sync.server_change_log
type ServerChangeLogEntity struct {
	ID              int64           `db:"id"`
	TenantID        string          `db:"tenant_id"`
	ServerTimestamp int64           `db:"server_timestamp"`
	RecordID        string          `db:"record_id"`
	TableName       string          `db:"table_name"`
	Op              string          `db:"op"`
	Payload         json.RawMessage `db:"payload"`
	Checksum        string          `db:"checksum"`
	OriginDeviceID  string          `db:"origin_device_id"`
	Timestamp       time.Time       `db:"ts"`
}

// RecordStateEntity represents a row in sync.record_state, the current
// after-image of a logical record used for last-write-wins detection.
type RecordStateEntity struct {
	TenantID        string          `db:"tenant_id"`
	TableName       string          `db:"table_name"`
	RecordID        string          `db:"record_id"`
	Payload         json.RawMessage `db:"payload"`
	Deleted         bool            `db:"deleted"`
	OriginDeviceID  string          `db:"origin_device_id"`
	ServerTimestamp int64           `db:"server_timestamp"`
	AppliedAt       time.Time       `db:"applied_at"`
}

// ActivityLogEntity represents a row in sync.activity_log
type ActivityLogEntity struct {
	ID              int64      `db:"id"`
	TenantID        string     `db:"tenant_id"`
	DeviceID        string     `db:"device_id"`
	BatchID         string     `db:"batch_id"`
	Action          string     `db:"action"`
	TableAffected   *string    `db:"table_affected"`
	RecordID        *string    `db:"record_id"`
	TimestampLocal  *time.Time `db:"timestamp_local"`
	TimestampServer time.Time  `db:"timestamp_server"`
	Success         bool       `db:"success"`
	NetworkType     string     `db:"network_type"`
	AppVersion      string     `db:"app_version"`
	OSVersion       string     `db:"os_version"`
	Details         string     `db:"details"`
	ErrorDetails    string     `db:"error_details"`
	RetryCount      int        `db:"retry_count"`
}
