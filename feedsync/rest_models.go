// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses.
// Field names follow the wire contract the mobile apps already speak.

// UploadRequest represents a batch upload request from a field device.
// The device identity is derived from the JWT did claim; the body device_id
// must match it.
type UploadRequest struct {
	DeviceID   string         `json:"device_id"`
	BatchID    string         `json:"batch_id"`
	AppVersion string         `json:"app_version"`
	Data       []ChangeRecord `json:"data"`
}

// ChangeRecord represents a single row mutation authored on a device while
// offline. (device_id, table, offline_id) is the idempotency key.
type ChangeRecord struct {
	Table          string          `json:"table"`
	Operation      string          `json:"operation"` // insert, update, delete
	OfflineID      string          `json:"offline_id"`
	Checksum       string          `json:"checksum"`        // content hash as the client saw it
	LocalTimestamp string          `json:"local_timestamp"` // RFC 3339, advisory only
	Payload        json.RawMessage `json:"record,omitempty"`
}

// UploadResponse represents the server response to an upload request
type UploadResponse struct {
	Success         bool         `json:"success"`
	ProcessedItems  int          `json:"processed_items"` // items that landed (incl. replays)
	Results         []ItemResult `json:"results"`
	ServerTimestamp int64        `json:"server_timestamp"` // tenant watermark after this batch
}

// ItemResult reports the outcome of a single change in an upload batch
type ItemResult struct {
	OfflineID    string `json:"offline_id"`
	ServerID     string `json:"server_id,omitempty"` // durable record id, empty on error
	Status       string `json:"status"`              // inserted, updated, deleted, already_processed, error
	ErrorMessage string `json:"error_message,omitempty"`
}

// DownloadResponse represents the server response to a download request
type DownloadResponse struct {
	Updates         []ServerChangeEntry `json:"updates"`
	ServerTimestamp int64               `json:"server_timestamp"` // tenant high watermark
	HasMore         bool                `json:"has_more"`
	NextWatermark   int64               `json:"next_watermark"` // resume token: last server_timestamp returned
	WindowUntil     int64               `json:"window_until"`   // frozen upper bound for this paging session
}

// ServerChangeEntry is one entry of the tenant change history served to
// devices. server_timestamp is the sole ordering and resumption token.
type ServerChangeEntry struct {
	RecordID        string          `json:"record_id"`
	TableName       string          `json:"table_name"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data,omitempty"` // null for delete
	ServerTimestamp int64           `json:"server_timestamp"`
	Checksum        string          `json:"checksum,omitempty"`
	OriginDeviceID  string          `json:"origin_device_id"`
	Deleted         bool            `json:"deleted"` // current lifecycle state of the record
	AppliedAt       time.Time       `json:"applied_at"`
}

// ActivityLogRequest represents a batch of device-reported activity entries
type ActivityLogRequest struct {
	DeviceID   string          `json:"device_id"`
	BatchID    string          `json:"batch_id"`
	Activities []ActivityEntry `json:"activities"`
}

// ActivityEntry is one device-reported activity, successful or not
type ActivityEntry struct {
	Action         string `json:"action"`
	TableAffected  string `json:"table_affected,omitempty"`
	RecordID       string `json:"record_id,omitempty"`
	TimestampLocal string `json:"timestamp_local"` // RFC 3339, device clock
	Success        bool   `json:"success"`
	NetworkType    string `json:"network_type"` // wifi, mobile_data, offline
	AppVersion     string `json:"app_version"`
	OSVersion      string `json:"os_version,omitempty"`
	Details        string `json:"details,omitempty"`
	ErrorDetails   string `json:"error_details,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
}

// ActivityLogResponse represents the server response to an activity log call
type ActivityLogResponse struct {
	Success          bool  `json:"success"`
	LoggedActivities int   `json:"logged_activities"`
	ServerTimestamp  int64 `json:"server_timestamp"`
}

// DeviceStatusResponse is the read-only configuration handshake returned by
// the device-status endpoint.
type DeviceStatusResponse struct {
	Device     DeviceInfo `json:"device"`
	SyncConfig SyncConfig `json:"sync_config"`
	ServerInfo ServerInfo `json:"server_info"`
}

// DeviceInfo is the device block of the status handshake
type DeviceInfo struct {
	DeviceID          string  `json:"device_id"`
	IsAuthorized      bool    `json:"is_authorized"`
	LastSyncWatermark int64   `json:"last_sync_watermark"`
	StorageQuotaMB    float64 `json:"storage_quota_mb"`
	StorageUsedMB     float64 `json:"storage_used_mb"`
}

// SyncConfig is the per-tenant sync policy, read-only to the engine
type SyncConfig struct {
	SyncIntervalMinutes  int     `json:"sync_interval_minutes"`
	BatchSize            int     `json:"batch_size"`
	MaxRetryAttempts     int     `json:"max_retry_attempts"`
	OfflineLimitDays     int     `json:"offline_limit_days"`
	AutoSyncOnWifi       bool    `json:"auto_sync_on_wifi"`
	AutoSyncOnMobileData bool    `json:"auto_sync_on_mobile_data"`
	EnablePhotoSync      bool    `json:"enable_photo_sync"`
	MaxPhotoSizeMB       float64 `json:"max_photo_size_mb"`
}

// ServerInfo is the server block of the status handshake
type ServerInfo struct {
	ServerTime      time.Time `json:"server_time"`
	MaintenanceMode bool      `json:"maintenance_mode"`
	MinAppVersion   string    `json:"min_app_version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DefaultSyncConfig returns the tenant sync policy used when tenant
// administration has not stored an explicit row.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SyncIntervalMinutes:  30,
		BatchSize:            50,
		MaxRetryAttempts:     3,
		OfflineLimitDays:     7,
		AutoSyncOnWifi:       true,
		AutoSyncOnMobileData: false,
		EnablePhotoSync:      true,
		MaxPhotoSizeMB:       5,
	}
}
