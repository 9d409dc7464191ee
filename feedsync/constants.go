// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

// Operation constants for change operations
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Status constants for per-item upload results
const (
	StInserted         = "inserted"
	StUpdated          = "updated"
	StDeleted          = "deleted"
	StAlreadyProcessed = "already_processed"
	StError            = "error"
)

// Activity log action written by the resolver when a write supersedes a
// newer edit from another device (last-write-wins marker).
const ActionSyncConflict = "sync_conflict"

// Network type constants reported by devices in activity entries
const (
	NetworkWifi       = "wifi"
	NetworkMobileData = "mobile_data"
	NetworkOffline    = "offline"
)
