// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

// resultApplied creates a result for a freshly applied change. status is one
// of StInserted, StUpdated, StDeleted depending on the resolved operation.
func resultApplied(offlineID, recordID, status string) ItemResult {
	return ItemResult{
		OfflineID: offlineID,
		ServerID:  recordID,
		Status:    status,
	}
}

// resultAlreadyProcessed creates a result for the replay path: the item
// landed in an earlier batch and the cached outcome is returned without
// touching the store.
func resultAlreadyProcessed(offlineID, recordID string) ItemResult {
	return ItemResult{
		OfflineID: offlineID,
		ServerID:  recordID,
		Status:    StAlreadyProcessed,
	}
}

// resultError creates an item-level error result. It never aborts sibling
// items in the batch.
func resultError(offlineID string, err error) ItemResult {
	return ItemResult{
		OfflineID:    offlineID,
		Status:       StError,
		ErrorMessage: err.Error(),
	}
}

// statusForOp maps an applied operation to its result status
func statusForOp(op string) string {
	switch op {
	case OpInsert:
		return StInserted
	case OpDelete:
		return StDeleted
	default:
		return StUpdated
	}
}
