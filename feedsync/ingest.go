// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"fmt"
)

// ProcessUpload handles a batch upload from a field device.
//
// Admission (authorization, tenant state, batch size, quota) rejects the
// whole call before any item is inspected. Past admission, every item is
// processed independently: one item's failure degrades to an error result
// and never prevents siblings from landing, because a batch mixes unrelated
// rows from hours of offline use.
//
// Admission is serialized per device_id so batch N+1 from a device observes
// the mappings batch N created; different devices run in parallel.
func (s *SyncService) ProcessUpload(ctx context.Context, tenantID, deviceID string, req *UploadRequest) (*UploadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	unlock := s.deviceLocks.lock(deviceID)
	defer unlock()

	device, err := s.Authorize(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.TenantID != tenantID {
		return nil, ErrDeviceUnauthorized
	}

	if s.config.MaxUploadBatchSize > 0 && len(req.Data) > s.config.MaxUploadBatchSize {
		return nil, fmt.Errorf("%w: %d changes, limit %d", ErrBatchTooLarge, len(req.Data), s.config.MaxUploadBatchSize)
	}

	var incomingBytes int64
	for _, change := range req.Data {
		incomingBytes += int64(len(change.Payload))
	}
	if err := s.CheckQuota(device, incomingBytes); err != nil {
		return nil, err
	}

	if len(req.Data) == 0 {
		return &UploadResponse{
			Success:         true,
			Results:         []ItemResult{},
			ServerTimestamp: s.getTenantHighSeq(ctx, tenantID),
		}, nil
	}

	s.logger.Info("Processing upload batch",
		"tenant_id", tenantID, "device_id", deviceID,
		"batch_id", req.BatchID, "changes", len(req.Data))

	results := make([]ItemResult, 0, len(req.Data))
	var (
		appliedBytes int64
		maxSeq       int64
		processed    int
	)

	for i := range req.Data {
		change := req.Data[i]

		if err := s.validateChange(&change); err != nil {
			s.logger.Warn("Upload validation failed",
				"device_id", deviceID, "batch_id", req.BatchID,
				"table", change.Table, "offline_id", change.OfflineID,
				"op", change.Operation, "error", err)
			results = append(results, resultError(change.OfflineID, err))
			continue
		}

		outcome := s.resolveChange(ctx, device, req.BatchID, change)
		results = append(results, outcome.result)
		appliedBytes += outcome.appliedBytes
		if outcome.seq > maxSeq {
			maxSeq = outcome.seq
		}
		if outcome.result.Status != StError {
			processed++
		}
	}

	// Device-side bookkeeping commits only after every item has a result,
	// so a crash mid-batch is recoverable by replaying the whole batch.
	if err := s.finalizeUpload(ctx, deviceID, req.AppVersion, appliedBytes, maxSeq); err != nil {
		s.logger.Error("Failed to finalize upload", "error", err, "device_id", deviceID, "batch_id", req.BatchID)
	}

	serverTimestamp := maxSeq
	if serverTimestamp == 0 {
		serverTimestamp = s.getTenantHighSeq(ctx, tenantID)
	}

	return &UploadResponse{
		Success:         true,
		ProcessedItems:  processed,
		Results:         results,
		ServerTimestamp: serverTimestamp,
	}, nil
}
