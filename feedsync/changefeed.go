// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProcessDownload serves a page of the tenant change history to a device.
//
// Entries are ordered strictly by server_timestamp ascending and exclude the
// device's own writes unless includeSelf is set (device-replacement
// recovery). The pagination token is the last returned server_timestamp, so
// asking again with the same since is safe and idempotent.
//
// until freezes the upper bound of a multi-page catch-up; pass the returned
// WindowUntil on subsequent pages to read a stable snapshot. 0 computes a
// fresh snapshot for this call.
func (s *SyncService) ProcessDownload(
	ctx context.Context,
	tenantID, deviceID string,
	since int64,
	limit int,
	until int64,
	includeSelf bool,
) (*DownloadResponse, error) {
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

	limit = clampPageSize(limit)

	if until <= 0 {
		until = s.getTenantHighSeq(ctx, tenantID)
	}
	windowUntil := until
	if since >= windowUntil {
		// Nothing to page
		return &DownloadResponse{
			Updates:         []ServerChangeEntry{},
			ServerTimestamp: windowUntil,
			HasMore:         false,
			NextWatermark:   since,
			WindowUntil:     windowUntil,
		}, nil
	}

	const q = `
WITH page_raw AS (
  SELECT
    l.record_id::text AS record_id,
    l.table_name,
    l.op AS operation,
    l.payload AS data,
    l.server_timestamp,
    l.checksum,
    l.origin_device_id,
    COALESCE(r.deleted, l.op = 'delete') AS deleted,
    l.ts AS applied_at
  FROM sync.server_change_log AS l
  LEFT JOIN sync.record_state AS r
    ON r.tenant_id   = l.tenant_id
   AND r.table_name  = l.table_name
   AND r.record_id   = l.record_id
  WHERE l.tenant_id = $1
    AND l.server_timestamp > $2
    AND l.server_timestamp <= $3
    AND (CASE WHEN $4::bool THEN TRUE ELSE l.origin_device_id <> $5 END)
  ORDER BY l.server_timestamp
  LIMIT ($6 + 1)
),
page_limited AS (
  SELECT * FROM page_raw ORDER BY server_timestamp LIMIT $6
),
agg AS (
  SELECT
    COALESCE(json_agg(to_jsonb(page_limited) ORDER BY page_limited.server_timestamp), '[]'::json) AS updates,
    COALESCE(MAX(page_limited.server_timestamp), $2) AS next_watermark,
    (SELECT COUNT(*) > $6 FROM page_raw) AS has_more
  FROM page_limited
)
SELECT updates, next_watermark, has_more FROM agg;`

	var (
		updatesJSON   []byte
		nextWatermark int64
		hasMore       bool
	)
	if err := s.pool.QueryRow(ctx, q,
		tenantID,    // $1
		since,       // $2
		until,       // $3
		includeSelf, // $4
		deviceID,    // $5
		limit,       // $6
	).Scan(&updatesJSON, &nextWatermark, &hasMore); err != nil {
		return nil, fmt.Errorf("failed to fetch download page: %w", err)
	}

	var updates []ServerChangeEntry
	if err := json.Unmarshal(updatesJSON, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode download page JSON: %w", err)
	}

	// Server-side record of download progress. Informational: the client
	// must still only advance its own watermark once the page is durably
	// applied locally.
	if err := s.AdvanceWatermark(ctx, deviceID, nextWatermark); err != nil {
		s.logger.Error("Failed to record download watermark", "error", err, "device_id", deviceID)
	}

	return &DownloadResponse{
		Updates:         updates,
		ServerTimestamp: windowUntil,
		HasMore:         hasMore,
		NextWatermark:   nextWatermark,
		WindowUntil:     windowUntil,
	}, nil
}

func clampPageSize(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
