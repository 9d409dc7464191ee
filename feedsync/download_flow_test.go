package feedsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Writes travel between devices of one feedlot but a device never receives
// its own writes back.
func TestDownload_ExcludesOriginDevice(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceA := "tablet-a-" + suffix
	deviceB := "tablet-b-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceA, tenantID, 0)
	seedDevice(t, pool, deviceB, tenantID, 0)

	_, err := svc.ProcessUpload(ctx, tenantID, deviceA, &UploadRequest{
		DeviceID: deviceA, BatchID: "b1",
		Data: []ChangeRecord{
			insertChange("fuel_entries", "f1", `{"liters": 120}`),
			insertChange("fuel_entries", "f2", `{"liters": 80}`),
		},
	})
	require.NoError(t, err)

	// Origin device sees nothing.
	respA, err := svc.ProcessDownload(ctx, tenantID, deviceA, 0, 100, 0, false)
	require.NoError(t, err)
	require.Empty(t, respA.Updates)
	require.False(t, respA.HasMore)

	// Sibling device sees both entries in server_timestamp order.
	respB, err := svc.ProcessDownload(ctx, tenantID, deviceB, 0, 100, 0, false)
	require.NoError(t, err)
	require.Len(t, respB.Updates, 2)
	require.Less(t, respB.Updates[0].ServerTimestamp, respB.Updates[1].ServerTimestamp)
	for _, u := range respB.Updates {
		require.Equal(t, deviceA, u.OriginDeviceID)
		require.Equal(t, "fuel_entries", u.TableName)
		require.False(t, u.Deleted)
	}

	// include_self is the device-replacement recovery path.
	respSelf, err := svc.ProcessDownload(ctx, tenantID, deviceA, 0, 100, 0, true)
	require.NoError(t, err)
	require.Len(t, respSelf.Updates, 2)
}

// Asking twice with the same watermark returns the same page; pagination
// resumes from next_watermark and terminates.
func TestDownload_PagingIsIdempotentAndTerminates(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	writer := "tablet-w-" + suffix
	reader := "tablet-r-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, writer, tenantID, 0)
	seedDevice(t, pool, reader, tenantID, 0)

	changes := make([]ChangeRecord, 0, 7)
	for i := 1; i <= 7; i++ {
		changes = append(changes, insertChange("feed_readings", fmt.Sprintf("r%d", i),
			fmt.Sprintf(`{"pen": %d}`, i)))
	}
	_, err := svc.ProcessUpload(ctx, tenantID, writer, &UploadRequest{
		DeviceID: writer, BatchID: "b1", Data: changes,
	})
	require.NoError(t, err)

	page1, err := svc.ProcessDownload(ctx, tenantID, reader, 0, 3, 0, false)
	require.NoError(t, err)
	require.Len(t, page1.Updates, 3)
	require.True(t, page1.HasMore)
	require.Positive(t, page1.WindowUntil)

	// Same question, same answer.
	page1Again, err := svc.ProcessDownload(ctx, tenantID, reader, 0, 3, page1.WindowUntil, false)
	require.NoError(t, err)
	require.Len(t, page1Again.Updates, 3)
	require.Equal(t, page1.NextWatermark, page1Again.NextWatermark)
	for i := range page1.Updates {
		require.Equal(t, page1.Updates[i].RecordID, page1Again.Updates[i].RecordID)
	}

	page2, err := svc.ProcessDownload(ctx, tenantID, reader, page1.NextWatermark, 3, page1.WindowUntil, false)
	require.NoError(t, err)
	require.Len(t, page2.Updates, 3)
	require.True(t, page2.HasMore)

	page3, err := svc.ProcessDownload(ctx, tenantID, reader, page2.NextWatermark, 3, page1.WindowUntil, false)
	require.NoError(t, err)
	require.Len(t, page3.Updates, 1)
	require.False(t, page3.HasMore)

	// Caught up: tail call returns the empty page, not an error.
	tail, err := svc.ProcessDownload(ctx, tenantID, reader, page3.NextWatermark, 3, page1.WindowUntil, false)
	require.NoError(t, err)
	require.Empty(t, tail.Updates)
	require.False(t, tail.HasMore)

	seen := make(map[string]bool)
	for _, page := range [][]ServerChangeEntry{page1.Updates, page2.Updates, page3.Updates} {
		for _, u := range page {
			require.False(t, seen[u.RecordID], "record served twice across pages")
			seen[u.RecordID] = true
		}
	}
	require.Len(t, seen, 7)
}

// Writes landing after a paging session opened stay outside its frozen
// window; a fresh session picks them up.
func TestDownload_WindowFreezesMidSessionWrites(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	writer := "tablet-w-" + suffix
	reader := "tablet-r-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, writer, tenantID, 0)
	seedDevice(t, pool, reader, tenantID, 0)

	_, err := svc.ProcessUpload(ctx, tenantID, writer, &UploadRequest{
		DeviceID: writer, BatchID: "b1",
		Data: []ChangeRecord{insertChange("fuel_entries", "f1", `{"liters": 10}`)},
	})
	require.NoError(t, err)

	page1, err := svc.ProcessDownload(ctx, tenantID, reader, 0, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, page1.Updates, 1)
	window := page1.WindowUntil

	// A second batch lands while the reader is mid-session.
	_, err = svc.ProcessUpload(ctx, tenantID, writer, &UploadRequest{
		DeviceID: writer, BatchID: "b2",
		Data: []ChangeRecord{insertChange("fuel_entries", "f2", `{"liters": 20}`)},
	})
	require.NoError(t, err)

	inWindow, err := svc.ProcessDownload(ctx, tenantID, reader, page1.NextWatermark, 10, window, false)
	require.NoError(t, err)
	require.Empty(t, inWindow.Updates, "mid-session write must stay outside the frozen window")

	fresh, err := svc.ProcessDownload(ctx, tenantID, reader, page1.NextWatermark, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, fresh.Updates, 1)
	require.Equal(t, "fuel_entries", fresh.Updates[0].TableName)
}

// Download progress is recorded server-side for fleet monitoring
func TestDownload_AdvancesDeviceWatermark(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	writer := "tablet-w-" + suffix
	reader := "tablet-r-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, writer, tenantID, 0)
	seedDevice(t, pool, reader, tenantID, 0)

	_, err := svc.ProcessUpload(ctx, tenantID, writer, &UploadRequest{
		DeviceID: writer, BatchID: "b1",
		Data: []ChangeRecord{insertChange("fuel_entries", "f1", `{"liters": 10}`)},
	})
	require.NoError(t, err)

	resp, err := svc.ProcessDownload(ctx, tenantID, reader, 0, 10, 0, false)
	require.NoError(t, err)
	require.Positive(t, resp.NextWatermark)

	var watermark int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT last_sync_watermark FROM sync.devices WHERE device_id = $1`,
		reader).Scan(&watermark))
	require.Equal(t, resp.NextWatermark, watermark)
}
