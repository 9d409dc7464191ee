package feedsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A field device uploads a 40-item batch but loses connectivity after the
// server applied the first 25. The client replays the whole batch: the first
// 25 come back already_processed with their original server ids, the rest
// apply fresh, and the store holds exactly 40 records.
func TestUploadReplay_InterruptedBatchIsIdempotent(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceID := "tablet-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceID, tenantID, 0)

	allChanges := make([]ChangeRecord, 0, 40)
	for i := 1; i <= 40; i++ {
		offlineID := fmt.Sprintf("f%d", i)
		allChanges = append(allChanges, insertChange("fuel_entries", offlineID,
			fmt.Sprintf(`{"liters": %d, "pump": "south"}`, 100+i)))
	}

	// First attempt reaches the server truncated to 25 items.
	resp1, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID,
		BatchID:  "batch-1",
		Data:     allChanges[:25],
	})
	require.NoError(t, err)
	require.True(t, resp1.Success)
	require.Len(t, resp1.Results, 25)

	firstServerIDs := make(map[string]string, 25)
	for _, r := range resp1.Results {
		require.Equal(t, StInserted, r.Status)
		require.NotEmpty(t, r.ServerID)
		firstServerIDs[r.OfflineID] = r.ServerID
	}

	// Replay of the full batch after reconnect.
	resp2, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID,
		BatchID:  "batch-1",
		Data:     allChanges,
	})
	require.NoError(t, err)
	require.Len(t, resp2.Results, 40)

	for i, r := range resp2.Results {
		if i < 25 {
			require.Equal(t, StAlreadyProcessed, r.Status, "item %s", r.OfflineID)
			require.Equal(t, firstServerIDs[r.OfflineID], r.ServerID,
				"replayed item must return its original server id")
		} else {
			require.Equal(t, StInserted, r.Status, "item %s", r.OfflineID)
			require.NotEmpty(t, r.ServerID)
		}
	}

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.record_state WHERE tenant_id = $1 AND table_name = 'fuel_entries'`,
		tenantID).Scan(&count))
	require.Equal(t, 40, count, "no duplicates after replay")

	var logCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.server_change_log WHERE tenant_id = $1`,
		tenantID).Scan(&logCount))
	require.Equal(t, 40, logCount, "replays must not append history entries")
}

// Two engine instances behind a load balancer may both receive a replay of
// the same batch. The mapping insert arbitrates: whatever the interleaving,
// exactly one record and one history entry survive per offline item, and
// both callers learn the same server id.
func TestUploadReplay_ConcurrentEngineInstances(t *testing.T) {
	pool, svc1 := newIntegrationService(t, nil)
	_, svc2 := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceID := "tablet-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceID, tenantID, 0)

	const items = 10
	for i := 0; i < items; i++ {
		change := insertChange("fuel_entries", fmt.Sprintf("c%d", i),
			fmt.Sprintf(`{"liters": %d}`, 50+i))
		req := func() *UploadRequest {
			return &UploadRequest{
				DeviceID: deviceID,
				BatchID:  fmt.Sprintf("race-%d", i),
				Data:     []ChangeRecord{change},
			}
		}

		var resp1, resp2 *UploadResponse
		var err1, err2 error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp1, err1 = svc1.ProcessUpload(ctx, tenantID, deviceID, req())
		}()
		go func() {
			defer wg.Done()
			resp2, err2 = svc2.ProcessUpload(ctx, tenantID, deviceID, req())
		}()
		wg.Wait()

		require.NoError(t, err1)
		require.NoError(t, err2)
		r1, r2 := resp1.Results[0], resp2.Results[0]
		require.Equal(t, r1.ServerID, r2.ServerID,
			"both instances must converge on one server id for item c%d", i)
		statuses := []string{r1.Status, r2.Status}
		require.Contains(t, statuses, StInserted)
		require.NotContains(t, statuses, StError)
	}

	var recordCount, logCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.record_state WHERE tenant_id = $1`, tenantID).Scan(&recordCount))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.server_change_log WHERE tenant_id = $1`, tenantID).Scan(&logCount))
	require.Equal(t, items, recordCount, "one durable record per offline item")
	require.Equal(t, items, logCount, "one history entry per offline item")
}

// A slow item hits its independent apply timeout and degrades to an error
// result; the rest of the batch still lands.
func TestUpload_SlowItemTimesOutWithoutStallingSiblings(t *testing.T) {
	pool, svc := newIntegrationService(t, &ServiceConfig{
		AppName:          "feedsync-test",
		ItemApplyTimeout: 500 * time.Millisecond,
	})
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceA := "tablet-a-" + suffix
	deviceB := "tablet-b-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceA, tenantID, 0)
	seedDevice(t, pool, deviceB, tenantID, 0)

	respA, err := svc.ProcessUpload(ctx, tenantID, deviceA, &UploadRequest{
		DeviceID: deviceA, BatchID: "a1",
		Data: []ChangeRecord{insertChange("fuel_entries", "f1", `{"liters": 100}`)},
	})
	require.NoError(t, err)
	recordID := respA.Results[0].ServerID

	// Hold the row lock the update needs, simulating a stuck writer.
	blocker, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer blocker.Rollback(ctx)
	_, err = blocker.Exec(ctx, `
		SELECT 1 FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = 'fuel_entries' AND record_id = $2::uuid
		FOR UPDATE`, tenantID, recordID)
	require.NoError(t, err)

	slow := ChangeRecord{
		Table:          "fuel_entries",
		Operation:      OpUpdate,
		OfflineID:      "b-slow",
		Checksum:       "sha256:b-slow",
		LocalTimestamp: "2026-08-29T12:00:00Z",
		Payload:        []byte(`{"id":"` + recordID + `","liters": 90}`),
	}
	resp, err := svc.ProcessUpload(ctx, tenantID, deviceB, &UploadRequest{
		DeviceID: deviceB, BatchID: "b1",
		Data: []ChangeRecord{slow, insertChange("fuel_entries", "b-fast", `{"liters": 5}`)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.ProcessedItems)

	byOfflineID := make(map[string]ItemResult, 2)
	for _, r := range resp.Results {
		byOfflineID[r.OfflineID] = r
	}
	require.Equal(t, StError, byOfflineID["b-slow"].Status)
	require.Contains(t, byOfflineID["b-slow"].ErrorMessage, "apply timed out")
	require.Equal(t, StInserted, byOfflineID["b-fast"].Status)

	// The timed-out item rolled back: the record still holds A's content.
	require.NoError(t, blocker.Rollback(ctx))
	var liters int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT (payload->>'liters')::int FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = 'fuel_entries' AND record_id = $2::uuid`,
		tenantID, recordID).Scan(&liters))
	require.Equal(t, 100, liters)
}

// One malformed item degrades to an error result without poisoning its
// siblings.
func TestUpload_PartialBatchSuccess(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceID := "tablet-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceID, tenantID, 0)

	changes := []ChangeRecord{
		insertChange("feed_readings", "r1", `{"pen": 4, "kg": 310}`),
		insertChange("feed_readings", "r2", `{"pen": 5, "kg": 280}`),
		{Table: "feed_readings", Operation: "merge", OfflineID: "r3", Checksum: "c3"},
		insertChange("feed_readings", "r4", `{"pen": 7, "kg": 295}`),
		insertChange("feed_readings", "r5", `{"pen": 8, "kg": 301}`),
	}

	resp, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID,
		BatchID:  "batch-mixed",
		Data:     changes,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Results, 5)
	require.Equal(t, 4, resp.ProcessedItems)

	byOfflineID := make(map[string]ItemResult, 5)
	for _, r := range resp.Results {
		byOfflineID[r.OfflineID] = r
	}
	require.Equal(t, StError, byOfflineID["r3"].Status)
	require.Contains(t, byOfflineID["r3"].ErrorMessage, "invalid operation")
	for _, id := range []string{"r1", "r2", "r4", "r5"} {
		require.Equal(t, StInserted, byOfflineID[id].Status)
	}
}

// A record re-edited offline before its first successful sync keeps a single
// server identity: the second upload with the same offline_id but a new
// checksum updates the already-mapped record instead of minting another.
func TestUpload_OfflineReEditKeepsOneServerRecord(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceID := "tablet-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceID, tenantID, 0)

	first := insertChange("fuel_entries", "f1", `{"liters": 100}`)
	resp1, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID, BatchID: "b1", Data: []ChangeRecord{first},
	})
	require.NoError(t, err)
	require.Equal(t, StInserted, resp1.Results[0].Status)
	serverID := resp1.Results[0].ServerID

	reEdit := first
	reEdit.Checksum = "sha256:f1-v2"
	reEdit.Payload = []byte(`{"liters": 140}`)
	resp2, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID, BatchID: "b2", Data: []ChangeRecord{reEdit},
	})
	require.NoError(t, err)
	require.Equal(t, StUpdated, resp2.Results[0].Status)
	require.Equal(t, serverID, resp2.Results[0].ServerID)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.record_state WHERE tenant_id = $1`, tenantID).Scan(&count))
	require.Equal(t, 1, count)
}

// Deletes flow through the same pipeline: the record is tombstoned, the
// history entry carries no payload, and the changefeed reports deleted=true.
func TestUpload_DeleteTombstonesRecord(t *testing.T) {
	pool, svc := newIntegrationService(t, nil)
	ctx := context.Background()

	suffix := uniqueSuffix()
	tenantID := "feedlot-" + suffix
	deviceID := "tablet-" + suffix
	seedTenant(t, pool, tenantID)
	seedDevice(t, pool, deviceID, tenantID, 0)

	resp1, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID, BatchID: "b1",
		Data: []ChangeRecord{insertChange("feed_readings", "r1", `{"pen": 4}`)},
	})
	require.NoError(t, err)
	serverID := resp1.Results[0].ServerID

	del := ChangeRecord{
		Table:          "feed_readings",
		Operation:      OpDelete,
		OfflineID:      "r1-del",
		Checksum:       "sha256:r1-del",
		LocalTimestamp: "2026-08-29T11:00:00Z",
		Payload:        []byte(`{"id":"` + serverID + `"}`),
	}
	resp2, err := svc.ProcessUpload(ctx, tenantID, deviceID, &UploadRequest{
		DeviceID: deviceID, BatchID: "b2", Data: []ChangeRecord{del},
	})
	require.NoError(t, err)
	require.Equal(t, StDeleted, resp2.Results[0].Status)
	require.Equal(t, serverID, resp2.Results[0].ServerID)

	var deleted bool
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT deleted FROM sync.record_state
		WHERE tenant_id = $1 AND table_name = 'feed_readings' AND record_id = $2::uuid`,
		tenantID, serverID).Scan(&deleted))
	require.True(t, deleted)
}
