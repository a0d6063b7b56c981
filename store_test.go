package ecosync

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(StoreConfig{InMemory: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	assert.Nil(t, s.CachedStats("owner-1"), "empty store has no snapshot")

	s.CacheStats("owner-1", CachedStats{Points: 42, Pickups: 3, TotalBags: 7})

	got := s.CachedStats("owner-1")
	require.NotNil(t, got)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, 42, got.Points)
	assert.Equal(t, 7, got.TotalBags)
	assert.False(t, got.CachedAt.IsZero())

	assert.Nil(t, s.CachedStats("owner-2"), "snapshots are per owner")
}

func TestStoreStatsTTL(t *testing.T) {
	s := newTestStore(t)

	t0 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	s.CacheStats("owner-1", CachedStats{Points: 10})

	s.now = func() time.Time { return t0.Add(23 * time.Hour) }
	require.NotNil(t, s.CachedStats("owner-1"), "snapshot inside TTL is served")

	s.now = func() time.Time { return t0.Add(25 * time.Hour) }
	assert.Nil(t, s.CachedStats("owner-1"), "stale snapshot reads as a miss")
}

func TestStoreActivityFullReplace(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	s.CacheActivity("owner-1", []ActivityRecord{
		{ID: "a", Type: "scan", Timestamp: base},
		{ID: "b", Type: "scan", Timestamp: base.Add(time.Hour)},
	})
	s.CacheActivity("owner-1", []ActivityRecord{
		{ID: "c", Type: "scan", Timestamp: base.Add(2 * time.Hour)},
	})

	got := s.CachedActivity("owner-1", 10)
	require.Len(t, got, 1, "caching replaces, never appends")
	assert.Equal(t, "c", got[0].ID)
}

func TestStoreActivityOrderTTLAndCap(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	s.CacheActivity("owner-1", []ActivityRecord{
		{ID: "old", Timestamp: t0.Add(-3 * time.Hour)},
		{ID: "new", Timestamp: t0.Add(-time.Minute)},
		{ID: "mid", Timestamp: t0.Add(-time.Hour)},
	})

	got := s.CachedActivity("owner-1", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)

	// Everything was cached at t0; a day later the whole cache has expired.
	s.now = func() time.Time { return t0.Add(25 * time.Hour) }
	assert.Empty(t, s.CachedActivity("owner-1", 10))
}

func TestStoreSyncQueueOrder(t *testing.T) {
	s := newTestStore(t)

	var ids []uint64
	for _, name := range []string{"reports", "pickups", "reports"} {
		id, err := s.EnqueueSync(SyncQueueEntry{
			Operation: OpAdd,
			StoreName: name,
			Payload:   json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending := s.ListPendingSync()
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, ids[i], e.ID, "entries replay in enqueue order")
		assert.False(t, e.CreatedAt.IsZero())
	}
	assert.Equal(t, "pickups", pending[1].StoreName)

	s.DequeueSync(ids[0])
	pending = s.ListPendingSync()
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
}

func TestStoreLocations(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	s.SaveLocation(SavedLocation{ID: "home", OwnerID: "o1", Label: "Home", CreatedAt: base})
	s.SaveLocation(SavedLocation{ID: "work", OwnerID: "o1", Label: "Work", CreatedAt: base.Add(time.Hour)})
	s.SaveLocation(SavedLocation{ID: "gym", OwnerID: "o2", Label: "Gym", CreatedAt: base})

	locs := s.Locations("o1")
	require.Len(t, locs, 2)
	assert.Equal(t, "work", locs[0].ID, "newest first")

	s.DeleteLocation("o1", "work")
	locs = s.Locations("o1")
	require.Len(t, locs, 1)
	assert.Equal(t, "home", locs[0].ID)
}

func TestStorePendingReports(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	s.PutPendingReport(PendingReport{ID: "r2", OwnerID: "o1", Category: "overflow", CreatedAt: base.Add(time.Hour)})
	s.PutPendingReport(PendingReport{ID: "r1", OwnerID: "o1", Category: "illegal_dumping", CreatedAt: base})

	reports := s.PendingReports()
	require.Len(t, reports, 2)
	assert.Equal(t, "r1", reports[0].ID, "oldest first, delivery order")

	s.DeletePendingReport("r1")
	reports = s.PendingReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "r2", reports[0].ID)
}

func TestStoreMeta(t *testing.T) {
	s := newTestStore(t)

	assert.Empty(t, s.Meta("last_sync"))
	s.SetMeta("last_sync", "2026-08-30T09:00:00Z")
	assert.Equal(t, "2026-08-30T09:00:00Z", s.Meta("last_sync"))
}

func TestStoreSchemaVersionWritten(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "3", s.Meta("schema_version"))
}

func TestStoreDegradedMode(t *testing.T) {
	// A regular file where the store directory should be makes open fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := OpenStoreOrDegraded(StoreConfig{Path: blocker}, testLogger())
	require.NotNil(t, s)
	assert.True(t, s.Degraded())

	// Every operation is a safe no-op.
	s.CacheStats("o1", CachedStats{Points: 1})
	assert.Nil(t, s.CachedStats("o1"))

	id, err := s.EnqueueSync(SyncQueueEntry{Operation: OpAdd, StoreName: "reports"})
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Empty(t, s.ListPendingSync())

	s.CacheActivity("o1", []ActivityRecord{{ID: "a"}})
	assert.Nil(t, s.CachedActivity("o1", 10))

	s.SetMeta("k", "v")
	assert.Empty(t, s.Meta("k"))

	require.NoError(t, s.Close())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(StoreConfig{Path: dir}, testLogger())
	require.NoError(t, err)
	s.CacheStats("o1", CachedStats{Points: 5})
	_, err = s.EnqueueSync(SyncQueueEntry{Operation: OpAdd, StoreName: "reports", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(StoreConfig{Path: dir}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.CachedStats("o1"))
	assert.Len(t, s.ListPendingSync(), 1)
	assert.Equal(t, "3", s.Meta("schema_version"))
}
