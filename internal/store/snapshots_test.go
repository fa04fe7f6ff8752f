package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"safety-guardian/internal/models"
)

func testStore(t *testing.T) *SnapshotStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSnapshotStore(client)
}

func testSnapshot(ts int64, battery int) models.Snapshot {
	lat, lng := 12.9, 77.6
	return models.Snapshot{
		Timestamp: ts,
		Battery:   battery,
		Network:   true,
		Lat:       &lat,
		Lng:       &lng,
	}
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Insert(ctx, testSnapshot(time.Now().UnixMilli(), 50))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if id <= last {
			t.Errorf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestGetUnsyncedOrderedByTimestamp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Insert out of timestamp order
	base := int64(1_700_000_000_000)
	for _, ts := range []int64{base + 3000, base + 1000, base + 2000} {
		if _, err := s.Insert(ctx, testSnapshot(ts, 80)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	unsynced, err := s.GetUnsynced(ctx)
	if err != nil {
		t.Fatalf("GetUnsynced: %v", err)
	}
	if len(unsynced) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(unsynced))
	}
	for i := 1; i < len(unsynced); i++ {
		if unsynced[i].Timestamp < unsynced[i-1].Timestamp {
			t.Errorf("snapshots out of order: %d before %d",
				unsynced[i-1].Timestamp, unsynced[i].Timestamp)
		}
	}
}

func TestGetUnsyncedRoundTripsFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	snap := testSnapshot(1_700_000_000_000, 50)
	id, err := s.Insert(ctx, snap)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	unsynced, err := s.GetUnsynced(ctx)
	if err != nil {
		t.Fatalf("GetUnsynced: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(unsynced))
	}

	got := unsynced[0]
	if got.LocalID != id || got.Battery != 50 || !got.Network || got.Synced {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if got.Lat == nil || *got.Lat != 12.9 || got.Lng == nil || *got.Lng != 77.6 {
		t.Errorf("location did not round-trip: %+v", got)
	}
}

func TestMarkSyncedSubset(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	ids := make([]int64, 3)
	for i := range ids {
		id, err := s.Insert(ctx, testSnapshot(base+int64(i)*1000, 70))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids[i] = id
	}

	// Collector acknowledged the first and third record only
	if err := s.MarkSynced(ctx, []int64{ids[0], ids[2]}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	unsynced, err := s.GetUnsynced(ctx)
	if err != nil {
		t.Fatalf("GetUnsynced: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].LocalID != ids[1] {
		t.Fatalf("expected only id %d unsynced, got %+v", ids[1], unsynced)
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testSnapshot(1_700_000_000_000, 60))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.MarkSynced(ctx, []int64{id}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if err := s.MarkSynced(ctx, []int64{id}); err != nil {
		t.Fatalf("MarkSynced (repeat): %v", err)
	}

	count, err := s.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("UnsyncedCount: %v", err)
	}
	if count != 0 {
		t.Errorf("unsynced count = %d, want 0", count)
	}
}

func TestMarkSyncedIgnoresUnknownIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testSnapshot(1_700_000_000_000, 60))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.MarkSynced(ctx, []int64{9999, id}); err != nil {
		t.Fatalf("MarkSynced with unknown id: %v", err)
	}

	unsynced, err := s.GetUnsynced(ctx)
	if err != nil {
		t.Fatalf("GetUnsynced: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("expected no unsynced snapshots, got %+v", unsynced)
	}
}

func TestInsertPropagatesStorageFault(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewSnapshotStore(client)

	mr.Close()

	if _, err := s.Insert(context.Background(), testSnapshot(1, 50)); err == nil {
		t.Fatal("expected error when storage is unavailable")
	}
}
