package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"

	"safety-guardian/internal/models"
)

const (
	seqKey      = "safety-guardian:snapshots:seq"
	entryPrefix = "safety-guardian:snapshots:entry:"
	unsyncedKey = "safety-guardian:snapshots:unsynced"
)

// SnapshotStore is the durable, ordered queue of device state captures.
// Entries are JSON records keyed by a monotonically increasing local id;
// membership in the unsynced index is dropped once the collector
// acknowledges an id. Storage faults are propagated, never masked.
type SnapshotStore struct {
	redisClient *redis.Client
}

// NewSnapshotStore creates a store on the given Redis connection
func NewSnapshotStore(redisClient *redis.Client) *SnapshotStore {
	return &SnapshotStore{redisClient: redisClient}
}

func entryKey(id int64) string {
	return entryPrefix + strconv.FormatInt(id, 10)
}

// Insert appends a new unsynced snapshot and returns its assigned id
func (s *SnapshotStore) Insert(ctx context.Context, snap models.Snapshot) (int64, error) {
	id, err := s.redisClient.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign snapshot id: %v", err)
	}

	snap.LocalID = id
	snap.Synced = false

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	pipe := s.redisClient.TxPipeline()
	pipe.Set(ctx, entryKey(id), data, 0)
	pipe.ZAdd(ctx, unsyncedKey, &redis.Z{Score: float64(snap.Timestamp), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to persist snapshot %d: %v", id, err)
	}

	return id, nil
}

// GetUnsynced returns all unacknowledged snapshots, oldest first
func (s *SnapshotStore) GetUnsynced(ctx context.Context) ([]models.Snapshot, error) {
	members, err := s.redisClient.ZRange(ctx, unsyncedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read unsynced index: %v", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = entryPrefix + m
	}

	values, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot entries: %v", err)
	}

	snapshots := make([]models.Snapshot, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index member without an entry; skip rather than fail the scan
			continue
		}
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot entry %s: %v", members[i], err)
		}
		snapshots = append(snapshots, snap)
	}

	// Ascending timestamp, insertion order breaking ties
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Timestamp != snapshots[j].Timestamp {
			return snapshots[i].Timestamp < snapshots[j].Timestamp
		}
		return snapshots[i].LocalID < snapshots[j].LocalID
	})

	return snapshots, nil
}

// MarkSynced flips synced to true for exactly the given ids. Unknown ids
// are silently ignored and already-synced ids are a no-op, so replaying
// an acknowledgement is safe.
func (s *SnapshotStore) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := s.redisClient.TxPipeline()
	dirty := false

	for _, id := range ids {
		raw, err := s.redisClient.Get(ctx, entryKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot %d: %v", id, err)
		}

		var snap models.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return fmt.Errorf("failed to parse snapshot %d: %v", id, err)
		}
		if snap.Synced {
			continue
		}

		snap.Synced = true
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %d: %v", id, err)
		}

		pipe.Set(ctx, entryKey(id), data, 0)
		pipe.ZRem(ctx, unsyncedKey, id)
		dirty = true
	}

	if !dirty {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark snapshots synced: %v", err)
	}
	return nil
}

// UnsyncedCount returns the number of snapshots still awaiting
// acknowledgement
func (s *SnapshotStore) UnsyncedCount(ctx context.Context) (int64, error) {
	count, err := s.redisClient.ZCard(ctx, unsyncedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced snapshots: %v", err)
	}
	return count, nil
}
