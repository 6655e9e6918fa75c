package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingReducer folds {"n": x} payloads into {"total": sum}.
func countingReducer(state []byte, ev Event) ([]byte, error) {
	var s struct {
		Total int `json:"total"`
	}
	if len(state) > 0 && string(state) != "null" {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, err
		}
	}
	var p struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	s.Total += p.N

	return json.Marshal(s)
}

func appendN(t *testing.T, store Store, tenantID, actorID string, from,
	count int) {

	t.Helper()

	ctx := context.Background()
	for i := 0; i < count; i++ {
		ev := mustEvent(t, actorID, "add", map[string]int{"n": 1})
		_, err := store.Append(ctx, tenantID, ev, uint64(from+i))
		require.NoError(t, err)
	}
}

func TestRebuildFromScratchAndCache(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{})
	require.NoError(t, err)
	defer mgr.Close()

	appendN(t, store, "t1", "a", 0, 7)

	state, version, err := mgr.Rebuild(
		context.Background(), "t1", "a", nil, countingReducer,
	)
	require.NoError(t, err)
	require.Equal(t, uint64(7), version)
	require.JSONEq(t, `{"total":7}`, string(state))

	// Second rebuild hits the cache; same answer either way.
	state2, version2, err := mgr.Rebuild(
		context.Background(), "t1", "a", nil, countingReducer,
	)
	require.NoError(t, err)
	require.Equal(t, version, version2)
	require.JSONEq(t, string(state), string(state2))
}

func TestRebuildUsesSnapshotBase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{})
	require.NoError(t, err)
	defer mgr.Close()

	appendN(t, store, "t1", "a", 0, 5)

	// Seed a snapshot at version 5, then append past it.
	snap, err := NewSnapshot(
		"a", json.RawMessage(`{"total":5}`), 5, "ev-5",
	)
	require.NoError(t, err)
	require.NoError(t, store.PutSnapshot(ctx, "t1", snap))

	appendN(t, store, "t1", "a", 5, 3)

	state, version, err := mgr.Rebuild(ctx, "t1", "a", nil, countingReducer)
	require.NoError(t, err)
	require.Equal(t, uint64(8), version)
	require.JSONEq(t, `{"total":8}`, string(state))
}

func TestRebuildIgnoresCorruptSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{})
	require.NoError(t, err)
	defer mgr.Close()

	appendN(t, store, "t1", "a", 0, 4)

	// A snapshot whose state no longer matches its checksum must be
	// discarded in favor of a full replay.
	snap, err := NewSnapshot(
		"a", json.RawMessage(`{"total":99}`), 2, "ev-2",
	)
	require.NoError(t, err)
	snap.State = json.RawMessage(`{"total":1000}`)
	require.NoError(t, store.PutSnapshot(ctx, "t1", snap))

	state, version, err := mgr.Rebuild(ctx, "t1", "a", nil, countingReducer)
	require.NoError(t, err)
	require.Equal(t, uint64(4), version)
	require.JSONEq(t, `{"total":4}`, string(state))
}

func TestIntervalSnapshotWritten(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{Interval: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev := mustEvent(t, "a", "add", map[string]int{"n": 1})
		stored, err := store.Append(ctx, "t1", ev, uint64(i))
		require.NoError(t, err)
		mgr.NoteAppend(ctx, "t1", "a", stored.Version,
			countingReducer, nil)
	}

	// Close waits for the async snapshot write to land.
	mgr.Close()

	snap, err := store.LatestSnapshot(ctx, "t1", "a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Version)
	require.True(t, snap.Verify())
	require.JSONEq(t, `{"total":3}`, string(snap.State))
}

func TestNoteAppendInvalidatesCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{})
	require.NoError(t, err)
	defer mgr.Close()

	appendN(t, store, "t1", "a", 0, 2)
	_, version, err := mgr.Rebuild(ctx, "t1", "a", nil, countingReducer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)

	appendN(t, store, "t1", "a", 2, 1)
	mgr.NoteAppend(ctx, "t1", "a", 3, countingReducer, nil)

	state, version, err := mgr.Rebuild(ctx, "t1", "a", nil, countingReducer)
	require.NoError(t, err)
	require.Equal(t, uint64(3), version)
	require.JSONEq(t, `{"total":3}`, string(state))
}

func TestSnapshotEquivalentToFullReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{Interval: 4})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ev := mustEvent(t, "a", "add", map[string]int{"n": 1})
		stored, err := store.Append(ctx, "t1", ev, uint64(i))
		require.NoError(t, err)
		mgr.NoteAppend(ctx, "t1", "a", stored.Version,
			countingReducer, nil)
	}
	mgr.Close()

	// Rebuild through the snapshot path.
	mgr2, err := NewSnapshotManager(store, SnapshotPolicy{})
	require.NoError(t, err)
	defer mgr2.Close()

	viaSnapshot, version, err := mgr2.Rebuild(
		ctx, "t1", "a", nil, countingReducer,
	)
	require.NoError(t, err)
	require.Equal(t, uint64(10), version)

	// Full replay with no snapshot involved.
	events, err := store.Read(ctx, "t1", "a", 0)
	require.NoError(t, err)
	viaReplay, err := Replay(nil, events, countingReducer)
	require.NoError(t, err)

	require.True(t, PayloadsEqual(viaSnapshot, viaReplay))
}

func TestIdleSweepSnapshotsQuietActors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	mgr, err := NewSnapshotManager(store, SnapshotPolicy{
		IdleRebuild: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	appendN(t, store, "t1", "a", 0, 2)
	mgr.NoteAppend(ctx, "t1", "a", 2, countingReducer, nil)

	require.Eventually(t, func() bool {
		snap, err := store.LatestSnapshot(ctx, "t1", "a")
		return err == nil && snap.Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Close()
}
