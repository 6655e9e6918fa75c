package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultSnapshotInterval is how many events accumulate past the last
	// snapshot before a new one is taken.
	DefaultSnapshotInterval = 100

	// DefaultRebuildCacheSize bounds the rebuilt-state cache.
	DefaultRebuildCacheSize = 256
)

// SnapshotPolicy decides when snapshots happen.
type SnapshotPolicy struct {
	// Interval is the event count between snapshots. Zero disables
	// interval snapshots.
	Interval uint64

	// IdleRebuild, when non-zero, is how long an actor's log sits
	// unchanged before a background snapshot is taken for it anyway.
	IdleRebuild time.Duration
}

// DefaultSnapshotPolicy returns the policy used when the caller supplies
// none.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		Interval:    DefaultSnapshotInterval,
		IdleRebuild: 5 * time.Minute,
	}
}

// cachedState is a rebuilt state pinned to the version it reflects.
type cachedState struct {
	state   json.RawMessage
	version uint64
}

// SnapshotManager takes snapshots per policy and rebuilds actor state from
// snapshot + replay. Snapshot writes are asynchronous; a failed write is
// logged and retried at the next trigger, never surfaced to the hot path.
type SnapshotManager struct {
	store  Store
	policy SnapshotPolicy

	// cache holds rebuilt states keyed by tenant+actor so repeated asks
	// against a quiet actor skip the replay.
	cache *lru.Cache[actorKey, cachedState]

	// dirty tracks, per actor, the version of the last snapshot written
	// and the time of the last append, for interval and idle triggers.
	mu    sync.Mutex
	dirty map[actorKey]*snapState

	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

type snapState struct {
	lastSnapVersion uint64
	lastAppend      time.Time
	reduce          Reducer
	initial         json.RawMessage
}

// NewSnapshotManager builds a manager over the given store.
func NewSnapshotManager(store Store, policy SnapshotPolicy) (*SnapshotManager,
	error) {

	cache, err := lru.New[actorKey, cachedState](DefaultRebuildCacheSize)
	if err != nil {
		return nil, err
	}

	m := &SnapshotManager{
		store:  store,
		policy: policy,
		cache:  cache,
		dirty:  make(map[actorKey]*snapState),
		quit:   make(chan struct{}),
	}

	if policy.IdleRebuild > 0 {
		m.wg.Add(1)
		go m.idleLoop()
	}

	return m, nil
}

// NoteAppend records an append and, when the interval policy fires, kicks off
// an asynchronous snapshot. The reducer and initial state are captured so the
// background write can rebuild without a callback into the runtime.
func (m *SnapshotManager) NoteAppend(ctx context.Context, tenantID,
	actorID string, version uint64, reduce Reducer,
	initial json.RawMessage) {

	key := actorKey{tenantID: tenantID, actorID: actorID}

	m.cache.Remove(key)

	m.mu.Lock()
	st, ok := m.dirty[key]
	if !ok {
		st = &snapState{}
		m.dirty[key] = st
	}
	st.lastAppend = time.Now()
	st.reduce = reduce
	st.initial = initial

	trigger := m.policy.Interval > 0 &&
		version >= st.lastSnapVersion+m.policy.Interval
	if trigger {
		// Advance eagerly so concurrent appends don't double-fire.
		st.lastSnapVersion = version
	}
	m.mu.Unlock()

	if trigger {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.writeSnapshot(context.WithoutCancel(ctx), key, st)
		}()
	}
}

// Invalidate drops the cached rebuilt state for an actor, forcing the next
// Rebuild to consult the store. Needed when a writer outside this process
// may have advanced the log.
func (m *SnapshotManager) Invalidate(tenantID, actorID string) {
	m.cache.Remove(actorKey{tenantID: tenantID, actorID: actorID})
}

// Rebuild returns the actor's current state and version, using the latest
// snapshot as the base when one exists and verifies, then replaying the tail.
// Results are cached until the next append.
func (m *SnapshotManager) Rebuild(ctx context.Context, tenantID,
	actorID string, initial json.RawMessage, reduce Reducer) (
	json.RawMessage, uint64, error) {

	key := actorKey{tenantID: tenantID, actorID: actorID}
	if cached, ok := m.cache.Get(key); ok {
		return cached.state, cached.version, nil
	}

	state := initial
	var since uint64

	snap, err := m.store.LatestSnapshot(ctx, tenantID, actorID)
	switch {
	case err == nil:
		if snap.Verify() {
			state = snap.State
			since = snap.Version
		} else {
			// Corrupt snapshot: fall back to a full replay rather
			// than serving bad state.
			log.WarnS(ctx, "Snapshot checksum mismatch, "+
				"replaying from scratch", nil,
				"actor_id", actorID, "version", snap.Version)
		}

	case errors.Is(err, ErrNotFound):
		// Full replay.

	default:
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}

	events, err := m.store.Read(ctx, tenantID, actorID, since)
	if err != nil {
		return nil, 0, fmt.Errorf("read events: %w", err)
	}

	state, err = Replay(state, events, reduce)
	if err != nil {
		return nil, 0, fmt.Errorf("replay: %w", err)
	}

	version := since
	if n := len(events); n > 0 {
		version = events[n-1].Version
	}

	m.cache.Add(key, cachedState{state: state, version: version})

	return state, version, nil
}

// writeSnapshot rebuilds the actor state and persists it. Errors are logged
// only; the interval counter was already advanced, so a failure retries at
// the next trigger.
func (m *SnapshotManager) writeSnapshot(ctx context.Context, key actorKey,
	st *snapState) {

	m.mu.Lock()
	reduce, initial := st.reduce, st.initial
	m.mu.Unlock()

	state, version, err := m.Rebuild(
		ctx, key.tenantID, key.actorID, initial, reduce,
	)
	if err != nil {
		log.ErrorS(ctx, "Snapshot rebuild failed", err,
			"actor_id", key.actorID)
		return
	}
	if version == 0 {
		return
	}

	events, err := m.store.Read(ctx, key.tenantID, key.actorID, version-1)
	if err != nil || len(events) == 0 {
		log.ErrorS(ctx, "Snapshot tail read failed", err,
			"actor_id", key.actorID)
		return
	}

	snap, err := NewSnapshot(key.actorID, state, version, events[0].ID)
	if err != nil {
		log.ErrorS(ctx, "Snapshot build failed", err,
			"actor_id", key.actorID)
		return
	}

	if err := m.store.PutSnapshot(ctx, key.tenantID, snap); err != nil {
		log.ErrorS(ctx, "Snapshot write failed", err,
			"actor_id", key.actorID)
		return
	}

	log.DebugS(ctx, "Snapshot written", "actor_id", key.actorID,
		"version", version)
}

// idleLoop periodically snapshots actors whose logs have been quiet past the
// idle threshold but carry unsnapshotted events.
func (m *SnapshotManager) idleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.policy.IdleRebuild)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()

		case <-m.quit:
			return
		}
	}
}

func (m *SnapshotManager) sweepIdle() {
	ctx := context.Background()
	cutoff := time.Now().Add(-m.policy.IdleRebuild)

	m.mu.Lock()
	var pending []struct {
		key actorKey
		st  *snapState
	}
	for key, st := range m.dirty {
		if st.lastAppend.IsZero() || st.lastAppend.After(cutoff) {
			continue
		}

		head, err := m.store.LatestVersion(ctx, key.tenantID,
			key.actorID)
		if err != nil || head <= st.lastSnapVersion {
			continue
		}

		st.lastSnapVersion = head
		pending = append(pending, struct {
			key actorKey
			st  *snapState
		}{key, st})
	}
	m.mu.Unlock()

	for _, p := range pending {
		m.writeSnapshot(ctx, p.key, p.st)
	}
}

// Close stops the idle sweeper and waits for in-flight snapshot writes.
func (m *SnapshotManager) Close() {
	m.once.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()
}
