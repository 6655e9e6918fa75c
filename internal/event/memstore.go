package event

import (
	"context"
	"fmt"
	"sync"
)

// actorKey namespaces a log by tenant.
type actorKey struct {
	tenantID string
	actorID  string
}

// eventLoc locates an event within its actor's log for the secondary
// indexes.
type eventLoc struct {
	key     actorKey
	version uint64
}

// MemStore is an in-memory Store used by tests and as the default backend
// when the daemon runs without a database path. All operations are guarded
// by a single mutex; the runtime serializes writes per actor anyway, so
// contention here is not a concern.
type MemStore struct {
	mu sync.RWMutex

	// logs holds per-actor event sequences in version order.
	logs map[actorKey][]Event

	// byID and byCorrelation are secondary indexes into logs.
	byID          map[string]eventLoc
	byCorrelation map[string]eventLoc

	snapshots map[actorKey]Snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		logs:          make(map[actorKey][]Event),
		byID:          make(map[string]eventLoc),
		byCorrelation: make(map[string]eventLoc),
		snapshots:     make(map[actorKey]Snapshot),
	}
}

// idKey builds the tenant-scoped secondary index key.
func idKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// correlationKey builds the tenant+actor-scoped idempotency index key.
func correlationKey(tenantID, actorID, correlationID string) string {
	return tenantID + "\x00" + actorID + "\x00" + correlationID
}

// Append implements Store.
func (s *MemStore) Append(_ context.Context, tenantID string, ev Event,
	expectedVersion uint64) (Event, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	key := actorKey{tenantID: tenantID, actorID: ev.ActorID}
	head := uint64(len(s.logs[key]))
	if head != expectedVersion {
		return Event{}, fmt.Errorf("%w: actor %s at version %d, "+
			"expected %d", ErrVersionConflict, ev.ActorID, head,
			expectedVersion)
	}

	ev.Version = expectedVersion + 1
	s.logs[key] = append(s.logs[key], ev)

	loc := eventLoc{key: key, version: ev.Version}
	s.byID[idKey(tenantID, ev.ID)] = loc
	if ev.CorrelationID != "" {
		ck := correlationKey(tenantID, ev.ActorID, ev.CorrelationID)
		if _, exists := s.byCorrelation[ck]; !exists {
			s.byCorrelation[ck] = loc
		}
	}

	return ev, nil
}

// Read implements Store.
func (s *MemStore) Read(_ context.Context, tenantID, actorID string,
	sinceVersion uint64) ([]Event, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.logs[actorKey{tenantID: tenantID, actorID: actorID}]
	if sinceVersion >= uint64(len(events)) {
		return nil, nil
	}

	out := make([]Event, len(events)-int(sinceVersion))
	copy(out, events[sinceVersion:])

	return out, nil
}

// GetByID implements Store.
func (s *MemStore) GetByID(_ context.Context, tenantID,
	eventID string) (Event, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.byID[idKey(tenantID, eventID)]
	if !ok {
		return Event{}, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}

	return s.logs[loc.key][loc.version-1], nil
}

// GetByCorrelation implements Store.
func (s *MemStore) GetByCorrelation(_ context.Context, tenantID, actorID,
	correlationID string) (Event, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	ck := correlationKey(tenantID, actorID, correlationID)
	loc, ok := s.byCorrelation[ck]
	if !ok {
		return Event{}, fmt.Errorf("%w: correlation %s", ErrNotFound,
			correlationID)
	}

	return s.logs[loc.key][loc.version-1], nil
}

// LatestVersion implements Store.
func (s *MemStore) LatestVersion(_ context.Context, tenantID,
	actorID string) (uint64, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.logs[actorKey{
		tenantID: tenantID, actorID: actorID,
	}])), nil
}

// PutSnapshot implements Store.
func (s *MemStore) PutSnapshot(_ context.Context, tenantID string,
	snap Snapshot) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[actorKey{tenantID: tenantID, actorID: snap.ActorID}] = snap

	return nil
}

// LatestSnapshot implements Store.
func (s *MemStore) LatestSnapshot(_ context.Context, tenantID,
	actorID string) (Snapshot, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[actorKey{tenantID: tenantID, actorID: actorID}]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: snapshot for %s",
			ErrNotFound, actorID)
	}

	return snap, nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}

// IsConsistent verifies the store's internal invariants: gap-free version
// sequences and index agreement. Used by property tests.
func (s *MemStore) IsConsistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, events := range s.logs {
		for i, ev := range events {
			if ev.Version != uint64(i+1) {
				return false
			}
			loc, ok := s.byID[idKey(key.tenantID, ev.ID)]
			if !ok || loc.version != ev.Version {
				return false
			}
		}
	}

	return true
}
