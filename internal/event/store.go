package event

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned by Append when the expected version
	// does not match the log head. The caller may re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound is returned for missing events, actors, and snapshots.
	// Cross-tenant lookups also report this, never a permission error.
	ErrNotFound = errors.New("not found")
)

// Store is the event log interface the runtime writes through. Append is an
// atomic compare-and-swap on the actor's head version; Read returns events
// in strict version order with no gaps.
type Store interface {
	// Append persists the event iff the actor's latest version equals
	// expectedVersion, assigning version expectedVersion+1. It returns
	// the stored event or ErrVersionConflict.
	Append(ctx context.Context, tenantID string, ev Event,
		expectedVersion uint64) (Event, error)

	// Read returns the actor's events with version > sinceVersion, in
	// ascending version order.
	Read(ctx context.Context, tenantID, actorID string,
		sinceVersion uint64) ([]Event, error)

	// GetByID looks an event up by its globally unique ID.
	GetByID(ctx context.Context, tenantID, eventID string) (Event, error)

	// GetByCorrelation returns the event previously appended for the
	// actor under the given correlation ID, if any. This backs handler
	// idempotency.
	GetByCorrelation(ctx context.Context, tenantID, actorID,
		correlationID string) (Event, error)

	// LatestVersion returns the actor's head version, 0 when the log is
	// empty.
	LatestVersion(ctx context.Context, tenantID,
		actorID string) (uint64, error)

	// PutSnapshot stores the latest snapshot for the actor, replacing
	// any previous one.
	PutSnapshot(ctx context.Context, tenantID string, snap Snapshot) error

	// LatestSnapshot returns the actor's most recent snapshot or
	// ErrNotFound.
	LatestSnapshot(ctx context.Context, tenantID,
		actorID string) (Snapshot, error)

	// Close releases the store's resources.
	Close() error
}

// Reducer folds one event into a state document. Replay applies a reducer
// over an event sequence; given the same events and reducer the result is
// deterministic.
type Reducer func(state []byte, ev Event) ([]byte, error)

// Replay folds the given events over the initial state in order.
func Replay(initial []byte, events []Event, reduce Reducer) ([]byte, error) {
	state := initial
	for _, ev := range events {
		next, err := reduce(state, ev)
		if err != nil {
			return nil, err
		}
		state = next
	}

	return state, nil
}
