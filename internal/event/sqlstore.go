package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roasbeef/loom/internal/vclock"
)

// SQLStore is the SQLite-backed Store. Appends run inside an immediate
// transaction so the head-version read and the insert are atomic; SQLite's
// single-writer model makes the CAS race-free without advisory locks.
type SQLStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already-opened (and migrated) database handle. Use
// OpenSQLite to obtain one.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanEvent.
type rowScanner interface {
	Scan(dest ...any) error
}

const eventColumns = `event_id, actor_id, event_type, payload, version,
	timestamp_ns, correlation_id, causal_deps, vector_clock`

// scanEvent decodes one event row.
func scanEvent(row rowScanner) (Event, error) {
	var (
		ev        Event
		payload   []byte
		tsNanos   int64
		depsJSON  string
		clockJSON string
	)
	err := row.Scan(
		&ev.ID, &ev.ActorID, &ev.Type, &payload, &ev.Version,
		&tsNanos, &ev.CorrelationID, &depsJSON, &clockJSON,
	)
	if err != nil {
		return Event{}, err
	}

	ev.Payload = json.RawMessage(payload)
	ev.Timestamp = time.Unix(0, tsNanos).UTC()

	if depsJSON != "" && depsJSON != "[]" {
		if err := json.Unmarshal([]byte(depsJSON), &ev.CausalDeps); err != nil {
			return Event{}, fmt.Errorf("decode causal deps: %w", err)
		}
	}
	if clockJSON != "" && clockJSON != "{}" {
		var clock vclock.Clock
		if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
			return Event{}, fmt.Errorf("decode vector clock: %w", err)
		}
		ev.Clock = clock
	}

	return ev, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, tenantID string, ev Event,
	expectedVersion uint64) (Event, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var head uint64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events
		WHERE tenant_id = ? AND actor_id = ?`,
		tenantID, ev.ActorID,
	).Scan(&head)
	if err != nil {
		return Event{}, fmt.Errorf("read head version: %w", err)
	}

	if head != expectedVersion {
		return Event{}, fmt.Errorf("%w: actor %s at version %d, "+
			"expected %d", ErrVersionConflict, ev.ActorID, head,
			expectedVersion)
	}

	depsJSON, err := json.Marshal(ev.CausalDeps)
	if err != nil {
		return Event{}, fmt.Errorf("encode causal deps: %w", err)
	}
	clockJSON, err := json.Marshal(ev.Clock)
	if err != nil {
		return Event{}, fmt.Errorf("encode vector clock: %w", err)
	}

	ev.Version = expectedVersion + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (tenant_id, actor_id, version, event_id,
			event_type, payload, timestamp_ns, correlation_id,
			causal_deps, vector_clock)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID, ev.ActorID, ev.Version, ev.ID, ev.Type,
		[]byte(ev.Payload), ev.Timestamp.UnixNano(), ev.CorrelationID,
		string(depsJSON), string(clockJSON),
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit append: %w", err)
	}

	log.TraceS(ctx, "Appended event", "actor_id", ev.ActorID,
		"event_type", ev.Type, "version", ev.Version)

	return ev, nil
}

// Read implements Store.
func (s *SQLStore) Read(ctx context.Context, tenantID, actorID string,
	sinceVersion uint64) ([]Event, error) {

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND actor_id = ? AND version > ?
		ORDER BY version ASC`,
		tenantID, actorID, sinceVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetByID implements Store.
func (s *SQLStore) GetByID(ctx context.Context, tenantID,
	eventID string) (Event, error) {

	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND event_id = ?`,
		tenantID, eventID,
	)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}

	return ev, err
}

// GetByCorrelation implements Store.
func (s *SQLStore) GetByCorrelation(ctx context.Context, tenantID, actorID,
	correlationID string) (Event, error) {

	// First append under a correlation wins for idempotency purposes.
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND actor_id = ? AND correlation_id = ?
		ORDER BY version ASC LIMIT 1`,
		tenantID, actorID, correlationID,
	)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: correlation %s", ErrNotFound,
			correlationID)
	}

	return ev, err
}

// LatestVersion implements Store.
func (s *SQLStore) LatestVersion(ctx context.Context, tenantID,
	actorID string) (uint64, error) {

	var head uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events
		WHERE tenant_id = ? AND actor_id = ?`,
		tenantID, actorID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read head version: %w", err)
	}

	return head, nil
}

// PutSnapshot implements Store.
func (s *SQLStore) PutSnapshot(ctx context.Context, tenantID string,
	snap Snapshot) error {

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (tenant_id, actor_id, version, state,
			last_event_id, timestamp_ns, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, actor_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			last_event_id = excluded.last_event_id,
			timestamp_ns = excluded.timestamp_ns,
			checksum = excluded.checksum`,
		tenantID, snap.ActorID, snap.Version, []byte(snap.State),
		snap.LastEventID, snap.Timestamp.UnixNano(), snap.Checksum,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	log.TraceS(ctx, "Stored snapshot", "actor_id", snap.ActorID,
		"version", snap.Version)

	return nil
}

// LatestSnapshot implements Store.
func (s *SQLStore) LatestSnapshot(ctx context.Context, tenantID,
	actorID string) (Snapshot, error) {

	var (
		snap    Snapshot
		state   []byte
		tsNanos int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, version, state, last_event_id, timestamp_ns,
			checksum
		FROM snapshots WHERE tenant_id = ? AND actor_id = ?`,
		tenantID, actorID,
	).Scan(&snap.ActorID, &snap.Version, &state, &snap.LastEventID,
		&tsNanos, &snap.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: snapshot for %s",
			ErrNotFound, actorID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}

	snap.State = json.RawMessage(state)
	snap.Timestamp = time.Unix(0, tsNanos).UTC()

	return snap, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
