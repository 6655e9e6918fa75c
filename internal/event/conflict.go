package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Strategy selects how a set of conflicting events is reconciled.
type Strategy string

const (
	// StrategyLastWriteWins keeps the event with the greatest wall-clock
	// timestamp, tie-broken by event ID so all replicas converge.
	StrategyLastWriteWins Strategy = "lastWriteWins"

	// StrategyCausalOrder topologically sorts the set by causal
	// dependencies and keeps the unique minimum, falling back to
	// last-write-wins when several minima exist.
	StrategyCausalOrder Strategy = "causalOrder"

	// StrategyMerge folds all payloads field-by-field, later writers
	// winning per field, into a fresh synthetic event.
	StrategyMerge Strategy = "merge"
)

// ConsistencyLevel names the guarantee a caller wants checked over a set of
// events.
type ConsistencyLevel string

const (
	// ConsistencyCausal requires that no event precedes one of its causal
	// dependencies.
	ConsistencyCausal ConsistencyLevel = "causal"

	// ConsistencySequential requires a gap-free ascending version
	// sequence.
	ConsistencySequential ConsistencyLevel = "sequential"

	// ConsistencyEventual is always satisfied; it exists so callers can
	// request the weakest level uniformly.
	ConsistencyEventual ConsistencyLevel = "eventual"

	// ConsistencyStrong requires both sequential and causal consistency.
	ConsistencyStrong ConsistencyLevel = "strong"
)

// Conflicting reports whether two events contend for the same logical write:
// same actor, same event type, and vector clocks that are concurrent. Events
// ordered by their clocks never conflict, one simply supersedes the other.
func Conflicting(a, b Event) bool {
	if a.ActorID != b.ActorID || a.Type != b.Type {
		return false
	}

	return a.Clock.ConcurrentWith(b.Clock)
}

// Resolve reconciles a non-empty set of conflicting events under the given
// strategy. The result is deterministic: every replica resolving the same
// set picks the same outcome regardless of input order, and resolving twice
// yields identical output.
func Resolve(events []Event, strategy Strategy) (Event, error) {
	switch len(events) {
	case 0:
		return Event{}, fmt.Errorf("cannot resolve an empty set")
	case 1:
		return events[0], nil
	}

	switch strategy {
	case StrategyLastWriteWins:
		return lastWriteWins(events), nil

	case StrategyCausalOrder:
		return causalMinimum(events), nil

	case StrategyMerge:
		return mergeEvents(events)

	default:
		return Event{}, fmt.Errorf("unknown resolution strategy %q",
			strategy)
	}
}

// lastWriteWins picks the latest timestamp, breaking exact ties on event ID
// lexicographic order so the choice never depends on input order.
func lastWriteWins(events []Event) Event {
	winner := events[0]
	for _, ev := range events[1:] {
		if ev.Timestamp.After(winner.Timestamp) {
			winner = ev
			continue
		}
		if ev.Timestamp.Equal(winner.Timestamp) && ev.ID > winner.ID {
			winner = ev
		}
	}

	return winner
}

// causalMinimum returns the unique minimum of the set under the causal
// dependency partial order. An event is minimal when it depends on no other
// event in the set; with several minima the tie breaks by last-write-wins
// among them.
func causalMinimum(events []Event) Event {
	inSet := make(map[string]struct{}, len(events))
	for _, ev := range events {
		inSet[ev.ID] = struct{}{}
	}

	var minima []Event
	for _, ev := range events {
		minimal := true
		for _, dep := range ev.CausalDeps {
			if _, ok := inSet[dep]; ok {
				minimal = false
				break
			}
		}
		if minimal {
			minima = append(minima, ev)
		}
	}

	// A dependency cycle leaves no minima; treat the whole set as tied.
	if len(minima) == 0 {
		minima = events
	}
	if len(minima) == 1 {
		return minima[0]
	}

	return lastWriteWins(minima)
}

// mergeEvents folds all payloads in timestamp order, later writers winning
// per field, into a synthetic event. Its ID derives from the input IDs and
// its timestamp is the latest input's, so repeated resolution of the same
// set produces the identical event. The clock is the join of all inputs and
// the causal dependencies are the union of the inputs'.
func mergeEvents(events []Event) (Event, error) {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	merged := ordered[0].Payload
	clock := ordered[0].Clock
	depSet := make(map[string]struct{})
	for _, dep := range ordered[0].CausalDeps {
		depSet[dep] = struct{}{}
	}

	for _, ev := range ordered[1:] {
		next, err := mergeJSON(merged, ev.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("merge payloads: %w", err)
		}
		merged = next
		clock = clock.Merge(ev.Clock)
		for _, dep := range ev.CausalDeps {
			depSet[dep] = struct{}{}
		}
	}

	deps := make([]string, 0, len(depSet))
	for dep := range depSet {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	last := ordered[len(ordered)-1]

	return Event{
		ID:         mergedID(ordered),
		ActorID:    last.ActorID,
		Type:       last.Type,
		Payload:    merged,
		Timestamp:  last.Timestamp,
		CausalDeps: deps,
		Clock:      clock,
	}, nil
}

// mergedID derives a stable event ID from the sorted input IDs.
func mergedID(ordered []Event) string {
	ids := make([]string, len(ordered))
	for i, ev := range ordered {
		ids[i] = ev.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}

	return "merged-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// mergeJSON deep-merges two JSON documents. Objects merge recursively with
// overlay winning collisions; any other value pair resolves to overlay.
func mergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	var baseMap, overlayMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return overlay, nil
	}
	if err := json.Unmarshal(overlay, &overlayMap); err != nil {
		return overlay, nil
	}

	for key, val := range overlayMap {
		if existing, ok := baseMap[key]; ok {
			sub, err := mergeJSON(existing, val)
			if err != nil {
				return nil, err
			}
			baseMap[key] = sub
			continue
		}
		baseMap[key] = val
	}

	// Re-encode through Canonicalize so key ordering is stable.
	raw, err := json.Marshal(baseMap)
	if err != nil {
		return nil, err
	}

	return Canonicalize(raw)
}

// CheckConsistency verifies the given events satisfy the requested level.
// Events must be supplied in log order. A nil return means the level holds.
func CheckConsistency(events []Event, level ConsistencyLevel) error {
	switch level {
	case ConsistencyEventual:
		return nil

	case ConsistencySequential:
		return checkSequential(events)

	case ConsistencyCausal:
		return checkCausal(events)

	case ConsistencyStrong:
		if err := checkCausal(events); err != nil {
			return err
		}
		return checkSequential(events)

	default:
		return fmt.Errorf("unknown consistency level %q", level)
	}
}

func checkSequential(events []Event) error {
	for i, ev := range events {
		if ev.Version != uint64(i+1) {
			return fmt.Errorf("sequential violation: position %d "+
				"holds version %d", i, ev.Version)
		}
	}

	return nil
}

// checkCausal verifies every in-window dependency precedes its dependent.
func checkCausal(events []Event) error {
	seen := make(map[string]int, len(events))
	for i, ev := range events {
		seen[ev.ID] = i
	}

	for i, ev := range events {
		for _, dep := range ev.CausalDeps {
			pos, ok := seen[dep]
			if !ok {
				// Dependency outside this window; nothing to
				// check against.
				continue
			}
			if pos >= i {
				return fmt.Errorf("causal violation: event %s "+
					"precedes its dependency %s", ev.ID, dep)
			}
		}
	}

	return nil
}

// PayloadsEqual compares two payloads under canonical encoding, so formatting
// and key-order differences do not count as divergence.
func PayloadsEqual(a, b json.RawMessage) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}

	return bytes.Equal(ca, cb)
}
