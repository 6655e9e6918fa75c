package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/baselib/actor"
	"github.com/roasbeef/loom/internal/event"
)

// counterState is the folded state of the test actor.
type counterState struct {
	Total int `json:"total"`
}

// counterDecide accepts "add" commands with {"n": int} payloads, rejecting
// negative deltas.
func counterDecide(_ json.RawMessage, cmd *Command) (string, any, error) {
	var in struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return "", nil, err
	}
	if in.N < 0 {
		return "", nil, errors.New("negative delta")
	}

	return "counter.added", map[string]int{"n": in.N}, nil
}

func counterReduce(state []byte, ev event.Event) ([]byte, error) {
	var s counterState
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

func totalProjector(state json.RawMessage, _ uint64) (any, error) {
	var s counterState
	if len(state) > 0 && string(state) != "null" {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, err
		}
	}

	return s.Total, nil
}

func newTestRuntime(t *testing.T, store event.Store) *Runtime {
	t.Helper()

	system := actor.NewActorSystem()
	cfg := DefaultConfig("node-1")
	cfg.SnapshotPolicy = event.SnapshotPolicy{}

	rt, err := New(cfg, system, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Shutdown(context.Background()))
	})

	return rt
}

func addCmd(n int) *Command {
	return &Command{
		Name:      "add",
		Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
		Projector: totalProjector,
	}
}

func TestSpawnAskFoldsEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemStore()
	rt := newTestRuntime(t, store)
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))

	for i, want := range []int{2, 5, 9} {
		reply, err := rt.Ask(ctx, rctx, "c1", addCmd([]int{2, 3, 4}[i]))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), reply.Version)
		require.Equal(t, want, reply.Value)
		require.NotNil(t, reply.Event)
		require.Equal(t, "counter.added", reply.Event.Type)
	}

	// Every accepted command appended exactly one event.
	events, err := store.Read(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestSpawnDuplicateFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := newTestRuntime(t, event.NewMemStore())
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))
	err := rt.Spawn(ctx, rctx, "c1", nil, counterDecide, counterReduce)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Same ID under another tenant is a different actor.
	require.NoError(t, rt.Spawn(
		ctx, authctx.Context{TenantID: "t2"}, "c1", nil,
		counterDecide, counterReduce,
	))
}

func TestSpawnRehydratesExistingLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemStore()
	rctx := authctx.Context{TenantID: "t1"}

	// Pre-populate the log as a previous runtime incarnation would have.
	for i := 0; i < 3; i++ {
		ev, err := event.NewEvent("c1", "counter.added",
			map[string]int{"n": 10})
		require.NoError(t, err)
		_, err = store.Append(ctx, "t1", ev, uint64(i))
		require.NoError(t, err)
	}

	rt := newTestRuntime(t, store)
	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))

	reply, err := rt.Project(ctx, rctx, "c1", totalProjector)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reply.Version)
	require.Equal(t, 30, reply.Value)

	// New appends continue the version sequence without gaps.
	reply, err = rt.Ask(ctx, rctx, "c1", addCmd(1))
	require.NoError(t, err)
	require.Equal(t, uint64(4), reply.Version)
}

func TestCorrelationIdempotency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemStore()
	rt := newTestRuntime(t, store)
	rctx := authctx.Context{
		TenantID:      "t1",
		CorrelationID: "req_1_abc",
	}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))

	first, err := rt.Ask(ctx, rctx, "c1", addCmd(5))
	require.NoError(t, err)
	require.False(t, first.Deduped)

	// Replaying the same correlation returns the prior event and
	// appends nothing new.
	second, err := rt.Ask(ctx, rctx, "c1", addCmd(5))
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Event.ID, second.Event.ID)

	events, err := store.Read(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// A different correlation appends normally.
	third, err := rt.Ask(
		ctx, rctx.WithCorrelation("req_2_def"), "c1", addCmd(1),
	)
	require.NoError(t, err)
	require.False(t, third.Deduped)
	require.Equal(t, uint64(2), third.Version)
}

func TestDeciderErrorSurfacesAndActorRecovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := newTestRuntime(t, event.NewMemStore())
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))

	_, err := rt.Ask(ctx, rctx, "c1", addCmd(3))
	require.NoError(t, err)

	// A rejected command errors to the caller and appends nothing.
	_, err = rt.Ask(ctx, rctx, "c1", addCmd(-1))
	require.Error(t, err)

	// The supervisor restarts the actor from its durable state; later
	// commands see the pre-failure total.
	reply, err := rt.Ask(ctx, rctx, "c1", addCmd(2))
	require.NoError(t, err)
	require.Equal(t, 5, reply.Value)
	require.Equal(t, uint64(2), reply.Version)
}

func TestCASConflictResyncs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemStore()
	rt := newTestRuntime(t, store)
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))

	_, err := rt.Ask(ctx, rctx, "c1", addCmd(1))
	require.NoError(t, err)

	// An external writer advances the log behind the actor's back.
	ev, err := event.NewEvent("c1", "counter.added",
		map[string]int{"n": 100})
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", ev, 1)
	require.NoError(t, err)

	// The next command loses CAS once, re-syncs, and lands at version 3
	// with the external event folded in.
	reply, err := rt.Ask(ctx, rctx, "c1", addCmd(1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), reply.Version)
	require.Equal(t, 102, reply.Value)
}

func TestAskUnknownActorNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := newTestRuntime(t, event.NewMemStore())
	rctx := authctx.Context{TenantID: "t1"}

	_, err := rt.Ask(ctx, rctx, "ghost", addCmd(1))
	require.ErrorIs(t, err, ErrNotFound)

	// A live actor under tenant t1 is invisible to t2.
	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))
	_, err = rt.Ask(
		ctx, authctx.Context{TenantID: "t2"}, "c1", addCmd(1),
	)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopThenRespawn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt := newTestRuntime(t, event.NewMemStore())
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))
	_, err := rt.Ask(ctx, rctx, "c1", addCmd(7))
	require.NoError(t, err)

	require.NoError(t, rt.Stop(rctx, "c1"))
	require.False(t, rt.IsLive(rctx, "c1"))
	require.ErrorIs(t, rt.Stop(rctx, "c1"), ErrNotFound)

	// Respawning resumes from the durable log.
	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))
	reply, err := rt.Project(ctx, rctx, "c1", totalProjector)
	require.NoError(t, err)
	require.Equal(t, 7, reply.Value)
}

func TestVectorClockAdvancesPerAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemStore()
	rt := newTestRuntime(t, store)
	rctx := authctx.Context{TenantID: "t1"}

	require.NoError(t, rt.Spawn(
		ctx, rctx, "c1", nil, counterDecide, counterReduce,
	))
	for i := 0; i < 3; i++ {
		_, err := rt.Ask(ctx, rctx, "c1", addCmd(1))
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Clock["node-1"])
	}
}
