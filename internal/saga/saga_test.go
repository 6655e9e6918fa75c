package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/baselib/actor"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/runtime"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *event.MemStore,
	authctx.Context) {

	t.Helper()

	system := actor.NewActorSystem()
	store := event.NewMemStore()

	rtCfg := runtime.DefaultConfig("node-1")
	rtCfg.SnapshotPolicy = event.SnapshotPolicy{}

	rt, err := runtime.New(rtCfg, system, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Shutdown(context.Background()))
	})

	return NewOrchestrator(rt), store, authctx.Context{TenantID: "t1"}
}

// step builds a recording step: forward runs append to ran, compensations to
// compensated.
func step(name string, compensatable bool, ran, compensated *[]string,
	fail bool) Step {

	s := Step{
		Name:          name,
		Compensatable: compensatable,
		Execute: func(_ context.Context,
			_ map[string]any) (map[string]any, error) {

			if fail {
				return nil, errors.New(name + " exploded")
			}
			*ran = append(*ran, name)

			return map[string]any{name: "done"}, nil
		},
	}
	if compensatable {
		s.Compensate = func(_ context.Context,
			_ map[string]any) error {

			*compensated = append(*compensated, name)
			return nil
		}
	}

	return s
}

func eventTypes(t *testing.T, store event.Store, tenantID,
	sagaID string) []string {

	t.Helper()

	evs, err := store.Read(context.Background(), tenantID, sagaID, 0)
	require.NoError(t, err)

	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}

	return types
}

func TestExecuteRunsAllStepsForward(t *testing.T) {
	t.Parallel()

	o, store, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	require.NoError(t, o.Register(&Definition{
		ID: "signup",
		Steps: []Step{
			step("user-creation", true, &ran, &compensated, false),
			step("welcome-message", true, &ran, &compensated,
				false),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "signup",
		map[string]any{"email": "a@example.com"})
	require.NoError(t, err)

	require.Equal(t, StateCompleted, s.State)
	require.Equal(t, []string{"user-creation", "welcome-message"},
		s.CompletedSteps)
	require.Equal(t, ran, s.CompletedSteps)
	require.Empty(t, s.CompensatedSteps)
	require.Empty(t, compensated)

	// Step outputs accumulate in the context alongside the initial one.
	require.Equal(t, "a@example.com", s.Context["email"])
	require.Equal(t, "done", s.Context["user-creation"])
	require.Equal(t, "done", s.Context["welcome-message"])

	require.Equal(t, []string{
		EvSagaStarted, EvSagaStepCompleted, EvSagaStepCompleted,
		EvSagaCompleted,
	}, eventTypes(t, store, rctx.TenantID, s.ID))
}

func TestExecuteUnknownDefinition(t *testing.T) {
	t.Parallel()

	o, _, rctx := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), rctx, "missing", nil)
	require.ErrorIs(t, err, event.ErrNotFound)
}

func TestCompensationSkipsNonCompensatableSteps(t *testing.T) {
	t.Parallel()

	o, store, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	require.NoError(t, o.Register(&Definition{
		ID: "signup",
		Steps: []Step{
			step("user-creation", true, &ran, &compensated, false),
			step("email-verification", false, &ran, &compensated,
				false),
			step("welcome-notification", true, &ran, &compensated,
				true),
			step("welcome-message", true, &ran, &compensated,
				false),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "signup", nil)
	require.NoError(t, err)

	require.Equal(t, StateFailed, s.State)
	require.Equal(t, "welcome-notification", s.FailedStep)
	require.Contains(t, s.ErrorMessage, "exploded")

	// The email is out the door; only user-creation rolls back. The
	// failing step never completed, so it is not compensated either, and
	// the step after it never ran.
	require.Equal(t, []string{"user-creation", "email-verification"},
		s.CompletedSteps)
	require.Equal(t, []string{"user-creation"}, compensated)
	require.Equal(t, compensated, s.CompensatedSteps)
	require.Equal(t, []string{"user-creation", "email-verification"}, ran)

	types := eventTypes(t, store, rctx.TenantID, s.ID)
	require.Equal(t, []string{
		EvSagaStarted, EvSagaStepCompleted, EvSagaStepCompleted,
		EvSagaStepFailed, EvSagaCompensated, EvSagaFailed,
	}, types)
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	o, _, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	require.NoError(t, o.Register(&Definition{
		ID: "pipeline",
		Steps: []Step{
			step("alpha", true, &ran, &compensated, false),
			step("beta", true, &ran, &compensated, false),
			step("gamma", true, &ran, &compensated, true),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "pipeline", nil)
	require.NoError(t, err)

	require.Equal(t, StateFailed, s.State)
	require.Equal(t, []string{"beta", "alpha"}, compensated)
	require.Equal(t, []string{"beta", "alpha"}, s.CompensatedSteps)
}

func TestFailureAtFirstStepCompensatesNothing(t *testing.T) {
	t.Parallel()

	o, store, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	require.NoError(t, o.Register(&Definition{
		ID: "doomed",
		Steps: []Step{
			step("first", true, &ran, &compensated, true),
			step("second", true, &ran, &compensated, false),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "doomed", nil)
	require.NoError(t, err)

	require.Equal(t, StateFailed, s.State)
	require.Equal(t, "first", s.FailedStep)
	require.Empty(t, s.CompletedSteps)
	require.Empty(t, compensated)
	require.Empty(t, ran)

	require.Equal(t, []string{
		EvSagaStarted, EvSagaStepFailed, EvSagaFailed,
	}, eventTypes(t, store, rctx.TenantID, s.ID))
}

func TestCompensationErrorStillUnwindsRemaining(t *testing.T) {
	t.Parallel()

	o, _, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	flaky := step("flaky", true, &ran, &compensated, false)
	flaky.Compensate = func(_ context.Context, _ map[string]any) error {
		return errors.New("undo endpoint down")
	}

	require.NoError(t, o.Register(&Definition{
		ID: "partial",
		Steps: []Step{
			step("solid", true, &ran, &compensated, false),
			flaky,
			step("boom", true, &ran, &compensated, true),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "partial", nil)
	require.NoError(t, err)

	require.Equal(t, StateFailed, s.State)

	// The flaky compensation was invoked (and recorded) even though it
	// errored, and the unwind kept going.
	require.Equal(t, []string{"flaky", "solid"}, s.CompensatedSteps)
	require.Equal(t, []string{"solid"}, compensated)
}

func TestGetReturnsTerminalSaga(t *testing.T) {
	t.Parallel()

	o, _, rctx := newTestOrchestrator(t)

	var ran, compensated []string
	require.NoError(t, o.Register(&Definition{
		ID: "quick",
		Steps: []Step{
			step("only", false, &ran, &compensated, false),
		},
	}))

	s, err := o.Execute(context.Background(), rctx, "quick", nil)
	require.NoError(t, err)

	got, err := o.Get(context.Background(), rctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, StateCompleted, got.State)
}

func TestRegisterValidatesDefinitions(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)

	noop := func(_ context.Context,
		_ map[string]any) (map[string]any, error) {

		return nil, nil
	}

	// No steps.
	require.Error(t, o.Register(&Definition{ID: "empty"}))

	// Duplicate step names.
	require.Error(t, o.Register(&Definition{
		ID: "dup",
		Steps: []Step{
			{Name: "a", Execute: noop},
			{Name: "a", Execute: noop},
		},
	}))

	// Missing execute handler.
	require.Error(t, o.Register(&Definition{
		ID:    "noexec",
		Steps: []Step{{Name: "a"}},
	}))

	// Compensatable step without a compensation handler.
	require.Error(t, o.Register(&Definition{
		ID: "nocomp",
		Steps: []Step{
			{Name: "a", Compensatable: true, Execute: noop},
		},
	}))

	// Duplicate registration.
	ok := &Definition{ID: "ok", Steps: []Step{{Name: "a", Execute: noop}}}
	require.NoError(t, o.Register(ok))
	require.ErrorIs(t, o.Register(ok), ErrDefinitionExists)
}
