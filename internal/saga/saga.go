// Package saga orchestrates ordered sequences of compensatable steps over
// event-sourced saga actors. Forward execution runs step-by-step; a step
// failure rolls back every previously completed compensatable step in reverse
// order, then parks the saga in a terminal failed state.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/runtime"
)

var (
	// ErrDefinitionExists is returned when a saga ID is registered twice.
	ErrDefinitionExists = errors.New("saga definition already registered")

	// ErrDefinitionNotFound wraps event.ErrNotFound so it maps to the
	// NOT_FOUND wire code.
	ErrDefinitionNotFound = fmt.Errorf("saga definition: %w",
		event.ErrNotFound)

	// ErrTerminal is returned for commands against a finished saga.
	ErrTerminal = errors.New("saga is in a terminal state")
)

// State is the saga lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepHandler runs a forward step against the saga context and returns an
// output map merged back into it.
type StepHandler func(ctx context.Context,
	sagaCtx map[string]any) (map[string]any, error)

// CompensationHandler reverses a completed step. Compensations produce no
// output: the saga is already unwinding, so nothing merges back into the
// context and no further forward work may be enqueued.
type CompensationHandler func(ctx context.Context,
	sagaCtx map[string]any) error

// Step is one named unit of a saga.
type Step struct {
	// Name identifies the step; unique within a definition.
	Name string

	// Compensatable marks steps whose effects can be reversed. A step
	// whose effect is externally observable (a sent email, a published
	// message) is not.
	Compensatable bool

	// Execute performs the forward action.
	Execute StepHandler

	// Compensate reverses the forward action. Required when
	// Compensatable, ignored otherwise.
	Compensate CompensationHandler
}

// Definition is an ordered list of steps under a saga type name.
type Definition struct {
	ID    string
	Steps []Step
}

// Validate checks the definition is runnable.
func (d *Definition) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("saga definition has no ID"))
	}
	if len(d.Steps) == 0 {
		errs = append(errs, fmt.Errorf("saga %s has no steps", d.ID))
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("saga %s has an "+
				"unnamed step", d.ID))
			continue
		}
		if _, dup := seen[step.Name]; dup {
			errs = append(errs, fmt.Errorf("saga %s: duplicate "+
				"step %q", d.ID, step.Name))
		}
		seen[step.Name] = struct{}{}

		if step.Execute == nil {
			errs = append(errs, fmt.Errorf("saga %s: step %q has "+
				"no execute handler", d.ID, step.Name))
		}
		if step.Compensatable && step.Compensate == nil {
			errs = append(errs, fmt.Errorf("saga %s: "+
				"compensatable step %q has no compensation "+
				"handler", d.ID, step.Name))
		}
	}

	return errors.Join(errs...)
}

func (d *Definition) step(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}

	return nil
}

// Saga is the full state of one saga instance. It is the payload of every
// saga event, so folding the log is a plain replacement.
type Saga struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	State        State  `json:"state"`

	// Context accumulates step outputs; each step sees the merge of the
	// initial context and everything completed before it.
	Context map[string]any `json:"context"`

	// CompletedSteps records forward completions in order.
	CompletedSteps []string `json:"completedSteps,omitempty"`

	// CompensatedSteps records invoked compensations in order.
	CompensatedSteps []string `json:"compensatedSteps,omitempty"`

	FailedStep   string `json:"failedStep,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Saga) clone() *Saga {
	out := *s
	out.Context = maps.Clone(s.Context)
	out.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	out.CompensatedSteps = append([]string(nil), s.CompensatedSteps...)

	return &out
}

// Command names understood by the saga decider.
const (
	cmdStart        = "saga.start"
	cmdStepComplete = "saga.step.complete"
	cmdStepFail     = "saga.step.fail"
	cmdCompensated  = "saga.compensated"
	cmdFinish       = "saga.finish"
)

// Event types appended by saga actors.
const (
	EvSagaStarted       = "saga_started"
	EvSagaStepCompleted = "saga_step_completed"
	EvSagaStepFailed    = "saga_step_failed"
	EvSagaCompensated   = "saga_compensated"
	EvSagaCompleted     = "saga_completed"
	EvSagaFailed        = "saga_failed"
)

// Orchestrator drives saga instances over the runtime.
type Orchestrator struct {
	rt *runtime.Runtime

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewOrchestrator builds an orchestrator over the runtime.
func NewOrchestrator(rt *runtime.Runtime) *Orchestrator {
	return &Orchestrator{
		rt:   rt,
		defs: make(map[string]*Definition),
	}
}

// Register adds a saga definition after validating it.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.defs[def.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.ID)
	}
	o.defs[def.ID] = def

	return nil
}

func (o *Orchestrator) definition(id string) (*Definition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	def, ok := o.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}

	return def, nil
}

// sagaReduce folds a saga event: the payload IS the saga.
func sagaReduce(_ []byte, ev event.Event) ([]byte, error) {
	return ev.Payload, nil
}

// sagaProjector decodes the saga out of the actor state.
func sagaProjector(state json.RawMessage, _ uint64) (any, error) {
	if len(state) == 0 || string(state) == "null" {
		return nil, fmt.Errorf("saga: %w", event.ErrNotFound)
	}

	var s Saga
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// Execute runs one saga instance to a terminal state: forward through every
// step, or compensation and failure on the first step error. The returned
// saga is terminal.
func (o *Orchestrator) Execute(ctx context.Context, rctx authctx.Context,
	definitionID string, initial map[string]any) (*Saga, error) {

	def, err := o.definition(definitionID)
	if err != nil {
		return nil, err
	}

	sagaID := "saga-" + uuid.NewString()
	err = o.rt.Spawn(ctx, rctx, sagaID, nil, o.decide(def), sagaReduce)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"sagaId":  sagaID,
		"context": initial,
	})
	if err != nil {
		return nil, err
	}
	s, err := o.command(ctx, rctx, sagaID, cmdStart, payload)
	if err != nil {
		return nil, err
	}

	log.InfoS(ctx, "Saga started", "saga_id", sagaID,
		"definition_id", definitionID, "steps", len(def.Steps),
		"tenant_id", rctx.TenantID)

	return o.runForward(ctx, rctx, def, s)
}

// runForward executes the remaining steps in order, switching to the
// compensation path on the first failure.
func (o *Orchestrator) runForward(ctx context.Context, rctx authctx.Context,
	def *Definition, s *Saga) (*Saga, error) {

	for _, step := range def.Steps[len(s.CompletedSteps):] {
		output, err := step.Execute(ctx, maps.Clone(s.Context))
		if err != nil {
			log.WarnS(ctx, "Saga step failed", err,
				"saga_id", s.ID, "step", step.Name)

			s, cmdErr := o.recordStepFailure(
				ctx, rctx, s.ID, step.Name, err,
			)
			if cmdErr != nil {
				return nil, cmdErr
			}

			return o.compensate(ctx, rctx, def, s)
		}

		payload, err := json.Marshal(map[string]any{
			"step":   step.Name,
			"output": output,
		})
		if err != nil {
			return nil, err
		}
		s, err = o.command(
			ctx, o.internal(rctx), s.ID, cmdStepComplete, payload,
		)
		if err != nil {
			return nil, err
		}
	}

	return o.command(ctx, o.internal(rctx), s.ID, cmdFinish, nil)
}

// compensate rolls back completed steps in reverse order. Non-compensatable
// steps are skipped; their effects are already externally observable.
func (o *Orchestrator) compensate(ctx context.Context, rctx authctx.Context,
	def *Definition, s *Saga) (*Saga, error) {

	for i := len(s.CompletedSteps) - 1; i >= 0; i-- {
		name := s.CompletedSteps[i]
		step := def.step(name)
		if step == nil {
			continue
		}

		if !step.Compensatable {
			log.InfoS(ctx, "Skipping compensation",
				"saga_id", s.ID, "step", name,
				"reason", "not compensatable: already "+
					"externally observable")
			continue
		}

		if err := step.Compensate(ctx, maps.Clone(s.Context)); err != nil {
			// Compensation is best effort: record the failure and
			// keep unwinding the remaining steps.
			log.ErrorS(ctx, "Compensation handler failed", err,
				"saga_id", s.ID, "step", name)
		}

		payload, err := json.Marshal(map[string]any{"step": name})
		if err != nil {
			return nil, err
		}
		s, err = o.command(
			ctx, o.internal(rctx), s.ID, cmdCompensated, payload,
		)
		if err != nil {
			return nil, err
		}
	}

	return o.command(ctx, o.internal(rctx), s.ID, cmdFinish, nil)
}

// recordStepFailure appends the step-failed event, moving the saga into
// compensating.
func (o *Orchestrator) recordStepFailure(ctx context.Context,
	rctx authctx.Context, sagaID, step string,
	cause error) (*Saga, error) {

	payload, err := json.Marshal(map[string]any{
		"step":   step,
		"reason": cause.Error(),
	})
	if err != nil {
		return nil, err
	}

	return o.command(ctx, o.internal(rctx), sagaID, cmdStepFail, payload)
}

// internal derives a context for orchestrator-driven commands: the caller's
// correlation ID must not dedup against internal appends.
func (o *Orchestrator) internal(rctx authctx.Context) authctx.Context {
	return authctx.Context{
		TenantID:      rctx.TenantID,
		PrincipalID:   rctx.PrincipalID,
		CorrelationID: authctx.NewCorrelationID(),
	}
}

// command sends one command to the saga actor and decodes the result.
func (o *Orchestrator) command(ctx context.Context, rctx authctx.Context,
	sagaID, name string, payload json.RawMessage) (*Saga, error) {

	reply, err := o.rt.Ask(ctx, rctx, sagaID, &runtime.Command{
		Name:      name,
		Payload:   payload,
		Projector: sagaProjector,
	})
	if err != nil {
		return nil, err
	}

	s, ok := reply.Value.(*Saga)
	if !ok {
		return nil, fmt.Errorf("unexpected projection %T", reply.Value)
	}

	return s, nil
}

// Get returns the saga's current state.
func (o *Orchestrator) Get(ctx context.Context, rctx authctx.Context,
	sagaID string) (*Saga, error) {

	reply, err := o.rt.Project(ctx, rctx, sagaID, sagaProjector)
	if err != nil {
		return nil, err
	}

	return reply.Value.(*Saga), nil
}
