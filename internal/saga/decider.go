package saga

import (
	"encoding/json"
	"fmt"

	"github.com/roasbeef/loom/internal/runtime"
)

// decide builds the saga actor's decider. Each command transitions the saga
// and names the single event to append; the full post-transition saga is the
// payload.
func (o *Orchestrator) decide(def *Definition) runtime.Decider {
	return func(state json.RawMessage, cmd *runtime.Command) (string, any,
		error) {

		now := cmd.Ctx.Ports.Now()

		if cmd.Name == cmdStart {
			if len(state) > 0 && string(state) != "null" {
				return "", nil, fmt.Errorf("saga already "+
					"started: %w", ErrTerminal)
			}

			var in struct {
				SagaID  string         `json:"sagaId"`
				Context map[string]any `json:"context"`
			}
			if err := json.Unmarshal(cmd.Payload, &in); err != nil {
				return "", nil, err
			}

			s := &Saga{
				ID:           in.SagaID,
				DefinitionID: def.ID,
				State:        StateRunning,
				Context:      in.Context,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if s.Context == nil {
				s.Context = make(map[string]any)
			}

			return EvSagaStarted, s, nil
		}

		var s Saga
		if err := json.Unmarshal(state, &s); err != nil {
			return "", nil, fmt.Errorf("decode saga: %w", err)
		}
		next := s.clone()
		next.UpdatedAt = now

		switch cmd.Name {
		case cmdStepComplete:
			if next.State != StateRunning {
				return "", nil, fmt.Errorf("step completion "+
					"in state %s: %w", next.State,
					ErrTerminal)
			}

			var in struct {
				Step   string         `json:"step"`
				Output map[string]any `json:"output"`
			}
			if err := json.Unmarshal(cmd.Payload, &in); err != nil {
				return "", nil, err
			}

			next.CompletedSteps = append(
				next.CompletedSteps, in.Step,
			)
			for k, v := range in.Output {
				next.Context[k] = v
			}

			return EvSagaStepCompleted, next, nil

		case cmdStepFail:
			if next.State != StateRunning {
				return "", nil, fmt.Errorf("step failure in "+
					"state %s: %w", next.State, ErrTerminal)
			}

			var in struct {
				Step   string `json:"step"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(cmd.Payload, &in); err != nil {
				return "", nil, err
			}

			next.State = StateCompensating
			next.FailedStep = in.Step
			next.ErrorMessage = in.Reason

			return EvSagaStepFailed, next, nil

		case cmdCompensated:
			if next.State != StateCompensating {
				return "", nil, fmt.Errorf("compensation in "+
					"state %s: %w", next.State, ErrTerminal)
			}

			var in struct {
				Step string `json:"step"`
			}
			if err := json.Unmarshal(cmd.Payload, &in); err != nil {
				return "", nil, err
			}

			next.CompensatedSteps = append(
				next.CompensatedSteps, in.Step,
			)

			return EvSagaCompensated, next, nil

		case cmdFinish:
			switch next.State {
			case StateRunning:
				next.State = StateCompleted
				return EvSagaCompleted, next, nil

			case StateCompensating:
				next.State = StateFailed
				return EvSagaFailed, next, nil

			default:
				return "", nil, ErrTerminal
			}

		default:
			return "", nil, fmt.Errorf("unknown command %q",
				cmd.Name)
		}
	}
}
