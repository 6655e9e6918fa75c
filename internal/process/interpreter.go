package process

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/loom/internal/runtime"
)

// decide builds the instance actor's decider for one definition. Each
// command transitions the instance and names the single event to append; the
// full post-transition instance is the payload, which keeps replay a plain
// replacement fold.
func (e *Engine) decide(def *Definition) runtime.Decider {
	return func(state json.RawMessage, cmd *runtime.Command) (string, any,
		error) {

		now := cmd.Ctx.Ports.Now()

		if cmd.Name == cmdStart {
			if len(state) > 0 && string(state) != "null" {
				return "", nil, fmt.Errorf("instance already "+
					"started: %w", ErrTerminal)
			}

			return e.decideStart(def, cmd, now)
		}

		var inst Instance
		if err := json.Unmarshal(state, &inst); err != nil {
			return "", nil, fmt.Errorf("decode instance: %w", err)
		}
		next := inst.clone()
		next.UpdatedAt = now

		switch cmd.Name {
		case cmdAdvance:
			return e.decideAdvance(def, next, cmd)

		case cmdCompleteTask:
			return e.decideCompleteTask(def, next, cmd)

		case cmdFailTask:
			return e.decideFailTask(def, next, cmd, now)

		case cmdSuspend:
			if next.Status.Terminal() {
				return "", nil, ErrTerminal
			}
			if next.Status != StatusRunning {
				return "", nil, ErrNotRunning
			}
			next.Status = StatusSuspended

			return EvInstanceSuspended, next, nil

		case cmdResume:
			if next.Status.Terminal() {
				return "", nil, ErrTerminal
			}
			if next.Status != StatusSuspended {
				return "", nil, ErrNotSuspended
			}
			next.Status = StatusRunning

			return EvInstanceResumed, next, nil

		case cmdTerminate:
			if next.Status.Terminal() {
				return "", nil, ErrTerminal
			}
			next.Status = StatusTerminated
			next.Tasks = nil
			next.JoinArrivals = nil

			return EvInstanceTerminated, next, nil

		default:
			return "", nil, fmt.Errorf("unknown command %q",
				cmd.Name)
		}
	}
}

func (e *Engine) decideStart(def *Definition, cmd *runtime.Command,
	now time.Time) (string, any, error) {

	var in struct {
		InstanceID  string         `json:"instanceId"`
		BusinessKey string         `json:"businessKey"`
		Variables   map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return "", nil, err
	}

	inst := &Instance{
		ID:          in.InstanceID,
		ProcessID:   def.ID,
		BusinessKey: in.BusinessKey,
		Status:      StatusRunning,
		Variables:   in.Variables,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}

	e.enter(def, inst, def.StartID)
	e.settle(inst)

	return EvInstanceStarted, inst, nil
}

func (e *Engine) decideAdvance(def *Definition, next *Instance,
	cmd *runtime.Command) (string, any, error) {

	if next.Status.Terminal() {
		return "", nil, ErrTerminal
	}
	if next.Status != StatusRunning {
		return "", nil, ErrNotRunning
	}

	var in struct {
		Name      string         `json:"name"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return "", nil, err
	}

	next.mergeVariables(in.Variables)
	e.settle(next)

	return EvInstanceAdvanced, next, nil
}

func (e *Engine) decideCompleteTask(def *Definition, next *Instance,
	cmd *runtime.Command) (string, any, error) {

	if next.Status.Terminal() {
		return "", nil, ErrTerminal
	}
	if next.Status != StatusRunning {
		return "", nil, ErrNotRunning
	}

	var in struct {
		TaskID    string         `json:"taskId"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return "", nil, err
	}

	i := next.taskByID(in.TaskID)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrTaskNotFound,
			in.TaskID)
	}
	task := next.Tasks[i]
	next.removeTask(i)
	next.mergeVariables(in.Variables)

	// The token resting at the task node moves on.
	node := def.Node(task.NodeID)
	if node != nil && len(node.Next) > 0 {
		e.enter(def, next, node.Next[0])
	}
	e.settle(next)

	return EvTaskCompleted, next, nil
}

func (e *Engine) decideFailTask(def *Definition, next *Instance,
	cmd *runtime.Command, now time.Time) (string, any, error) {

	if next.Status != StatusRunning {
		return "", nil, ErrNotRunning
	}

	var in struct {
		TaskID string `json:"taskId"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(cmd.Payload, &in); err != nil {
		return "", nil, err
	}

	i := next.taskByID(in.TaskID)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrTaskNotFound,
			in.TaskID)
	}
	task := &next.Tasks[i]
	task.Attempts++
	task.LastError = in.Reason

	retry := e.retryPolicy(def, task.NodeID)
	if task.Attempts >= retry.MaxAttempts {
		next.Status = StatusFailed
		next.FailureReason = fmt.Sprintf("task %s failed after %d "+
			"attempts: %s", task.Name, task.Attempts, in.Reason)
		next.Tasks = nil

		return EvInstanceFailed, next, nil
	}

	task.NotBefore = now.Add(retry.Delay)

	return EvTaskRetryScheduled, next, nil
}

// retryPolicy resolves the effective policy for a service-task node.
func (e *Engine) retryPolicy(def *Definition, nodeID string) RetryPolicy {
	retry := e.cfg.DefaultRetry
	if node := def.Node(nodeID); node != nil &&
		node.Retry.MaxAttempts > 0 {

		retry = node.Retry
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}

	return retry
}

// enter moves a token into the named node, cascading through pass-through
// nodes until each token path rests at a task, a waiting join, or is
// consumed by an end event.
func (e *Engine) enter(def *Definition, inst *Instance, nodeID string) {
	node := def.Node(nodeID)
	if node == nil {
		inst.Status = StatusFailed
		inst.FailureReason = fmt.Sprintf("unknown node %q", nodeID)
		return
	}

	switch node.Kind {
	case KindStart:
		e.enter(def, inst, node.Next[0])

	case KindEnd:
		// Token consumed; settle decides completion.

	case KindServiceTask, KindUserTask:
		kind := TaskService
		if node.Kind == KindUserTask {
			kind = TaskUser
		}
		inst.Tasks = append(inst.Tasks, Task{
			TaskID:     "task-" + uuid.NewString(),
			InstanceID: inst.ID,
			Name:       node.ID,
			Kind:       kind,
			Assignee:   node.Assignee,
			DueDate:    node.DueDate,
			Priority:   node.Priority,
			Variables:  inst.Variables,
			NodeID:     node.ID,
		})

	case KindExclusiveGateway:
		e.routeExclusive(def, inst, node)

	case KindParallelGateway:
		for _, next := range node.Next {
			e.enter(def, inst, next)
		}

	case KindParallelJoin:
		if inst.JoinArrivals == nil {
			inst.JoinArrivals = make(map[string]int)
		}
		inst.JoinArrivals[node.ID]++
		if inst.JoinArrivals[node.ID] >= node.joinWidth {
			delete(inst.JoinArrivals, node.ID)
			e.enter(def, inst, node.Next[0])
		}
	}
}

// routeExclusive picks the first matching When arm, else the Otherwise arm.
// A gateway with no matching arm fails the instance.
func (e *Engine) routeExclusive(def *Definition, inst *Instance, node *Node) {
	var otherwise string
	hasOtherwise := false

	for _, br := range node.branches {
		if br.otherwise {
			otherwise = br.target
			hasOtherwise = true
			continue
		}
		if EvalCondition(br.expr, inst.Variables) {
			e.enter(def, inst, br.target)
			return
		}
	}

	if hasOtherwise {
		e.enter(def, inst, otherwise)
		return
	}

	inst.Status = StatusFailed
	inst.FailureReason = fmt.Sprintf("gateway %s: no matching branch",
		node.ID)
}

// settle resolves the instance status after token movement: a running
// instance with nothing pending has reached its end events.
func (e *Engine) settle(inst *Instance) {
	if inst.Status == StatusRunning && len(inst.Tasks) == 0 &&
		len(inst.JoinArrivals) == 0 {

		inst.Status = StatusCompleted
	}
}
