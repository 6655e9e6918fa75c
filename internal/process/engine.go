package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/runtime"
)

var (
	// ErrDefinitionExists is returned when a process ID is registered
	// twice.
	ErrDefinitionExists = errors.New("process definition already " +
		"registered")

	// ErrDefinitionNotFound wraps event.ErrNotFound so it maps to the
	// NOT_FOUND wire code.
	ErrDefinitionNotFound = fmt.Errorf("process definition: %w",
		event.ErrNotFound)

	// ErrTaskNotFound likewise.
	ErrTaskNotFound = fmt.Errorf("task: %w", event.ErrNotFound)

	// ErrNotRunning is returned for commands that require a running
	// instance.
	ErrNotRunning = errors.New("instance is not running")

	// ErrNotSuspended is returned by resume on a non-suspended instance.
	ErrNotSuspended = errors.New("instance is not suspended")

	// ErrTerminal is returned for any command against a completed,
	// terminated, or failed instance.
	ErrTerminal = errors.New("instance is in a terminal state")
)

// Command names understood by the instance decider.
const (
	cmdStart        = "instance.start"
	cmdAdvance      = "instance.advance"
	cmdCompleteTask = "task.complete"
	cmdFailTask     = "task.fail"
	cmdSuspend      = "instance.suspend"
	cmdResume       = "instance.resume"
	cmdTerminate    = "instance.terminate"
)

// Event types appended by instance actors. Every payload is the full
// post-transition Instance, so the reducer is a plain replacement.
const (
	EvInstanceStarted    = "instance_started"
	EvInstanceAdvanced   = "instance_advanced"
	EvTaskCompleted      = "task_completed"
	EvTaskRetryScheduled = "task_retry_scheduled"
	EvInstanceFailed     = "instance_failed"
	EvInstanceSuspended  = "instance_suspended"
	EvInstanceResumed    = "instance_resumed"
	EvInstanceTerminated = "instance_terminated"
)

// Config tunes the engine.
type Config struct {
	// TickInterval is how often pending service tasks are executed.
	TickInterval time.Duration

	// DefaultRetry applies to service tasks without an explicit policy.
	DefaultRetry RetryPolicy

	// DefaultTimeout bounds service handlers without an explicit one.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   100 * time.Millisecond,
		DefaultRetry:   RetryPolicy{MaxAttempts: 3, Delay: time.Second},
		DefaultTimeout: 30 * time.Second,
	}
}

// instanceEntry tracks one live instance for the service-task scheduler.
type instanceEntry struct {
	tenantID   string
	instanceID string
	def        *Definition
}

// Engine interprets process definitions over event-sourced instance actors
// and schedules service-task execution.
type Engine struct {
	cfg Config
	rt  *runtime.Runtime

	mu        sync.RWMutex
	defs      map[string]*Definition
	instances map[string]instanceEntry
	inFlight  map[string]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

// NewEngine builds an engine over the runtime.
func NewEngine(cfg Config, rt *runtime.Runtime) *Engine {
	return &Engine{
		cfg:       cfg,
		rt:        rt,
		defs:      make(map[string]*Definition),
		instances: make(map[string]instanceEntry),
		inFlight:  make(map[string]struct{}),
		quit:      make(chan struct{}),
	}
}

// Register adds a process definition. Process IDs are unique per engine.
func (e *Engine) Register(def *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.defs[def.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.ID)
	}
	e.defs[def.ID] = def

	return nil
}

// definition resolves a registered process.
func (e *Engine) definition(processID string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	def, ok := e.defs[processID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound,
			processID)
	}

	return def, nil
}

// instanceReduce folds an instance event: the payload IS the instance.
func instanceReduce(_ []byte, ev event.Event) ([]byte, error) {
	return ev.Payload, nil
}

// instanceProjector decodes the instance out of the actor state.
func instanceProjector(state json.RawMessage, _ uint64) (any, error) {
	if len(state) == 0 || string(state) == "null" {
		return nil, fmt.Errorf("instance: %w", event.ErrNotFound)
	}

	var inst Instance
	if err := json.Unmarshal(state, &inst); err != nil {
		return nil, err
	}

	return &inst, nil
}

// Start creates and drives a new instance until it blocks or completes.
func (e *Engine) Start(ctx context.Context, rctx authctx.Context,
	processID, businessKey string,
	variables map[string]any) (*Instance, error) {

	def, err := e.definition(processID)
	if err != nil {
		return nil, err
	}

	instanceID := "instance-" + uuid.NewString()
	err = e.rt.Spawn(
		ctx, rctx, instanceID, nil, e.decide(def), instanceReduce,
	)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"instanceId":  instanceID,
		"businessKey": businessKey,
		"variables":   variables,
	})
	if err != nil {
		return nil, err
	}

	inst, err := e.command(ctx, rctx, instanceID, cmdStart, payload)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.instances[actorKey(rctx.TenantID, instanceID)] = instanceEntry{
		tenantID:   rctx.TenantID,
		instanceID: instanceID,
		def:        def,
	}
	e.mu.Unlock()

	log.InfoS(ctx, "Process instance started",
		"process_id", processID, "instance_id", instanceID,
		"business_key", businessKey, "tenant_id", rctx.TenantID)

	return inst, nil
}

func actorKey(tenantID, instanceID string) string {
	return tenantID + "/" + instanceID
}

// command sends one command to the instance actor and decodes the resulting
// instance. An actor that is not live but has a durable log is revived
// first, so instances survive a daemon restart.
func (e *Engine) command(ctx context.Context, rctx authctx.Context,
	instanceID, name string, payload json.RawMessage) (*Instance, error) {

	inst, err := e.askInstance(ctx, rctx, instanceID, name, payload)
	if errors.Is(err, runtime.ErrNotFound) {
		if rerr := e.revive(ctx, rctx, instanceID); rerr != nil {
			return nil, err
		}

		return e.askInstance(ctx, rctx, instanceID, name, payload)
	}

	return inst, err
}

func (e *Engine) askInstance(ctx context.Context, rctx authctx.Context,
	instanceID, name string, payload json.RawMessage) (*Instance, error) {

	reply, err := e.rt.Ask(ctx, rctx, instanceID, &runtime.Command{
		Name:      name,
		Payload:   payload,
		Projector: instanceProjector,
	})
	if err != nil {
		return nil, err
	}

	inst, ok := reply.Value.(*Instance)
	if !ok {
		return nil, fmt.Errorf("unexpected projection %T", reply.Value)
	}

	return inst, nil
}

// decideStored is the decider for revived actors: the definition is resolved
// from the process ID recorded in the instance state, command by command.
func (e *Engine) decideStored() runtime.Decider {
	return func(state json.RawMessage,
		cmd *runtime.Command) (string, any, error) {

		value, err := instanceProjector(state, 0)
		if err != nil {
			return "", nil, err
		}
		inst := value.(*Instance)

		def, err := e.definition(inst.ProcessID)
		if err != nil {
			return "", nil, err
		}

		return e.decide(def)(state, cmd)
	}
}

// revive respawns the instance actor from its durable log and re-registers
// it with the service-task scheduler.
func (e *Engine) revive(ctx context.Context, rctx authctx.Context,
	instanceID string) error {

	err := e.rt.Revive(
		ctx, rctx, instanceID, nil, e.decideStored(), instanceReduce,
	)
	if err != nil && !errors.Is(err, runtime.ErrAlreadyExists) {
		return err
	}

	reply, err := e.rt.Project(ctx, rctx, instanceID, instanceProjector)
	if err != nil {
		return err
	}
	inst := reply.Value.(*Instance)

	def, err := e.definition(inst.ProcessID)
	if err != nil {
		return err
	}

	if !inst.Status.Terminal() {
		e.mu.Lock()
		e.instances[actorKey(rctx.TenantID, instanceID)] = instanceEntry{
			tenantID:   rctx.TenantID,
			instanceID: instanceID,
			def:        def,
		}
		e.mu.Unlock()
	}

	log.InfoS(ctx, "Process instance revived",
		"process_id", inst.ProcessID, "instance_id", instanceID,
		"status", inst.Status, "tenant_id", rctx.TenantID)

	return nil
}

// Signal merges variables and advances the instance.
func (e *Engine) Signal(ctx context.Context, rctx authctx.Context,
	instanceID, name string,
	variables map[string]any) (*Instance, error) {

	return e.advanceWith(ctx, rctx, instanceID, name, variables)
}

// Message delivers a message to the instance; semantics match Signal.
func (e *Engine) Message(ctx context.Context, rctx authctx.Context,
	instanceID, name string,
	variables map[string]any) (*Instance, error) {

	return e.advanceWith(ctx, rctx, instanceID, name, variables)
}

func (e *Engine) advanceWith(ctx context.Context, rctx authctx.Context,
	instanceID, name string,
	variables map[string]any) (*Instance, error) {

	payload, err := json.Marshal(map[string]any{
		"name":      name,
		"variables": variables,
	})
	if err != nil {
		return nil, err
	}

	return e.command(ctx, rctx, instanceID, cmdAdvance, payload)
}

// CompleteTask removes the task, merges variables, and advances.
func (e *Engine) CompleteTask(ctx context.Context, rctx authctx.Context,
	instanceID, taskID string,
	variables map[string]any) (*Instance, error) {

	payload, err := json.Marshal(map[string]any{
		"taskId":    taskID,
		"variables": variables,
	})
	if err != nil {
		return nil, err
	}

	return e.command(ctx, rctx, instanceID, cmdCompleteTask, payload)
}

// Suspend pauses a running instance.
func (e *Engine) Suspend(ctx context.Context, rctx authctx.Context,
	instanceID string) (*Instance, error) {

	return e.command(ctx, rctx, instanceID, cmdSuspend, nil)
}

// Resume unpauses a suspended instance.
func (e *Engine) Resume(ctx context.Context, rctx authctx.Context,
	instanceID string) (*Instance, error) {

	return e.command(ctx, rctx, instanceID, cmdResume, nil)
}

// Terminate ends a running or suspended instance.
func (e *Engine) Terminate(ctx context.Context, rctx authctx.Context,
	instanceID string) (*Instance, error) {

	return e.command(ctx, rctx, instanceID, cmdTerminate, nil)
}

// GetInstance returns the instance's current state, reviving the actor from
// its durable log when it is not live.
func (e *Engine) GetInstance(ctx context.Context, rctx authctx.Context,
	instanceID string) (*Instance, error) {

	reply, err := e.rt.Project(ctx, rctx, instanceID, instanceProjector)
	if errors.Is(err, runtime.ErrNotFound) {
		if rerr := e.revive(ctx, rctx, instanceID); rerr != nil {
			return nil, err
		}
		reply, err = e.rt.Project(
			ctx, rctx, instanceID, instanceProjector,
		)
	}
	if err != nil {
		return nil, err
	}

	return reply.Value.(*Instance), nil
}

// GetTasks returns the instance's pending tasks.
func (e *Engine) GetTasks(ctx context.Context, rctx authctx.Context,
	instanceID string) ([]Task, error) {

	inst, err := e.GetInstance(ctx, rctx, instanceID)
	if err != nil {
		return nil, err
	}

	return inst.Tasks, nil
}

// Run executes service tasks on the tick interval until ctx is cancelled or
// Close is called.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.Tick(ctx)

			case <-ctx.Done():
				return

			case <-e.quit:
				return
			}
		}
	}()
}

// Close stops the scheduler and waits for in-flight service tasks.
func (e *Engine) Close() {
	e.once.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// Tick runs one scheduling round: every pending service task whose backoff
// has elapsed is executed, each on its own goroutine.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.RLock()
	entries := make([]instanceEntry, 0, len(e.instances))
	for _, entry := range e.instances {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, entry := range entries {
		rctx := authctx.Context{
			TenantID:      entry.tenantID,
			CorrelationID: authctx.NewCorrelationID(),
		}

		inst, err := e.GetInstance(ctx, rctx, entry.instanceID)
		if err != nil {
			continue
		}
		if inst.Status.Terminal() {
			e.mu.Lock()
			delete(e.instances, actorKey(
				entry.tenantID, entry.instanceID,
			))
			e.mu.Unlock()
			continue
		}
		if inst.Status != StatusRunning {
			continue
		}

		for _, task := range inst.Tasks {
			if task.Kind != TaskService {
				continue
			}
			if !task.NotBefore.IsZero() &&
				task.NotBefore.After(now) {

				continue
			}
			e.dispatchServiceTask(ctx, entry, task)
		}
	}
}

// dispatchServiceTask runs one handler invocation asynchronously, guarding
// against double execution with the in-flight set.
func (e *Engine) dispatchServiceTask(ctx context.Context,
	entry instanceEntry, task Task) {

	key := actorKey(entry.tenantID, entry.instanceID) + "/" + task.TaskID

	e.mu.Lock()
	if _, busy := e.inFlight[key]; busy {
		e.mu.Unlock()
		return
	}
	e.inFlight[key] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, key)
			e.mu.Unlock()
		}()

		e.runServiceTask(ctx, entry, task)
	}()
}

// runServiceTask invokes the handler with the task timeout and reports the
// outcome back to the instance actor.
func (e *Engine) runServiceTask(ctx context.Context, entry instanceEntry,
	task Task) {

	node := entry.def.Node(task.NodeID)
	if node == nil || node.Handler == nil {
		return
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rctx := authctx.Context{
		TenantID:      entry.tenantID,
		CorrelationID: authctx.NewCorrelationID(),
	}

	output, err := node.Handler(handlerCtx, task.Variables)
	if err != nil {
		log.WarnS(ctx, "Service task failed", err,
			"instance_id", entry.instanceID,
			"task", task.Name, "attempt", task.Attempts+1)

		payload, merr := json.Marshal(map[string]any{
			"taskId": task.TaskID,
			"reason": err.Error(),
		})
		if merr != nil {
			return
		}
		_, _ = e.command(
			ctx, rctx, entry.instanceID, cmdFailTask, payload,
		)

		return
	}

	payload, err := json.Marshal(map[string]any{
		"taskId":    task.TaskID,
		"variables": output,
	})
	if err != nil {
		return
	}
	_, err = e.command(
		ctx, rctx, entry.instanceID, cmdCompleteTask, payload,
	)
	if err != nil {
		log.WarnS(ctx, "Service task completion rejected", err,
			"instance_id", entry.instanceID, "task", task.Name)
	}
}
