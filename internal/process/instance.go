package process

import (
	"maps"
	"time"
)

// Status is the instance lifecycle state.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated ||
		s == StatusFailed
}

// TaskKind enumerates task node flavors surfaced to clients.
type TaskKind string

const (
	TaskUser         TaskKind = "user"
	TaskService      TaskKind = "service"
	TaskSend         TaskKind = "send"
	TaskReceive      TaskKind = "receive"
	TaskManual       TaskKind = "manual"
	TaskBusinessRule TaskKind = "businessRule"
)

// Task is a pending unit of work blocking a token.
type Task struct {
	TaskID     string         `json:"taskId"`
	InstanceID string         `json:"instanceId"`
	Name       string         `json:"name"`
	Kind       TaskKind       `json:"kind"`
	Assignee   string         `json:"assignee,omitempty"`
	DueDate    string         `json:"dueDate,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`

	// NodeID is the graph node the task's token rests at.
	NodeID string `json:"nodeId"`

	// Attempts counts handler invocations for service tasks.
	Attempts int `json:"attempts,omitempty"`

	// NotBefore delays the next service-task attempt for retry backoff.
	NotBefore time.Time `json:"notBefore,omitempty"`

	// LastError records the most recent handler failure.
	LastError string `json:"lastError,omitempty"`
}

// Instance is the full state of one process instance. It is the payload of
// every instance event, so folding the log is a plain replacement and replay
// is trivially deterministic.
type Instance struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"processId"`
	BusinessKey string         `json:"businessKey,omitempty"`
	Status      Status         `json:"status"`
	Variables   map[string]any `json:"variables"`

	// Tasks are the pending tasks, service and user alike.
	Tasks []Task `json:"tasks,omitempty"`

	// JoinArrivals counts tokens that reached each parallel join.
	JoinArrivals map[string]int `json:"joinArrivals,omitempty"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// clone returns a deep-enough copy for the interpreter to mutate.
func (in *Instance) clone() *Instance {
	out := *in
	out.Variables = maps.Clone(in.Variables)
	out.Tasks = append([]Task(nil), in.Tasks...)
	out.JoinArrivals = maps.Clone(in.JoinArrivals)

	return &out
}

// mergeVariables shallow-merges src into the instance variables.
func (in *Instance) mergeVariables(src map[string]any) {
	if len(src) == 0 {
		return
	}
	if in.Variables == nil {
		in.Variables = make(map[string]any, len(src))
	}
	maps.Copy(in.Variables, src)
}

// taskByID returns the index of the task or -1.
func (in *Instance) taskByID(taskID string) int {
	for i, task := range in.Tasks {
		if task.TaskID == taskID {
			return i
		}
	}

	return -1
}

// removeTask deletes the task at index i preserving order.
func (in *Instance) removeTask(i int) {
	in.Tasks = append(in.Tasks[:i], in.Tasks[i+1:]...)
}

// UserTasks filters the pending tasks to externally-completed ones.
func (in *Instance) UserTasks() []Task {
	var out []Task
	for _, task := range in.Tasks {
		if task.Kind != TaskService {
			out = append(out, task)
		}
	}

	return out
}
