package runtime

import (
	"encoding/json"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/baselib/actor"
	"github.com/roasbeef/loom/internal/event"
)

// Msg is the sealed message interface for runtime actors.
type Msg interface {
	actor.Message

	runtimeMsg()
}

// Projector derives a caller-visible value from an actor's folded state. It
// runs inside the actor, after the triggering command's event (if any) has
// been folded in, so asks observe their own writes.
type Projector func(state json.RawMessage, version uint64) (any, error)

// Command asks an actor to decide on exactly one event and append it. The
// embedded request context supplies the tenant, the correlation ID used for
// idempotency, and the capability ports.
type Command struct {
	actor.BaseMessage

	// Name is the domain command name, e.g. "process.signal".
	Name string

	// Payload is the opaque command input.
	Payload json.RawMessage

	// Ctx is the originating request context.
	Ctx authctx.Context

	// Projector, when non-nil, projects the post-fold state into the
	// reply value.
	Projector Projector
}

// MessageType implements actor.Message.
func (c *Command) MessageType() string {
	return "runtime.command"
}

func (c *Command) runtimeMsg() {}

// Query reads an actor's state without appending anything.
type Query struct {
	actor.BaseMessage

	// Ctx is the originating request context.
	Ctx authctx.Context

	// Projector derives the reply value. Required.
	Projector Projector
}

// MessageType implements actor.Message.
func (q *Query) MessageType() string {
	return "runtime.query"
}

func (q *Query) runtimeMsg() {}

// Reply is the response to any runtime message.
type Reply struct {
	// Version is the actor's log head after the message was handled.
	Version uint64

	// Event is the appended (or, for deduplicated commands, previously
	// appended) event. Nil for queries.
	Event *event.Event

	// Value is the projector's output, nil when no projector was given.
	Value any

	// Deduped is true when the command was answered from the correlation
	// index without executing the decider again.
	Deduped bool
}

// Decider is the command half of a behavior: given the current state and a
// command, it names the single event to append. The runtime folds the stored
// event back into state through the behavior's reducer, so deciders never
// mutate state directly.
type Decider func(state json.RawMessage, cmd *Command) (eventType string,
	payload any, err error)
