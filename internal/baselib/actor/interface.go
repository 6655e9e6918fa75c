// Package actor implements the mailboxed actor substrate that the loom
// runtime is built on: typed messages, bounded FIFO mailboxes, promise/future
// request-response, and one-for-one supervision with a bounded restart
// budget. Within a single actor message handling is strictly serial; across
// actors it is fully concurrent.
package actor

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrActorTerminated indicates that an operation failed because the
	// target actor was terminated or is shutting down.
	ErrActorTerminated = errors.New("actor terminated")

	// ErrMailboxFull indicates a non-blocking send found the target
	// mailbox at capacity. The message was not enqueued; the caller may
	// retry after backing off.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrActorExists indicates a spawn attempt reused the ID of a live
	// actor.
	ErrActorExists = errors.New("actor id already exists")

	// ErrRestartBudgetExhausted indicates an actor failed more times than
	// its supervisor allows and has been stopped for good.
	ErrRestartBudgetExhausted = errors.New("actor restart budget exhausted")

	// ErrServiceKeyTypeMismatch indicates that a registration attempt
	// reused a service key name with different message or response types.
	ErrServiceKeyTypeMismatch = errors.New("service key type mismatch")
)

// BaseMessage can be embedded in message types defined outside this package
// to satisfy the Message interface's unexported marker method.
type BaseMessage struct{}

func (BaseMessage) messageMarker() {}

// Message is the sealed interface for actor messages. Only types embedding
// BaseMessage (or defined in this package) can implement it.
type Message interface {
	messageMarker()

	// MessageType returns the type name of the message for routing and
	// log filtering.
	MessageType() string
}

// Future represents the result of an asynchronous computation.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]
}

// Promise is the producer side of a Future.
type Promise[T any] interface {
	// Future returns the Future associated with this Promise.
	Future() Future[T]

	// Complete attempts to set the result. It returns true if this call
	// was the one that completed the future.
	Complete(result fn.Result[T]) bool
}

// BaseActorRef is the non-generic base interface for all actor references,
// enabling heterogeneous reference collections such as the receptionist's
// registration map.
type BaseActorRef interface {
	// ID returns the unique identifier for this actor.
	ID() string
}

// TellOnlyRef is a reference restricted to fire-and-forget sends.
type TellOnlyRef[M Message] interface {
	BaseActorRef

	// Tell sends a message without waiting for a response. Under the
	// default drop-newest policy a full mailbox fails immediately with
	// ErrMailboxFull; under the blocking policy the send waits until the
	// mailbox accepts the message or the context expires.
	Tell(ctx context.Context, msg M) error
}

// ActorRef is a reference supporting both tell and ask interactions.
type ActorRef[M Message, R any] interface {
	TellOnlyRef[M]

	// Ask sends a message and returns a Future for the response. The
	// future completes with the behavior's reply, or with an error if the
	// send fails or the actor terminates first.
	Ask(ctx context.Context, msg M) Future[R]
}

// Behavior defines how an actor reacts to messages. The context passed to
// Receive merges the actor's lifecycle context with the caller's request
// context for ask interactions, so behaviors observe both system shutdown
// and caller deadlines.
type Behavior[M Message, R any] interface {
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// Stoppable is an optional behavior extension invoked during actor shutdown,
// after the message loop exits, to release external resources.
type Stoppable interface {
	OnStop(ctx context.Context) error
}

// Restartable is an optional behavior extension invoked by the supervisor
// after a failure and before the next message is processed. Event-sourced
// behaviors use this hook to rehydrate their state from the last durable
// version.
type Restartable interface {
	OnRestart(ctx context.Context) error
}

// SendPolicy selects how Tell behaves against a full mailbox.
type SendPolicy uint8

const (
	// SendDropNewest rejects the message immediately with ErrMailboxFull.
	// This is the default.
	SendDropNewest SendPolicy = iota

	// SendBlock waits until the mailbox accepts the message or the
	// caller's context expires.
	SendBlock
)

// SupervisorConfig bounds the one-for-one restart policy applied when a
// behavior fails (panics, or returns an error result for actors spawned with
// RestartOnError).
type SupervisorConfig struct {
	// MaxRestarts is the number of restarts tolerated within one restart
	// window before the actor is stopped permanently.
	MaxRestarts int

	// RestartDelay is slept between a failure and the restart.
	RestartDelay time.Duration

	// RestartWindow is the quiet period after which the restart counter
	// resets.
	RestartWindow time.Duration
}

// DefaultSupervisorConfig returns the restart policy used when none is
// specified.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:   3,
		RestartDelay:  100 * time.Millisecond,
		RestartWindow: time.Minute,
	}
}

// Mailbox is the interface for an actor's message queue.
//
// Send and TrySend may be called concurrently; Receive and Drain are owned
// by the actor's process loop; Close is idempotent and may race with sends.
type Mailbox[M Message, R any] interface {
	// Send blocks until the envelope is accepted, the caller's context is
	// cancelled, or the actor's context is cancelled. It reports whether
	// the envelope was enqueued.
	Send(ctx context.Context, env envelope[M, R]) bool

	// TrySend enqueues without blocking, reporting false when the mailbox
	// is full or closed.
	TrySend(env envelope[M, R]) bool

	// Receive iterates envelopes as they arrive, stopping when the
	// context is cancelled or the mailbox is closed and exhausted.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	// Close prevents further sends. Idempotent.
	Close()

	// IsClosed reports whether Close has been called.
	IsClosed() bool

	// Drain iterates envelopes remaining after Close.
	Drain() iter.Seq[envelope[M, R]]

	// Len returns the number of queued envelopes.
	Len() int
}
