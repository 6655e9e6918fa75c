package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// mergeContexts creates a context that cancels when either parent cancels,
// preserving the earliest deadline. Used for ask interactions so behaviors
// observe both actor shutdown and the caller's deadline. The watcher
// goroutine exits as soon as any cancellation is observed.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context,
	context.CancelFunc) {

	deadline1, hasDeadline1 := ctx1.Deadline()
	deadline2, hasDeadline2 := ctx2.Deadline()

	baseCtx := ctx1
	if hasDeadline2 && (!hasDeadline1 || deadline2.Before(deadline1)) {
		baseCtx = ctx2
	}

	mergedCtx, cancel := context.WithCancel(baseCtx)

	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-mergedCtx.Done():
		}
	}()

	return mergedCtx, cancel
}

// Config holds the parameters for creating a new Actor.
type Config[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior Behavior[M, R]

	// DLO is the dead letter office messages are routed to when they
	// cannot be delivered or processed.
	DLO ActorRef[Message, any]

	// MailboxSize is the buffer capacity of the actor's mailbox.
	MailboxSize int

	// SendPolicy selects drop-newest or blocking Tell semantics.
	SendPolicy SendPolicy

	// Supervisor bounds the restart policy. The zero value selects
	// DefaultSupervisorConfig.
	Supervisor SupervisorConfig

	// RestartOnError widens supervision to cover error results from the
	// behavior, not just panics. Event-sourced actors set this so a
	// failed fold triggers rehydration from the durable log.
	RestartOnError bool

	// OnFailure, when non-nil, is invoked with every supervised failure,
	// letting the owner record the actor's last error.
	OnFailure func(err error)

	// Wg, when non-nil, tracks the actor goroutine for deterministic
	// shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout bounds OnStop cleanup. None selects 5 seconds.
	CleanupTimeout fn.Option[time.Duration]
}

// Actor processes messages from its mailbox sequentially in its own
// goroutine. Failures are handled one-for-one: the actor is restarted in
// place (mailbox and pending messages intact, original arrival order
// preserved) until the restart budget is exhausted.
type Actor[M Message, R any] struct {
	id       string
	behavior Behavior[M, R]
	mailbox  Mailbox[M, R]

	ctx    context.Context
	cancel context.CancelFunc

	dlo            ActorRef[Message, any]
	sendPolicy     SendPolicy
	supervisor     SupervisorConfig
	restartOnError bool
	onFailure      func(err error)

	wg             *sync.WaitGroup
	cleanupTimeout time.Duration

	// done is closed when the process loop has fully exited.
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	ref ActorRef[M, R]
}

// New creates an actor from the config without starting its process loop.
func New[M Message, R any](cfg Config[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	capacity := cfg.MailboxSize
	if capacity <= 0 {
		capacity = 1
	}

	supervisor := cfg.Supervisor
	if supervisor == (SupervisorConfig{}) {
		supervisor = DefaultSupervisorConfig()
	}

	a := &Actor[M, R]{
		id:             cfg.ID,
		behavior:       cfg.Behavior,
		mailbox:        newChannelMailbox[M, R](ctx, capacity),
		ctx:            ctx,
		cancel:         cancel,
		dlo:            cfg.DLO,
		sendPolicy:     cfg.SendPolicy,
		supervisor:     supervisor,
		restartOnError: cfg.RestartOnError,
		onFailure:      cfg.OnFailure,
		wg:             cfg.Wg,
		cleanupTimeout: cfg.CleanupTimeout.UnwrapOr(5 * time.Second),
		done:           make(chan struct{}),
	}
	a.ref = &actorRef[M, R]{actor: a}

	return a
}

// Start launches the actor's process loop. Repeated calls are no-ops.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// safeReceive invokes the behavior, converting a panic into an error result
// so one bad message cannot take down the process.
func (a *Actor[M, R]) safeReceive(ctx context.Context,
	msg M) (result fn.Result[R], panicked bool) {

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			result = fn.Err[R](fmt.Errorf(
				"behavior panic on %s: %v",
				msg.MessageType(), r,
			))
		}
	}()

	return a.behavior.Receive(ctx, msg), false
}

// process is the actor's main loop: receive, invoke, reply, supervise.
func (a *Actor[M, R]) process() {
	if a.wg != nil {
		defer a.wg.Done()
	}
	defer close(a.done)

	var (
		restarts    int
		lastFailure time.Time
	)

	for env := range a.mailbox.Receive(a.ctx) {
		// Asks observe the caller's deadline as well as actor
		// shutdown; tells keep fire-and-forget semantics and only
		// observe the actor's own context.
		processCtx := a.ctx
		cancel := context.CancelFunc(func() {})
		if env.promise != nil {
			processCtx, cancel = mergeContexts(a.ctx, env.callerCtx)
		}

		result, panicked := a.safeReceive(processCtx, env.message)
		cancel()

		if env.promise != nil {
			env.promise.Complete(result)
		}

		failed := panicked || (a.restartOnError && result.IsErr())
		if !failed {
			continue
		}

		err := result.Err()
		log.WarnS(a.ctx, "Actor behavior failed", err,
			"actor_id", a.id,
			"msg_type", env.message.MessageType())

		if a.onFailure != nil {
			a.onFailure(err)
		}

		// One-for-one supervision: restart in place while within
		// budget, stop for good otherwise. A quiet period longer
		// than the restart window resets the counter.
		now := time.Now()
		if now.Sub(lastFailure) > a.supervisor.RestartWindow {
			restarts = 0
		}
		restarts++
		lastFailure = now

		if restarts > a.supervisor.MaxRestarts {
			budgetErr := fmt.Errorf("%w: %d failures within %v",
				ErrRestartBudgetExhausted, restarts,
				a.supervisor.RestartWindow)

			log.ErrorS(a.ctx, "Actor stopped", budgetErr,
				"actor_id", a.id)

			if a.onFailure != nil {
				a.onFailure(budgetErr)
			}
			a.cancel()

			continue
		}

		select {
		case <-time.After(a.supervisor.RestartDelay):
		case <-a.ctx.Done():
			continue
		}

		if restartable, ok := a.behavior.(Restartable); ok {
			if err := restartable.OnRestart(a.ctx); err != nil {
				log.ErrorS(a.ctx, "Actor restart hook failed",
					err, "actor_id", a.id)

				if a.onFailure != nil {
					a.onFailure(err)
				}
				a.cancel()

				continue
			}
		}

		log.InfoS(a.ctx, "Actor restarted",
			"actor_id", a.id,
			"restart_count", restarts)
	}

	// The loop has exited: the actor context was cancelled or the
	// mailbox was closed for a graceful stop. Close the mailbox (a
	// no-op if already closed) and route leftovers to the DLO.
	a.mailbox.Close()

	drained := 0
	for env := range a.mailbox.Drain() {
		drained++

		if a.dlo != nil {
			_ = a.dlo.Tell(context.Background(), env.message)
		}
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		defer cancel()

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error", err,
				"actor_id", a.id)
		}
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drained)
}

// Stop terminates the actor immediately. Pending mailbox messages are
// drained to the DLO and pending asks fail with ErrActorTerminated.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// StopGracefully closes the mailbox to new sends, lets the actor finish the
// messages already queued, and interrupts it if the grace deadline passes
// first. It blocks until the actor goroutine has exited.
func (a *Actor[M, R]) StopGracefully(grace time.Duration) {
	a.mailbox.Close()

	select {
	case <-a.done:

	case <-time.After(grace):
		log.WarnS(a.ctx, "Actor grace period expired, interrupting",
			nil, "actor_id", a.id)

		a.Stop()
		<-a.done
	}
}

// Done is closed once the actor's goroutine has fully exited.
func (a *Actor[M, R]) Done() <-chan struct{} {
	return a.done
}

// Ref returns the reference clients use to message the actor.
func (a *Actor[M, R]) Ref() ActorRef[M, R] {
	return a.ref
}

// actorRef is the concrete ActorRef implementation.
type actorRef[M Message, R any] struct {
	actor *Actor[M, R]
}

// ID returns the actor's unique identifier.
func (r *actorRef[M, R]) ID() string {
	return r.actor.id
}

// Tell sends a message without waiting for a response. The configured send
// policy decides what a full mailbox means: an immediate ErrMailboxFull
// (drop-newest, the default), or blocking until space frees or the context
// expires.
func (r *actorRef[M, R]) Tell(ctx context.Context, msg M) error {
	if r.actor.ctx.Err() != nil {
		return ErrActorTerminated
	}

	env := envelope[M, R]{message: msg, callerCtx: ctx}

	switch r.actor.sendPolicy {
	case SendBlock:
		if !r.actor.mailbox.Send(ctx, env) {
			if r.actor.ctx.Err() != nil {
				return ErrActorTerminated
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			return ErrActorTerminated
		}

	default:
		if !r.actor.mailbox.TrySend(env) {
			if r.actor.ctx.Err() != nil ||
				r.actor.mailbox.IsClosed() {

				return ErrActorTerminated
			}

			return ErrMailboxFull
		}
	}

	return nil
}

// Ask sends a message and returns a future for the behavior's reply.
func (r *actorRef[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	if r.actor.ctx.Err() != nil {
		return CompletedFuture(fn.Err[R](ErrActorTerminated))
	}

	promise := NewPromise[R]()
	env := envelope[M, R]{
		message:   msg,
		promise:   promise,
		callerCtx: ctx,
	}

	var sent bool
	switch r.actor.sendPolicy {
	case SendBlock:
		sent = r.actor.mailbox.Send(ctx, env)
	default:
		sent = r.actor.mailbox.TrySend(env)
	}

	if !sent {
		switch {
		case r.actor.ctx.Err() != nil || r.actor.mailbox.IsClosed():
			promise.Complete(fn.Err[R](ErrActorTerminated))

		case ctx.Err() != nil:
			promise.Complete(fn.Err[R](ctx.Err()))

		default:
			promise.Complete(fn.Err[R](ErrMailboxFull))
		}
	}

	return promise.Future()
}
