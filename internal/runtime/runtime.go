// Package runtime composes the actor substrate with the event store into an
// event-sourced actor runtime: every accepted command appends exactly one
// event via compare-and-swap, state is the deterministic fold of the log, and
// supervised restarts rehydrate from snapshot plus replay.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/baselib/actor"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/vclock"
)

var (
	// ErrAlreadyExists is returned by Spawn when the actor is live.
	ErrAlreadyExists = errors.New("actor already exists")

	// ErrNotFound is returned when the target actor is not live for the
	// caller's tenant. Cross-tenant lookups produce this too.
	ErrNotFound = errors.New("actor not found")
)

// Config tunes the runtime.
type Config struct {
	// NodeID identifies this runtime instance in vector clocks.
	NodeID string

	// MessageTimeout bounds each ask, default 30s.
	MessageTimeout time.Duration

	// MailboxCapacity bounds each actor's mailbox.
	MailboxCapacity int

	// Supervisor is the one-for-one restart policy applied to every
	// runtime actor.
	Supervisor actor.SupervisorConfig

	// SnapshotPolicy controls when snapshots are taken.
	SnapshotPolicy event.SnapshotPolicy

	// AppendRetries bounds CAS retry attempts when an external writer
	// moved the log head under us.
	AppendRetries int
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:          nodeID,
		MessageTimeout:  30 * time.Second,
		MailboxCapacity: 1000,
		Supervisor:      actor.DefaultSupervisorConfig(),
		SnapshotPolicy:  event.DefaultSnapshotPolicy(),
		AppendRetries:   3,
	}
}

// Runtime owns the live event-sourced actors. All operations are
// tenant-scoped through the request context they take.
type Runtime struct {
	cfg    Config
	system *actor.ActorSystem
	store  event.Store
	snaps  *event.SnapshotManager
	bus    authctx.Publisher

	mu     sync.RWMutex
	actors map[string]actor.ActorRef[Msg, Reply]
}

// New builds a runtime over the given actor system and store. bus may be nil
// when no transport fan-out is wanted.
func New(cfg Config, system *actor.ActorSystem, store event.Store,
	bus authctx.Publisher) (*Runtime, error) {

	snaps, err := event.NewSnapshotManager(store, cfg.SnapshotPolicy)
	if err != nil {
		return nil, fmt.Errorf("create snapshot manager: %w", err)
	}

	return &Runtime{
		cfg:    cfg,
		system: system,
		store:  store,
		snaps:  snaps,
		bus:    bus,
		actors: make(map[string]actor.ActorRef[Msg, Reply]),
	}, nil
}

// actorKey scopes the live-actor registry by tenant, so identical actor IDs
// under different tenants are distinct actors.
func actorKey(tenantID, actorID string) string {
	return tenantID + "/" + actorID
}

// Spawn creates a live actor for rctx's tenant, rehydrating any existing log
// for the ID. It fails with ErrAlreadyExists when the actor is live.
func (rt *Runtime) Spawn(ctx context.Context, rctx authctx.Context,
	actorID string, initial json.RawMessage, decide Decider,
	reduce event.Reducer) error {

	key := actorKey(rctx.TenantID, actorID)

	b := &behavior{
		rt:       rt,
		tenantID: rctx.TenantID,
		actorID:  actorID,
		decide:   decide,
		reduce:   reduce,
		initial:  initial,
		clock:    vclock.New(),
	}
	if err := b.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate %s: %w", actorID, err)
	}

	ref, err := actor.Spawn[Msg, Reply](
		rt.system, key, b,
		actor.WithMailboxSize(rt.cfg.MailboxCapacity),
		actor.WithSupervisor(rt.cfg.Supervisor),
		actor.WithRestartOnError(),
	)
	if err != nil {
		if errors.Is(err, actor.ErrActorExists) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, actorID)
		}
		return err
	}

	rt.mu.Lock()
	rt.actors[key] = ref
	rt.mu.Unlock()

	log.DebugS(ctx, "Runtime actor spawned", "actor_id", actorID,
		"tenant_id", rctx.TenantID, "version", b.version)

	return nil
}

// Revive spawns an actor for an ID that already has a durable log, for
// example after a daemon restart. An empty log fails with ErrNotFound, so
// callers cannot conjure actors for IDs that never existed.
func (rt *Runtime) Revive(ctx context.Context, rctx authctx.Context,
	actorID string, initial json.RawMessage, decide Decider,
	reduce event.Reducer) error {

	version, err := rt.store.LatestVersion(ctx, rctx.TenantID, actorID)
	if err != nil {
		return err
	}
	if version == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}

	return rt.Spawn(ctx, rctx, actorID, initial, decide, reduce)
}

// lookup resolves a live actor within the caller's tenant.
func (rt *Runtime) lookup(rctx authctx.Context,
	actorID string) (actor.ActorRef[Msg, Reply], error) {

	rt.mu.RLock()
	ref, ok := rt.actors[actorKey(rctx.TenantID, actorID)]
	rt.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}

	return ref, nil
}

// IsLive reports whether the actor is live for the caller's tenant.
func (rt *Runtime) IsLive(rctx authctx.Context, actorID string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	_, ok := rt.actors[actorKey(rctx.TenantID, actorID)]

	return ok
}

// Tell fires a command without waiting for the result. A full mailbox under
// the drop-newest policy fails with actor.ErrMailboxFull.
func (rt *Runtime) Tell(ctx context.Context, rctx authctx.Context,
	actorID string, cmd *Command) error {

	ref, err := rt.lookup(rctx, actorID)
	if err != nil {
		return err
	}
	cmd.Ctx = rctx

	return ref.Tell(ctx, cmd)
}

// Ask sends a message and awaits the reply, bounded by MessageTimeout.
func (rt *Runtime) Ask(ctx context.Context, rctx authctx.Context,
	actorID string, msg Msg) (Reply, error) {

	ref, err := rt.lookup(rctx, actorID)
	if err != nil {
		return Reply{}, err
	}

	switch m := msg.(type) {
	case *Command:
		m.Ctx = rctx
	case *Query:
		m.Ctx = rctx
	}

	askCtx, cancel := context.WithTimeout(ctx, rt.cfg.MessageTimeout)
	defer cancel()

	return ref.Ask(askCtx, msg).Await(askCtx).Unpack()
}

// Project is an Ask that only reads: the projector runs against the actor's
// current state.
func (rt *Runtime) Project(ctx context.Context, rctx authctx.Context,
	actorID string, project Projector) (Reply, error) {

	return rt.Ask(ctx, rctx, actorID, &Query{Projector: project})
}

// Stop drains and stops one actor.
func (rt *Runtime) Stop(rctx authctx.Context, actorID string) error {
	key := actorKey(rctx.TenantID, actorID)

	rt.mu.Lock()
	_, ok := rt.actors[key]
	delete(rt.actors, key)
	rt.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, actorID)
	}
	rt.system.StopActor(key)

	return nil
}

// Shutdown stops every actor and the snapshot manager. The store itself is
// owned by the caller.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	rt.actors = make(map[string]actor.ActorRef[Msg, Reply])
	rt.mu.Unlock()

	err := rt.system.Shutdown(ctx)
	rt.snaps.Close()

	return err
}

// behavior is the per-actor event-sourcing loop: decide, CAS-append, fold.
// It runs inside a single actor so access to its fields is serial.
type behavior struct {
	rt *Runtime

	tenantID string
	actorID  string

	decide  Decider
	reduce  event.Reducer
	initial json.RawMessage

	state   json.RawMessage
	version uint64
	clock   vclock.Clock
}

// Receive implements actor.Behavior.
func (b *behavior) Receive(ctx context.Context, msg Msg) fn.Result[Reply] {
	switch m := msg.(type) {
	case *Command:
		return b.handleCommand(ctx, m)

	case *Query:
		value, err := m.Projector(b.state, b.version)
		if err != nil {
			return fn.Err[Reply](err)
		}

		return fn.Ok(Reply{Version: b.version, Value: value})

	default:
		return fn.Err[Reply](fmt.Errorf(
			"unhandled message type %s", msg.MessageType(),
		))
	}
}

// handleCommand runs the decide/append/fold cycle for one command. A decider
// error propagates to both the caller and the supervisor; a CAS conflict
// re-syncs from the store and retries the decision against fresh state.
func (b *behavior) handleCommand(ctx context.Context,
	cmd *Command) fn.Result[Reply] {

	// Idempotency: a correlation ID that already appended for this actor
	// returns the prior event without deciding again.
	if cmd.Ctx.CorrelationID != "" {
		prior, err := b.rt.store.GetByCorrelation(
			ctx, b.tenantID, b.actorID, cmd.Ctx.CorrelationID,
		)
		if err == nil {
			log.DebugS(ctx, "Command deduplicated",
				"actor_id", b.actorID,
				"correlation_id", cmd.Ctx.CorrelationID)

			return b.reply(cmd.Projector, &prior, true)
		}
		if !errors.Is(err, event.ErrNotFound) {
			return fn.Err[Reply](err)
		}
	}

	retries := max(b.rt.cfg.AppendRetries, 1)
	for attempt := 0; attempt < retries; attempt++ {
		eventType, payload, err := b.decide(b.state, cmd)
		if err != nil {
			return fn.Err[Reply](err)
		}

		ev, err := event.NewEvent(b.actorID, eventType, payload)
		if err != nil {
			return fn.Err[Reply](err)
		}
		ev.CorrelationID = cmd.Ctx.CorrelationID
		ev.Clock = b.clock.Tick(b.rt.cfg.NodeID)

		stored, err := b.rt.store.Append(
			ctx, b.tenantID, ev, b.version,
		)
		if errors.Is(err, event.ErrVersionConflict) {
			// An external writer advanced the log. Re-sync and
			// decide again against the fresh state.
			log.WarnS(ctx, "Append lost CAS, re-syncing", nil,
				"actor_id", b.actorID, "attempt", attempt+1)
			if rerr := b.rehydrate(ctx); rerr != nil {
				return fn.Err[Reply](rerr)
			}
			continue
		}
		if err != nil {
			return fn.Err[Reply](err)
		}

		if err := b.fold(stored); err != nil {
			return fn.Err[Reply](err)
		}

		b.rt.snaps.NoteAppend(
			ctx, b.tenantID, b.actorID, stored.Version,
			b.reduce, b.initial,
		)
		if b.rt.bus != nil {
			b.rt.bus.Publish(ctx, stored)
		}

		return b.reply(cmd.Projector, &stored, false)
	}

	return fn.Err[Reply](fmt.Errorf("append for %s: %w",
		b.actorID, event.ErrVersionConflict))
}

// fold applies a stored event to the in-memory state.
func (b *behavior) fold(ev event.Event) error {
	next, err := b.reduce(b.state, ev)
	if err != nil {
		return fmt.Errorf("reduce event %s: %w", ev.ID, err)
	}
	b.state = next
	b.version = ev.Version
	b.clock = b.clock.Merge(ev.Clock)

	return nil
}

// reply projects the post-fold state for the caller.
func (b *behavior) reply(project Projector, ev *event.Event,
	deduped bool) fn.Result[Reply] {

	reply := Reply{Version: b.version, Event: ev, Deduped: deduped}
	if project != nil {
		value, err := project(b.state, b.version)
		if err != nil {
			return fn.Err[Reply](err)
		}
		reply.Value = value
	}

	return fn.Ok(reply)
}

// rehydrate loads state from snapshot plus replay and rebuilds the clock
// from the last event.
func (b *behavior) rehydrate(ctx context.Context) error {
	b.rt.snaps.Invalidate(b.tenantID, b.actorID)

	state, version, err := b.rt.snaps.Rebuild(
		ctx, b.tenantID, b.actorID, b.initial, b.reduce,
	)
	if err != nil {
		return err
	}
	b.state = state
	b.version = version

	b.clock = vclock.New()
	if version > 0 {
		tail, err := b.rt.store.Read(
			ctx, b.tenantID, b.actorID, version-1,
		)
		if err != nil {
			return err
		}
		if len(tail) > 0 {
			b.clock = tail[len(tail)-1].Clock.Copy()
		}
	}

	return nil
}

// OnRestart implements actor.Restartable: after a supervised failure the
// actor resumes from its last durable version.
func (b *behavior) OnRestart(ctx context.Context) error {
	log.InfoS(ctx, "Rehydrating actor after restart",
		"actor_id", b.actorID, "tenant_id", b.tenantID)

	return b.rehydrate(ctx)
}
