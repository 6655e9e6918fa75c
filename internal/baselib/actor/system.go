package actor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// managedActor is the system's internal view of an actor: stoppable either
// immediately or with a drain grace period.
type managedActor interface {
	Stop()
	StopGracefully(grace time.Duration)
}

// SystemConfig holds configuration for the ActorSystem.
type SystemConfig struct {
	// MailboxCapacity is the default capacity for actor mailboxes.
	MailboxCapacity int

	// StopGrace is the default drain deadline used by StopActor and
	// Shutdown before an actor is interrupted.
	StopGrace time.Duration
}

// DefaultSystemConfig returns the default system configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		MailboxCapacity: 1000,
		StopGrace:       5 * time.Second,
	}
}

// ActorSystem manages actor lifecycles and provides a receptionist for
// service discovery plus a dead letter office for undeliverable messages.
type ActorSystem struct {
	receptionist *Receptionist

	// actors stores all live actors keyed by ID, the DLO included.
	actors map[string]managedActor

	deadLetters ActorRef[Message, any]

	config SystemConfig

	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	// actorWg tracks running actor goroutines for deterministic
	// shutdown.
	actorWg sync.WaitGroup
}

// NewActorSystem creates an actor system with the default configuration.
func NewActorSystem() *ActorSystem {
	return NewActorSystemWithConfig(DefaultSystemConfig())
}

// NewActorSystemWithConfig creates an actor system with the given config.
func NewActorSystemWithConfig(config SystemConfig) *ActorSystem {
	ctx, cancel := context.WithCancel(context.Background())

	system := &ActorSystem{
		receptionist: newReceptionist(),
		actors:       make(map[string]managedActor),
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
	}

	// The DLO logs and discards. Its own DLO reference is nil so a
	// failure to deliver to the DLO cannot loop.
	dlo := New(Config[Message, any]{
		ID: "dead-letters",
		Behavior: NewFunctionBehavior(
			func(ctx context.Context, msg Message) fn.Result[any] {
				log.DebugS(ctx, "Dead letter",
					"msg_type", msg.MessageType())

				return fn.Err[any](errors.New(
					"message undeliverable: " +
						msg.MessageType(),
				))
			},
		),
		MailboxSize: config.MailboxCapacity,
		Wg:          &system.actorWg,
	})
	dlo.Start()

	system.deadLetters = dlo.Ref()
	system.actors[dlo.id] = dlo

	return system
}

// SpawnOption tweaks a single spawn.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	mailboxSize    int
	sendPolicy     SendPolicy
	supervisor     SupervisorConfig
	restartOnError bool
	onFailure      func(err error)
	cleanupTimeout fn.Option[time.Duration]
}

// WithMailboxSize overrides the system default mailbox capacity.
func WithMailboxSize(n int) SpawnOption {
	return func(cfg *spawnConfig) { cfg.mailboxSize = n }
}

// WithSendPolicy selects the Tell policy for the actor's mailbox.
func WithSendPolicy(p SendPolicy) SpawnOption {
	return func(cfg *spawnConfig) { cfg.sendPolicy = p }
}

// WithSupervisor overrides the default restart policy.
func WithSupervisor(s SupervisorConfig) SpawnOption {
	return func(cfg *spawnConfig) { cfg.supervisor = s }
}

// WithRestartOnError widens supervision to error results, not just panics.
func WithRestartOnError() SpawnOption {
	return func(cfg *spawnConfig) { cfg.restartOnError = true }
}

// WithFailureHook registers a callback invoked with every supervised
// failure.
func WithFailureHook(f func(err error)) SpawnOption {
	return func(cfg *spawnConfig) { cfg.onFailure = f }
}

// WithCleanupTimeout bounds the OnStop hook for actors that manage external
// resources needing a longer graceful shutdown.
func WithCleanupTimeout(d time.Duration) SpawnOption {
	return func(cfg *spawnConfig) { cfg.cleanupTimeout = fn.Some(d) }
}

// Spawn creates and starts an actor with a unique ID within the system.
// It fails with ErrActorExists when the ID is already live, and with
// ErrActorTerminated when the system is shutting down. This is a
// package-level generic function because methods cannot have their own type
// parameters.
func Spawn[M Message, R any](as *ActorSystem, id string,
	behavior Behavior[M, R], opts ...SpawnOption) (ActorRef[M, R], error) {

	if as.ctx.Err() != nil {
		return nil, ErrActorTerminated
	}

	cfg := spawnConfig{mailboxSize: as.config.MailboxCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := New(Config[M, R]{
		ID:             id,
		Behavior:       behavior,
		DLO:            as.deadLetters,
		MailboxSize:    cfg.mailboxSize,
		SendPolicy:     cfg.sendPolicy,
		Supervisor:     cfg.supervisor,
		RestartOnError: cfg.restartOnError,
		OnFailure:      cfg.onFailure,
		Wg:             &as.actorWg,
		CleanupTimeout: cfg.cleanupTimeout,
	})

	as.mu.Lock()
	if _, live := as.actors[id]; live {
		as.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrActorExists, id)
	}
	as.actors[id] = a
	as.mu.Unlock()

	a.Start()

	log.DebugS(as.ctx, "Actor spawned", "actor_id", id)

	return a.Ref(), nil
}

// SpawnService spawns an actor and registers it with the receptionist under
// the given service key so other components can discover it.
func SpawnService[M Message, R any](as *ActorSystem, id string,
	key ServiceKey[M, R], behavior Behavior[M, R],
	opts ...SpawnOption) (ActorRef[M, R], error) {

	ref, err := Spawn(as, id, behavior, opts...)
	if err != nil {
		return nil, err
	}

	if err := RegisterWithReceptionist(as.receptionist, key, ref); err != nil {
		as.StopActor(id)
		return nil, err
	}

	return ref, nil
}

// Receptionist returns the system's receptionist for service discovery.
func (as *ActorSystem) Receptionist() *Receptionist {
	return as.receptionist
}

// DeadLetters returns the system's dead letter actor reference.
func (as *ActorSystem) DeadLetters() ActorRef[Message, any] {
	return as.deadLetters
}

// IsLive reports whether an actor with the given ID is currently managed by
// the system.
func (as *ActorSystem) IsLive(id string) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()

	_, live := as.actors[id]

	return live
}

// StopActor drains the actor's remaining messages up to the system's stop
// grace deadline, then interrupts it. It reports whether the actor was
// found.
func (as *ActorSystem) StopActor(id string) bool {
	as.mu.Lock()
	a, exists := as.actors[id]
	if exists {
		delete(as.actors, id)
	}
	as.mu.Unlock()

	if !exists {
		return false
	}

	a.StopGracefully(as.config.StopGrace)

	log.DebugS(as.ctx, "Actor stopped and removed", "actor_id", id)

	return true
}

// Shutdown stops all actors and waits for their goroutines to exit or the
// context to expire. Cancelling the system context first prevents new spawns
// from racing the WaitGroup snapshot.
func (as *ActorSystem) Shutdown(ctx context.Context) error {
	as.cancel()

	as.mu.Lock()
	toStop := make([]managedActor, 0, len(as.actors))
	for _, a := range as.actors {
		toStop = append(toStop, a)
	}
	as.actors = make(map[string]managedActor)
	as.mu.Unlock()

	log.InfoS(ctx, "Actor system shutting down",
		"num_actors", len(toStop))

	for _, a := range toStop {
		a.Stop()
	}

	done := make(chan struct{})
	go func() {
		as.actorWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.InfoS(ctx, "Actor system shutdown completed")
		return nil

	case <-ctx.Done():
		log.ErrorS(ctx, "Actor system shutdown incomplete, some "+
			"actors may have leaked", ctx.Err())

		return ctx.Err()
	}
}

// ServiceKey is a type-safe identifier for registering and discovering
// actors via the receptionist. The type parameters ensure only actors with
// compatible message/response types are retrieved for a key.
type ServiceKey[M Message, R any] struct {
	name string
}

// NewServiceKey creates a service key with the given lookup name.
func NewServiceKey[M Message, R any](name string) ServiceKey[M, R] {
	return ServiceKey[M, R]{name: name}
}

// serviceTypeInfo captures a key's type signature for conflict detection.
type serviceTypeInfo struct {
	msgType  string
	respType string
}

// Receptionist provides service discovery for actors registered under
// service keys.
type Receptionist struct {
	registrations map[string][]BaseActorRef
	typeRegistry  map[string]serviceTypeInfo
	mu            sync.RWMutex
}

func newReceptionist() *Receptionist {
	return &Receptionist{
		registrations: make(map[string][]BaseActorRef),
		typeRegistry:  make(map[string]serviceTypeInfo),
	}
}

// RegisterWithReceptionist registers a ref under a key, validating that the
// key name is not already bound to different message/response types.
func RegisterWithReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R], ref ActorRef[M, R]) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	info := serviceTypeInfo{
		msgType:  reflect.TypeOf((*M)(nil)).Elem().String(),
		respType: reflect.TypeOf((*R)(nil)).Elem().String(),
	}

	if existing, ok := r.typeRegistry[key.name]; ok {
		if existing != info {
			return fmt.Errorf("%w: service %q is (%s, %s), "+
				"got (%s, %s)", ErrServiceKeyTypeMismatch,
				key.name, existing.msgType, existing.respType,
				info.msgType, info.respType)
		}
	} else {
		r.typeRegistry[key.name] = info
	}

	r.registrations[key.name] = append(r.registrations[key.name], ref)

	return nil
}

// FindInReceptionist returns all refs registered under the key.
func FindInReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R]) []ActorRef[M, R] {

	r.mu.RLock()
	defer r.mu.RUnlock()

	baseRefs, ok := r.registrations[key.name]
	if !ok {
		return nil
	}

	refs := make([]ActorRef[M, R], 0, len(baseRefs))
	for _, baseRef := range baseRefs {
		if typed, ok := baseRef.(ActorRef[M, R]); ok {
			refs = append(refs, typed)
		}
	}

	return refs
}

// FindOne returns the first ref registered under the key, or an error when
// the service is not available.
func FindOne[M Message, R any](r *Receptionist,
	key ServiceKey[M, R]) (ActorRef[M, R], error) {

	refs := FindInReceptionist(r, key)
	if len(refs) == 0 {
		return nil, fmt.Errorf("no actor registered for service %q",
			key.name)
	}

	return refs[0], nil
}
