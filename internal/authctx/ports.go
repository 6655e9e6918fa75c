package authctx

import (
	"context"
	"time"

	btclogv2 "github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/loom/internal/event"
)

// Publisher is the message-bus capability handlers see. The transport broker
// satisfies it.
type Publisher interface {
	// Publish fans the event out to live subscribers of its type.
	Publish(ctx context.Context, ev event.Event)
}

// Ports bundles the injected capabilities a request handler may use. Keeping
// them on the context instead of package globals makes handlers testable with
// plain struct literals.
type Ports struct {
	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time

	// Logger for request-scoped logging; nil means disabled.
	Logger btclogv2.Logger

	// EventStore is the append-only log.
	EventStore event.Store

	// Bus is the in-process event broker, nil when the daemon runs
	// without transports.
	Bus Publisher
}

// Now returns the port clock's time, falling back to the wall clock.
func (p Ports) Now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}

	return time.Now().UTC()
}

// Log returns the port logger, never nil.
func (p Ports) Log() btclogv2.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return btclogv2.Disabled
}
