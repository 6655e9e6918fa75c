package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// envelope wraps a message with its associated promise and caller context. A
// nil promise marks a tell (fire-and-forget); a non-nil promise marks an ask
// whose sender awaits the response.
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// channelMailbox is a bounded FIFO Mailbox backed by a Go channel.
type channelMailbox[M Message, R any] struct {
	ch chan envelope[M, R]

	// closed allows lock-free IsClosed reads.
	closed atomic.Bool

	// mu serializes sends against Close so that no send races a channel
	// close. The read lock admits concurrent senders; Close takes the
	// write lock.
	mu sync.RWMutex

	closeOnce sync.Once

	// actorCtx is the owning actor's lifecycle context. Sends fail once
	// it is cancelled.
	actorCtx context.Context
}

// newChannelMailbox creates a mailbox with the given capacity, defaulting to
// 1 when the capacity is not positive so the mailbox is always buffered.
func newChannelMailbox[M Message, R any](
	actorCtx context.Context, capacity int,
) *channelMailbox[M, R] {

	if capacity <= 0 {
		capacity = 1
	}

	return &channelMailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
	}
}

// Send blocks until the envelope is accepted or either context is cancelled.
func (m *channelMailbox[M, R]) Send(ctx context.Context,
	env envelope[M, R]) bool {

	// Fast-path rejection when either context is already done.
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	// Holding the read lock for the whole send prevents a concurrent
	// Close from closing the channel mid-send.
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	case <-ctx.Done():
		log.TraceS(ctx, "Mailbox send abandoned, caller cancelled",
			"msg_type", env.message.MessageType())

		return false

	case <-m.actorCtx.Done():
		return false
	}
}

// TrySend enqueues without blocking.
func (m *channelMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	if m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive iterates envelopes as they arrive. The context is checked before
// each receive so shutdown is deterministic rather than racing the select.
func (m *channelMailbox[M, R]) Receive(
	ctx context.Context) iter.Seq[envelope[M, R]] {

	return func(yield func(envelope[M, R]) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close prevents further sends. Safe to call multiple times.
func (m *channelMailbox[M, R]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		log.DebugS(m.actorCtx, "Mailbox closing",
			"remaining_messages", len(m.ch))

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed reports whether Close has been called.
func (m *channelMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain yields envelopes remaining after Close. A no-op on an open mailbox.
func (m *channelMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		if !m.IsClosed() {
			return
		}

		for {
			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			default:
				return
			}
		}
	}
}

// Len returns the number of queued envelopes.
func (m *channelMailbox[M, R]) Len() int {
	return len(m.ch)
}
