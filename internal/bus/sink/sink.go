// Package sink defines the seam between an adapter (outside the core) and
// the core's dispatch runtime (inside). Two implementations exist behind one
// interface: InProcessSink delivers by direct function call, and the
// ProcessSink/ProcessSinkServer pair delivers through two unidirectional
// queues so the adapter can live in another unit of isolation. A router or
// adapter can be pointed at either without code changes.
package sink

import (
	"context"

	"github.com/chatwire/chatwire/internal/bus/envelope"
)

// Handler is the core-side callback that receives incoming envelopes.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// OutgoingHandler receives envelopes the core pushes back toward adapters.
type OutgoingHandler func(ctx context.Context, env *envelope.Envelope) error

// CoreSink is the abstraction a core process exposes to adapters for
// incoming delivery and outgoing push.
type CoreSink interface {
	// Send delivers one incoming envelope to the core.
	Send(ctx context.Context, env *envelope.Envelope) error

	// SendMany delivers a batch of incoming envelopes in order.
	SendMany(ctx context.Context, envs []*envelope.Envelope) error

	// AddOutgoingHandler registers a callback for envelopes pushed out of
	// the core. The returned func deregisters exactly that callback and is
	// safe to call more than once.
	AddOutgoingHandler(handler OutgoingHandler) (remove func())

	// PushOutgoing fans an envelope out to every registered outgoing
	// handler. With zero handlers registered the envelope is logged and
	// dropped; there may legitimately be no adapter listening yet.
	PushOutgoing(ctx context.Context, env *envelope.Envelope) error

	// Close releases the sink. Further calls fail with ErrSinkClosed.
	Close() error
}
