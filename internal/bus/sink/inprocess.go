package sink

import (
	"context"
	"sync"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
)

// InProcessSink delivers envelopes to the core handler by direct function
// call, with no queue in between. It suits deployments where adapters share
// the core's process.
type InProcessSink struct {
	handler Handler
	log     logging.BusLogger

	mu       sync.Mutex
	outgoing map[int]OutgoingHandler
	nextID   int
	closed   bool
}

// NewInProcessSink builds a sink that invokes handler for every incoming
// envelope.
func NewInProcessSink(handler Handler, log logging.BusLogger) (*InProcessSink, error) {
	if handler == nil {
		return nil, errs.ErrHandlerRequired
	}
	if log == nil {
		log = logging.Nop()
	}
	return &InProcessSink{
		handler:  handler,
		log:      log,
		outgoing: make(map[int]OutgoingHandler),
	}, nil
}

// Send delivers one envelope to the core handler.
func (s *InProcessSink) Send(ctx context.Context, env *envelope.Envelope) error {
	if s.isClosed() {
		return errs.ErrSinkClosed
	}
	return s.handler(ctx, env)
}

// SendMany delivers the batch in order through the core handler.
func (s *InProcessSink) SendMany(ctx context.Context, envs []*envelope.Envelope) error {
	if s.isClosed() {
		return errs.ErrSinkClosed
	}
	for _, env := range envs {
		if err := s.handler(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// AddOutgoingHandler registers a callback for core-pushed envelopes.
func (s *InProcessSink) AddOutgoingHandler(handler OutgoingHandler) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.outgoing[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.outgoing, id)
			s.mu.Unlock()
		})
	}
}

// PushOutgoing fans the envelope out to every registered outgoing handler.
// Handler failures are logged per handler and do not abort the fan-out.
func (s *InProcessSink) PushOutgoing(ctx context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrSinkClosed
	}
	handlers := make([]OutgoingHandler, 0, len(s.outgoing))
	for _, h := range s.outgoing {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.log.Debug("no outgoing handler registered, dropping envelope", logging.LogFields{
			"envelope_id": env.ID,
			"platform":    env.Platform,
		})
		return nil
	}
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			s.log.Error("outgoing handler failed", err, logging.LogFields{
				"envelope_id": env.ID,
				"platform":    env.Platform,
			})
		}
	}
	return nil
}

// Close marks the sink closed. Idempotent.
func (s *InProcessSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *InProcessSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
