package sink

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"

	"github.com/chatwire/chatwire/internal/bus/codec"
	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/ids"
	"github.com/chatwire/chatwire/internal/bus/logging"
)

// Queue topics for the two unidirectional channels of a sink pair.
const (
	topicToCore   = "chatwire.sink.to_core"
	topicFromCore = "chatwire.sink.from_core"
)

// queueFrame is the unit carried on the sink queues: an envelope payload
// tagged with its direction, or the control sentinel that terminates a
// listener loop.
type queueFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameKindIncoming = "incoming"
	frameKindOutgoing = "outgoing"
	frameKindStop     = "stop"
)

// sentinelTimeout bounds how long Close waits for the stop sentinel to be
// accepted by a queue and for the local listener to drain.
const sentinelTimeout = 5 * time.Second

// pairCore is the queue infrastructure shared by the two ends of a sink
// pair. The last end to close tears the pub/sub down.
type pairCore struct {
	pubsub *gochannel.GoChannel
	cancel context.CancelFunc
	refs   atomic.Int32
}

func (p *pairCore) release() {
	if p.refs.Add(-1) == 0 {
		p.cancel()
		_ = p.pubsub.Close()
	}
}

func (p *pairCore) publishFrame(topic string, frame queueFrame) error {
	data, err := sonic.ConfigStd.Marshal(frame)
	if err != nil {
		return err
	}
	return p.pubsub.Publish(topic, message.NewMessage(ids.New(), data))
}

// publishSentinel pushes the stop frame with a bounded wait. Pushing can
// itself block on a congested queue, so on timeout it logs and gives up
// rather than hang forever.
func (p *pairCore) publishSentinel(topic string, log logging.BusLogger) {
	done := make(chan error, 1)
	go func() {
		done <- p.publishFrame(topic, queueFrame{Kind: frameKindStop})
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Error("failed to push stop sentinel", err, logging.LogFields{"topic": topic})
		}
	case <-time.After(sentinelTimeout):
		log.Error("timed out pushing stop sentinel", nil, logging.LogFields{"topic": topic})
	}
}

// ProcessSink is the adapter-side handle of a cross-process sink pair.
// Incoming envelopes are enqueued toward the core; a background listener
// drains the outgoing queue and fans envelopes out to registered handlers
// until the stop sentinel is read.
type ProcessSink struct {
	core *pairCore
	log  logging.BusLogger

	mu       sync.Mutex
	outgoing map[int]OutgoingHandler
	nextID   int
	closed   bool

	listenerDone chan struct{}
	closeOnce    sync.Once
}

// ProcessSinkServer is the core-side counterpart. It pulls from the incoming
// queue, invokes the core handler, and exposes PushOutgoing to enqueue
// envelopes for the adapter side to drain.
type ProcessSinkServer struct {
	core    *pairCore
	handler Handler
	log     logging.BusLogger

	mu     sync.Mutex
	closed bool

	listenerDone chan struct{}
	closeOnce    sync.Once
}

// NewProcessPair builds both ends of a cross-process sink. The server end
// starts delivering to handler immediately; the adapter end satisfies
// CoreSink and can be handed to any adapter in place of an InProcessSink.
func NewProcessPair(handler Handler, log logging.BusLogger) (*ProcessSink, *ProcessSinkServer, error) {
	if handler == nil {
		return nil, nil, errs.ErrHandlerRequired
	}
	if log == nil {
		log = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		logging.NewWatermillAdapter(log),
	)
	core := &pairCore{pubsub: pubsub, cancel: cancel}
	core.refs.Store(2)

	toCore, err := pubsub.Subscribe(ctx, topicToCore)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, err
	}
	fromCore, err := pubsub.Subscribe(ctx, topicFromCore)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, err
	}

	server := &ProcessSinkServer{
		core:         core,
		handler:      handler,
		log:          log.With(logging.LogFields{"sink": "process_server"}),
		listenerDone: make(chan struct{}),
	}
	adapterSide := &ProcessSink{
		core:         core,
		log:          log.With(logging.LogFields{"sink": "process_client"}),
		outgoing:     make(map[int]OutgoingHandler),
		listenerDone: make(chan struct{}),
	}

	go server.listen(ctx, toCore)
	go adapterSide.listen(ctx, fromCore)

	return adapterSide, server, nil
}

// Send enqueues one incoming envelope toward the core.
func (s *ProcessSink) Send(ctx context.Context, env *envelope.Envelope) error {
	if s.isClosed() {
		return errs.ErrSinkClosed
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return s.core.publishFrame(topicToCore, queueFrame{Kind: frameKindIncoming, Payload: data})
}

// SendMany enqueues the batch in order.
func (s *ProcessSink) SendMany(ctx context.Context, envs []*envelope.Envelope) error {
	for _, env := range envs {
		if err := s.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// AddOutgoingHandler registers a callback for envelopes drained from the
// outgoing queue.
func (s *ProcessSink) AddOutgoingHandler(handler OutgoingHandler) (remove func()) {
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

// PushOutgoing enqueues an envelope onto the outgoing queue, where the
// listener fans it out to registered handlers.
func (s *ProcessSink) PushOutgoing(ctx context.Context, env *envelope.Envelope) error {
	if s.isClosed() {
		return errs.ErrSinkClosed
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return s.core.publishFrame(topicFromCore, queueFrame{Kind: frameKindOutgoing, Payload: data})
}

// Close pushes the stop sentinel onto both queues so this end's listener and
// the peer both observe orderly shutdown, then waits for the local listener
// with a bounded timeout. Idempotent.
func (s *ProcessSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.core.publishSentinel(topicFromCore, s.log)
		s.core.publishSentinel(topicToCore, s.log)

		select {
		case <-s.listenerDone:
		case <-time.After(sentinelTimeout):
			s.log.Error("timed out waiting for outgoing listener to stop", nil, nil)
		}
		s.core.release()
	})
	return nil
}

func (s *ProcessSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// listen drains the outgoing queue until the stop sentinel is read. Reads
// happen on this dedicated goroutine so a blocking queue never stalls the
// adapter's own loops.
func (s *ProcessSink) listen(ctx context.Context, msgs <-chan *message.Message) {
	defer close(s.listenerDone)
	for msg := range msgs {
		frame, err := parseQueueFrame(msg.Payload)
		msg.Ack()
		if err != nil {
			s.log.Error("dropping malformed queue frame", err, nil)
			continue
		}
		if frame.Kind == frameKindStop {
			return
		}
		if frame.Kind != frameKindOutgoing {
			continue
		}
		env, err := codec.Decode(frame.Payload)
		if err != nil {
			s.log.Error("dropping undecodable outgoing envelope", err, nil)
			continue
		}
		s.dispatchOutgoing(ctx, env)
	}
}

func (s *ProcessSink) dispatchOutgoing(ctx context.Context, env *envelope.Envelope) {
	s.mu.Lock()
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
		return
	}
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			s.log.Error("outgoing handler failed", err, logging.LogFields{
				"envelope_id": env.ID,
				"platform":    env.Platform,
			})
		}
	}
}

// PushOutgoing enqueues an envelope for the adapter side to drain.
func (s *ProcessSinkServer) PushOutgoing(ctx context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errs.ErrSinkClosed
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return s.core.publishFrame(topicFromCore, queueFrame{Kind: frameKindOutgoing, Payload: data})
}

// Close mirrors ProcessSink.Close from the core side.
func (s *ProcessSinkServer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.core.publishSentinel(topicToCore, s.log)
		s.core.publishSentinel(topicFromCore, s.log)

		select {
		case <-s.listenerDone:
		case <-time.After(sentinelTimeout):
			s.log.Error("timed out waiting for incoming listener to stop", nil, nil)
		}
		s.core.release()
	})
	return nil
}

// listen pulls the incoming queue and invokes the core handler until the
// stop sentinel is read.
func (s *ProcessSinkServer) listen(ctx context.Context, msgs <-chan *message.Message) {
	defer close(s.listenerDone)
	for msg := range msgs {
		frame, err := parseQueueFrame(msg.Payload)
		msg.Ack()
		if err != nil {
			s.log.Error("dropping malformed queue frame", err, nil)
			continue
		}
		if frame.Kind == frameKindStop {
			return
		}
		if frame.Kind != frameKindIncoming {
			continue
		}
		env, err := codec.Decode(frame.Payload)
		if err != nil {
			s.log.Error("dropping undecodable incoming envelope", err, nil)
			continue
		}
		if err := s.handler(ctx, env); err != nil {
			s.log.Error("core handler failed", err, logging.LogFields{
				"envelope_id": env.ID,
				"platform":    env.Platform,
			})
		}
	}
}

func parseQueueFrame(data []byte) (queueFrame, error) {
	var frame queueFrame
	if err := sonic.ConfigStd.Unmarshal(data, &frame); err != nil {
		return queueFrame{}, err
	}
	return frame, nil
}
