// Package adapter provides the base contract for platform adapters: the
// component that converts a platform's native payloads to and from
// envelopes and owns an optional self-managed transport (a websocket client
// toward the platform, or an inbound HTTP listener for webhook-only
// platforms).
//
// Concrete platform adapters embed Adapter and supply the conversion hooks.
// Sink wiring, the outgoing-from-core filter, and transport lifecycle are
// shared.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
	"github.com/chatwire/chatwire/internal/bus/sink"
)

// ConvertFunc turns a raw platform payload into an envelope.
type ConvertFunc func(raw []byte) (*envelope.Envelope, error)

// SendFunc delivers an envelope to the platform using its native API.
type SendFunc func(ctx context.Context, env *envelope.Envelope) error

// WebSocketOptions configures a self-managed client socket toward the
// platform.
type WebSocketOptions struct {
	URL     string
	Headers http.Header

	// ParseIncoming maps a raw socket message to the payload handed to the
	// conversion hook. The default unwraps {"type":..., "payload":...}
	// frames and passes anything else through untouched.
	ParseIncoming func(data []byte) ([]byte, error)

	// EncodeOutgoing maps an envelope to the raw socket message sent to
	// the platform. The default wraps it in a "send" frame.
	EncodeOutgoing func(env *envelope.Envelope) ([]byte, error)
}

// HTTPOptions configures an inbound webhook listener as the alternative to
// a socket, for platforms that only push over HTTP.
type HTTPOptions struct {
	Addr string // defaults to 0.0.0.0:8089
	Path string // defaults to /adapter/messages
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Addr == "" {
		o.Addr = "0.0.0.0:8089"
	}
	if o.Path == "" {
		o.Path = "/adapter/messages"
	}
	return o
}

// Config assembles an adapter.
type Config struct {
	// Platform is this adapter's identity; outgoing envelopes for other
	// platforms routed through the same sink are ignored.
	Platform string

	// Sink is the core seam the adapter delivers into.
	Sink sink.CoreSink

	// FromPlatform converts inbound raw payloads. An adapter without it
	// fails OnPlatformMessage with ErrNotImplemented.
	FromPlatform ConvertFunc

	// ToPlatform overrides the outbound path. Without it, outbound sends
	// go through the configured websocket, or fail with ErrNotImplemented
	// when no transport is configured. Never a silent drop.
	ToPlatform SendFunc

	// WebSocket and HTTP configure the optional self-managed transport;
	// set at most one.
	WebSocket *WebSocketOptions
	HTTP      *HTTPOptions

	Logger logging.BusLogger
}

// Adapter is the shared base for platform adapters.
type Adapter struct {
	platform string
	sink     sink.CoreSink
	convert  ConvertFunc
	send     SendFunc
	wsOpts   *WebSocketOptions
	httpOpts *HTTPOptions
	log      logging.BusLogger

	mu             sync.Mutex
	started        bool
	removeOutgoing func()
	ws             *websocket.Conn
	wsWriteMu      sync.Mutex
	recvCancel     context.CancelFunc
	recvDone       chan struct{}
	httpSrv        *http.Server
	httpDone       chan struct{}
}

// New assembles an adapter from cfg.
func New(cfg Config) (*Adapter, error) {
	if cfg.Platform == "" {
		return nil, fmt.Errorf("%w: adapter requires a platform identity", errs.ErrUnknownPlatform)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("chatwire: adapter %q requires a sink", cfg.Platform)
	}
	if cfg.WebSocket != nil && cfg.HTTP != nil {
		return nil, fmt.Errorf("chatwire: adapter %q: configure at most one transport", cfg.Platform)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Adapter{
		platform: cfg.Platform,
		sink:     cfg.Sink,
		convert:  cfg.FromPlatform,
		send:     cfg.ToPlatform,
		wsOpts:   cfg.WebSocket,
		httpOpts: cfg.HTTP,
		log:      log.With(logging.LogFields{"adapter": cfg.Platform}),
	}, nil
}

// Platform returns the adapter's identity.
func (a *Adapter) Platform() string { return a.platform }

// Start wires the adapter into the sink's outgoing path and, when a
// transport is configured, opens the socket or the HTTP listener.
// Idempotent: a started adapter stays started.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	a.removeOutgoing = a.sink.AddOutgoingHandler(a.handleOutgoing)

	switch {
	case a.wsOpts != nil:
		if err := a.startWebSocket(ctx); err != nil {
			a.removeOutgoing()
			a.removeOutgoing = nil
			return err
		}
	case a.httpOpts != nil:
		if err := a.startHTTP(); err != nil {
			a.removeOutgoing()
			a.removeOutgoing = nil
			return err
		}
	}

	a.started = true
	return nil
}

// Stop deregisters the outgoing handler, stops the receive loop, closes the
// socket, and shuts the HTTP listener down, in that order. Idempotent and
// safe to call when never started.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.removeOutgoing != nil {
		a.removeOutgoing()
		a.removeOutgoing = nil
	}

	if a.recvCancel != nil {
		a.recvCancel()
		a.recvCancel = nil
	}
	if a.ws != nil {
		_ = a.ws.Close()
		a.ws = nil
	}
	if a.recvDone != nil {
		select {
		case <-a.recvDone:
		case <-time.After(5 * time.Second):
			a.log.Error("timed out waiting for receive loop", nil, nil)
		}
		a.recvDone = nil
	}

	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.httpSrv.Shutdown(shutdownCtx)
		cancel()
		a.httpSrv = nil
		if a.httpDone != nil {
			<-a.httpDone
			a.httpDone = nil
		}
	}

	a.started = false
	return nil
}

// OnPlatformMessage converts one raw platform payload and forwards it to
// the sink.
func (a *Adapter) OnPlatformMessage(ctx context.Context, raw []byte) error {
	env, err := a.fromPlatform(raw)
	if err != nil {
		return err
	}
	return a.sink.Send(ctx, env)
}

// OnPlatformMessages converts a batch and forwards it through SendMany.
func (a *Adapter) OnPlatformMessages(ctx context.Context, raws [][]byte) error {
	envs := make([]*envelope.Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := a.fromPlatform(raw)
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}
	return a.sink.SendMany(ctx, envs)
}

func (a *Adapter) fromPlatform(raw []byte) (*envelope.Envelope, error) {
	if a.convert == nil {
		return nil, fmt.Errorf("%w: adapter %q has no FromPlatform conversion", errs.ErrNotImplemented, a.platform)
	}
	return a.convert(raw)
}

// SendToPlatform delivers one envelope to the platform through the override
// hook or the configured socket. An unconfigured send path fails loudly.
func (a *Adapter) SendToPlatform(ctx context.Context, env *envelope.Envelope) error {
	if a.send != nil {
		return a.send(ctx, env)
	}
	if a.wsOpts != nil {
		return a.sendViaWebSocket(env)
	}
	return fmt.Errorf("%w: adapter %q has no outbound transport", errs.ErrNotImplemented, a.platform)
}

// SendBatchToPlatform sends each envelope in order through the single-send
// path. Platform adapters with batch APIs override by setting ToPlatform.
func (a *Adapter) SendBatchToPlatform(ctx context.Context, envs []*envelope.Envelope) error {
	for _, env := range envs {
		if err := a.SendToPlatform(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// handleOutgoing is the sink callback for envelopes pushed out of the core.
// Envelopes addressed to other platforms are ignored, not sent.
func (a *Adapter) handleOutgoing(ctx context.Context, env *envelope.Envelope) error {
	if env.Platform != a.platform {
		return nil
	}
	return a.SendToPlatform(ctx, env)
}
