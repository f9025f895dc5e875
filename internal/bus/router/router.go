// Package router supervises wire clients for a set of named platforms. It
// dials each configured endpoint, re-dials with exponential backoff when the
// connection drops, and converges the live connection set when the route
// configuration changes.
package router

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
	"github.com/chatwire/chatwire/internal/bus/metrics"
	"github.com/chatwire/chatwire/internal/bus/wire"
)

// TargetConfig describes one platform endpoint.
type TargetConfig struct {
	// URL is the endpoint to dial. Only ws:// and wss:// are supported;
	// tcp:// and tcps:// are recognized but not implemented.
	URL string `json:"url"`

	// Token is the optional bearer token presented to the server.
	Token string `json:"token,omitempty"`

	// TLSCAFile optionally points at a PEM bundle used to verify the
	// server certificate on wss endpoints.
	TLSCAFile string `json:"tls_ca,omitempty"`
}

// RouteConfig maps platform names to their targets.
type RouteConfig struct {
	Routes map[string]TargetConfig `json:"routes"`
}

// platformClient is one supervised connection with its run task.
type platformClient struct {
	target TargetConfig
	client *wire.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Router owns one wire client per configured platform and keeps each of
// them connected until the platform is removed or the router stops.
type Router struct {
	log     logging.BusLogger
	metrics *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   []wire.Handler

	mu      sync.Mutex
	config  RouteConfig
	clients map[string]*platformClient
	stopped bool
}

// NewRouter builds a router for cfg. No connections are made until Start or
// Connect is called.
func NewRouter(cfg RouteConfig, log logging.BusLogger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.Routes == nil {
		cfg.Routes = map[string]TargetConfig{}
	}
	return &Router{
		log:     log.With(logging.LogFields{"component": "router"}),
		config:  cfg,
		clients: make(map[string]*platformClient),
	}
}

// SetMetrics attaches reconnect instrumentation.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// RegisterHandler installs h on every existing client and on every client
// connected later.
func (r *Router) RegisterHandler(h wire.Handler) {
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlersMu.Unlock()

	r.mu.Lock()
	clients := make([]*wire.Client, 0, len(r.clients))
	for _, pc := range r.clients {
		clients = append(clients, pc.client)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.RegisterHandler(h)
	}
}

// Start connects every configured platform. Platforms that fail scheme
// validation are reported and skipped; the rest keep connecting in the
// background.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	platforms := make([]string, 0, len(r.config.Routes))
	for platform := range r.config.Routes {
		platforms = append(platforms, platform)
	}
	r.mu.Unlock()

	var firstErr error
	for _, platform := range platforms {
		if err := r.Connect(ctx, platform); err != nil {
			r.log.Error("skipping platform", err, logging.LogFields{"platform": platform})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Connect starts supervising the named platform. The connection itself is
// established asynchronously with backoff; Connect only validates the target
// and spawns the run task.
func (r *Router) Connect(ctx context.Context, platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errs.ErrNotConnected
	}
	target, ok := r.config.Routes[platform]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownPlatform, platform)
	}
	if _, ok := r.clients[platform]; ok {
		return nil
	}
	if err := validateTarget(target); err != nil {
		return err
	}

	pc := r.startClientLocked(ctx, platform, target)
	r.clients[platform] = pc
	return nil
}

// startClientLocked builds the client, installs the shared handlers, and
// spawns the supervising run task. Caller holds r.mu.
func (r *Router) startClientLocked(parent context.Context, platform string, target TargetConfig) *platformClient {
	client := wire.NewClient(r.log)

	r.handlersMu.RLock()
	for _, h := range r.handlers {
		client.RegisterHandler(h)
	}
	r.handlersMu.RUnlock()

	runCtx, cancel := context.WithCancel(parent)
	pc := &platformClient{
		target: target,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(runCtx, platform, pc)
	return pc
}

// run keeps one platform connected: dial with exponential backoff, then wait
// for the receive loop to exit and dial again. It returns when ctx is
// cancelled.
func (r *Router) run(ctx context.Context, platform string, pc *platformClient) {
	defer close(pc.done)

	opts := wire.ConnectOptions{
		URL:       pc.target.URL,
		Platform:  platform,
		Token:     pc.target.Token,
		TLSCAFile: pc.target.TLSCAFile,
	}
	fields := logging.LogFields{"platform": platform, "url": pc.target.URL}

	for {
		if ctx.Err() != nil {
			return
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		attempt := func() error {
			r.countReconnect(platform)
			return pc.client.Connect(ctx, opts)
		}
		if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
			// Retry only fails here once ctx is cancelled.
			return
		}
		r.log.Info("platform connected", fields)

		select {
		case <-ctx.Done():
			_ = pc.client.Stop()
			return
		case <-pc.client.Done():
			r.log.Info("platform connection lost, redialing", fields)
		}
	}
}

func (r *Router) countReconnect(platform string) {
	r.mu.Lock()
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.Reconnects.WithLabelValues(platform).Inc()
	}
}

// UpdateConfig diffs cfg against the current route set and converges:
// removed platforms are disconnected, new ones connected, and platforms
// whose target changed are reconnected. Untouched platforms keep their
// connection.
func (r *Router) UpdateConfig(ctx context.Context, cfg RouteConfig) error {
	if cfg.Routes == nil {
		cfg.Routes = map[string]TargetConfig{}
	}

	r.mu.Lock()
	var removed, changed, added []string
	for platform, pc := range r.clients {
		target, ok := cfg.Routes[platform]
		switch {
		case !ok:
			removed = append(removed, platform)
		case target != pc.target:
			changed = append(changed, platform)
		}
	}
	for platform := range cfg.Routes {
		if _, ok := r.clients[platform]; !ok {
			added = append(added, platform)
		}
	}
	r.config = cfg
	r.mu.Unlock()

	for _, platform := range append(removed, changed...) {
		if err := r.RemovePlatform(platform); err != nil {
			r.log.Error("disconnect during config update", err, logging.LogFields{"platform": platform})
		}
	}

	var firstErr error
	for _, platform := range append(changed, added...) {
		if err := r.Connect(ctx, platform); err != nil {
			r.log.Error("connect during config update", err, logging.LogFields{"platform": platform})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemovePlatform stops supervising the named platform and closes its
// connection. The platform stays in the config and can be reconnected.
func (r *Router) RemovePlatform(platform string) error {
	r.mu.Lock()
	pc, ok := r.clients[platform]
	if ok {
		delete(r.clients, platform)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownPlatform, platform)
	}

	pc.cancel()
	select {
	case <-pc.done:
	case <-time.After(10 * time.Second):
		r.log.Error("timed out waiting for platform run task", nil, logging.LogFields{"platform": platform})
	}
	return pc.client.Stop()
}

// SendEnvelope writes env through the client for env.Platform.
func (r *Router) SendEnvelope(env *envelope.Envelope) error {
	r.mu.Lock()
	pc, ok := r.clients[env.Platform]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownPlatform, env.Platform)
	}
	return pc.client.SendEnvelope(env)
}

// IsConnected reports whether the named platform currently has a live
// socket.
func (r *Router) IsConnected(platform string) bool {
	r.mu.Lock()
	pc, ok := r.clients[platform]
	r.mu.Unlock()
	return ok && pc.client.IsConnected()
}

// Platforms lists the platforms currently under supervision.
func (r *Router) Platforms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for platform := range r.clients {
		out = append(out, platform)
	}
	return out
}

// Stop disconnects every platform and marks the router stopped.
func (r *Router) Stop() error {
	r.mu.Lock()
	r.stopped = true
	platforms := make([]string, 0, len(r.clients))
	for platform := range r.clients {
		platforms = append(platforms, platform)
	}
	r.mu.Unlock()

	for _, platform := range platforms {
		if err := r.RemovePlatform(platform); err != nil {
			r.log.Error("stop platform", err, logging.LogFields{"platform": platform})
		}
	}
	return nil
}

// validateTarget checks the endpoint scheme. The tcp schemes are part of the
// config surface but have no transport yet.
func validateTarget(target TargetConfig) error {
	u, err := url.Parse(target.URL)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return nil
	case "tcp", "tcps":
		return fmt.Errorf("%w: %s transport", errs.ErrNotImplemented, u.Scheme)
	default:
		return fmt.Errorf("unsupported scheme %q in target url %s", u.Scheme, target.URL)
	}
}
