// Package runtime routes inbound envelopes to application handlers. Routes
// pair a predicate with a handler and may declare a content type or event
// types so the runtime can narrow candidates through indices; among the
// candidates the first matching predicate in registration order wins.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
	"github.com/chatwire/chatwire/internal/bus/metrics"
)

// Handler processes one envelope and may produce zero or one response
// envelope. A nil response with a nil error means the envelope was consumed
// without a reply.
type Handler func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// BatchHandler processes a whole batch at once and returns the response
// envelopes, if any.
type BatchHandler func(ctx context.Context, envs []*envelope.Envelope) ([]*envelope.Envelope, error)

// Predicate decides whether a route accepts an envelope.
type Predicate func(env *envelope.Envelope) bool

// Hook observes envelope processing. Before and after hooks run
// concurrently and cannot veto processing.
type Hook func(ctx context.Context, env *envelope.Envelope)

// ErrorHook observes processing failures.
type ErrorHook func(ctx context.Context, env *envelope.Envelope, err error)

// Middleware wraps the routing step. The first registered middleware is the
// outermost; a middleware may short-circuit by not calling next.
type Middleware func(next Handler) Handler

// MessageProcessingError wraps a handler failure with the envelope that
// triggered it.
type MessageProcessingError struct {
	Envelope *envelope.Envelope
	Err      error
}

func (e *MessageProcessingError) Error() string {
	id := ""
	if e.Envelope != nil {
		id = e.Envelope.ID
	}
	return fmt.Sprintf("chatwire: processing message %s: %v", id, e.Err)
}

func (e *MessageProcessingError) Unwrap() error { return e.Err }

// route is one registered table entry. seq preserves registration order
// across the indices.
type route struct {
	seq         int
	name        string
	predicate   Predicate
	handler     Handler
	messageType envelope.ContentType
	platform    string
	eventTypes  []envelope.EventType
}

func (rt *route) matches(env *envelope.Envelope) bool {
	if rt.messageType != "" && env.ContentType() != rt.messageType {
		return false
	}
	if rt.platform != "" && env.Platform != rt.platform {
		return false
	}
	if len(rt.eventTypes) > 0 {
		et := env.EventType()
		if et == "" {
			return false
		}
		found := false
		for _, want := range rt.eventTypes {
			if want == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rt.predicate == nil {
		return true
	}
	return rt.predicate(env)
}

// RouteOption customizes a route registration.
type RouteOption func(*route)

// WithName labels the route in logs.
func WithName(name string) RouteOption {
	return func(rt *route) { rt.name = name }
}

// WithContentType narrows the route to envelopes of one content type.
func WithContentType(ct envelope.ContentType) RouteOption {
	return func(rt *route) { rt.messageType = ct }
}

// WithPlatform narrows the route to envelopes from one platform.
func WithPlatform(platform string) RouteOption {
	return func(rt *route) { rt.platform = platform }
}

// WithPredicate narrows the route with an extra predicate, ANDed with any
// predicate already on the route.
func WithPredicate(p Predicate) RouteOption {
	return func(rt *route) {
		if prev := rt.predicate; prev != nil {
			rt.predicate = func(env *envelope.Envelope) bool {
				return prev(env) && p(env)
			}
			return
		}
		rt.predicate = p
	}
}

// WithEventTypes narrows the route to event envelopes of the given types.
func WithEventTypes(types ...envelope.EventType) RouteOption {
	return func(rt *route) { rt.eventTypes = types }
}

// MessageRuntime is the routing engine. It is safe for concurrent
// registration and dispatch.
type MessageRuntime struct {
	log     logging.BusLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	nextSeq int
	generic []*route
	byType  map[envelope.ContentType][]*route
	byEvent map[envelope.EventType][]*route

	middlewares []Middleware
	chain       Handler

	beforeHooks []Hook
	afterHooks  []Hook
	errorHooks  []ErrorHook

	batchHandler BatchHandler

	fallback Handler
}

// NewMessageRuntime builds an empty runtime.
func NewMessageRuntime(log logging.BusLogger) *MessageRuntime {
	if log == nil {
		log = logging.Nop()
	}
	r := &MessageRuntime{
		log:     log.With(logging.LogFields{"component": "runtime"}),
		byType:  make(map[envelope.ContentType][]*route),
		byEvent: make(map[envelope.EventType][]*route),
	}
	r.chain = r.dispatch
	return r
}

// SetMetrics attaches processing instrumentation.
func (r *MessageRuntime) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// AddRoute registers a predicate route. A nil predicate matches everything
// the declared narrowing (if any) lets through.
func (r *MessageRuntime) AddRoute(predicate Predicate, h Handler, opts ...RouteOption) error {
	if h == nil {
		return errs.ErrHandlerRequired
	}
	rt := &route{predicate: predicate, handler: h}
	for _, opt := range opts {
		opt(rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rt.seq = r.nextSeq
	r.nextSeq++
	if rt.name == "" {
		rt.name = fmt.Sprintf("route-%d", rt.seq)
	}

	switch {
	case rt.messageType != "":
		r.byType[rt.messageType] = append(r.byType[rt.messageType], rt)
	case len(rt.eventTypes) > 0:
		for _, et := range rt.eventTypes {
			r.byEvent[et] = append(r.byEvent[et], rt)
		}
	default:
		r.generic = append(r.generic, rt)
	}
	return nil
}

// OnMessage registers a handler for one content type. Platform and extra
// predicate narrowing come in through WithPlatform and WithPredicate; all
// narrowings are ANDed.
func (r *MessageRuntime) OnMessage(ct envelope.ContentType, h Handler, opts ...RouteOption) error {
	return r.AddRoute(nil, h, append([]RouteOption{WithContentType(ct)}, opts...)...)
}

// OnEvent registers a handler for event envelopes of the given types.
func (r *MessageRuntime) OnEvent(h Handler, types ...envelope.EventType) error {
	return r.AddRoute(nil, h, WithEventTypes(types...))
}

// SetFallback installs the handler invoked when no route matches. Without a
// fallback, unrouted envelopes are logged and dropped.
func (r *MessageRuntime) SetFallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Use appends mw to the middleware chain. The first middleware added wraps
// all later ones.
func (r *MessageRuntime) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
	chain := Handler(r.dispatch)
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		chain = r.middlewares[i](chain)
	}
	r.chain = chain
}

// BeforeProcess registers a hook run before routing. Hooks run concurrently
// and processing waits for all of them.
func (r *MessageRuntime) BeforeProcess(h Hook) {
	r.mu.Lock()
	r.beforeHooks = append(r.beforeHooks, h)
	r.mu.Unlock()
}

// AfterProcess registers a hook run after successful processing.
func (r *MessageRuntime) AfterProcess(h Hook) {
	r.mu.Lock()
	r.afterHooks = append(r.afterHooks, h)
	r.mu.Unlock()
}

// OnError registers a hook run when processing fails.
func (r *MessageRuntime) OnError(h ErrorHook) {
	r.mu.Lock()
	r.errorHooks = append(r.errorHooks, h)
	r.mu.Unlock()
}

// SetBatchHandler installs a batch handler that replaces per-envelope
// routing in HandleBatch.
func (r *MessageRuntime) SetBatchHandler(h BatchHandler) {
	r.mu.Lock()
	r.batchHandler = h
	r.mu.Unlock()
}

// HandleMessage runs env through the middleware chain, the route table, and
// the hooks, and returns the handler's response envelope, if any. A handler
// failure is returned wrapped in *MessageProcessingError after the error
// hooks have run.
func (r *MessageRuntime) HandleMessage(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	r.mu.RLock()
	chain := r.chain
	before := append([]Hook(nil), r.beforeHooks...)
	after := append([]Hook(nil), r.afterHooks...)
	onErr := append([]ErrorHook(nil), r.errorHooks...)
	r.mu.RUnlock()

	runHooks(ctx, env, before)

	resp, err := chain(ctx, env)
	if err != nil {
		var wg sync.WaitGroup
		for _, h := range onErr {
			wg.Add(1)
			go func(h ErrorHook) {
				defer wg.Done()
				h(ctx, env, err)
			}(h)
		}
		wg.Wait()
		r.countHandled(env, metrics.ResultError)
		return nil, &MessageProcessingError{Envelope: env, Err: err}
	}

	runHooks(ctx, env, after)
	r.countHandled(env, metrics.ResultOK)
	return resp, nil
}

// HandleBatch processes a batch and returns the response envelopes in order.
// With a batch handler installed the batch is handed over whole; otherwise
// each envelope runs through HandleMessage and the non-nil responses are
// collected. A failure stops the batch and returns the responses gathered so
// far alongside the error.
func (r *MessageRuntime) HandleBatch(ctx context.Context, envs []*envelope.Envelope) ([]*envelope.Envelope, error) {
	r.mu.RLock()
	bh := r.batchHandler
	r.mu.RUnlock()

	if bh != nil {
		return bh(ctx, envs)
	}

	var responses []*envelope.Envelope
	for _, env := range envs {
		resp, err := r.HandleMessage(ctx, env)
		if err != nil {
			return responses, err
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses, nil
}

// dispatch is the innermost handler: pick the route and run it, converting
// handler panics into errors.
func (r *MessageRuntime) dispatch(ctx context.Context, env *envelope.Envelope) (resp *envelope.Envelope, err error) {
	rt, fallback := r.selectRoute(env)
	if rt == nil && fallback == nil {
		r.log.Debug("no route matched, dropping envelope", logging.LogFields{
			"message_id":   env.ID,
			"content_type": string(env.ContentType()),
		})
		r.countHandled(env, metrics.ResultUnrouted)
		return nil, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = fmt.Errorf("chatwire: handler panicked: %v", rec)
		}
	}()

	if rt != nil {
		return rt.handler(ctx, env)
	}
	return fallback(ctx, env)
}

// selectRoute gathers candidates from the type and event indices plus the
// generic routes, orders them by registration sequence, and returns the
// first whose predicate accepts env.
func (r *MessageRuntime) selectRoute(env *envelope.Envelope) (*route, Handler) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]*route, 0, len(r.generic)+4)
	candidates = append(candidates, r.byType[env.ContentType()]...)
	if et := env.EventType(); et != "" {
		candidates = append(candidates, r.byEvent[et]...)
	}
	candidates = append(candidates, r.generic...)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].seq < candidates[j].seq
	})

	for _, rt := range candidates {
		if rt.matches(env) {
			return rt, nil
		}
	}
	return nil, r.fallback
}

func (r *MessageRuntime) countHandled(env *envelope.Envelope, result string) {
	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()
	if m != nil {
		m.MessagesHandled.WithLabelValues(env.Platform, result).Inc()
	}
}

// runHooks fires hooks concurrently and waits for all of them.
func runHooks(ctx context.Context, env *envelope.Envelope, hooks []Hook) {
	if len(hooks) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			h(ctx, env)
		}(h)
	}
	wg.Wait()
}
