package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/wire"
)

func routedEnvelope(id, platform string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:          id,
		Direction:   envelope.DirectionIncoming,
		Platform:    platform,
		TimestampMS: time.Now().UnixMilli(),
		Content:     envelope.NewText(id),
	}
}

func newWireServer(t *testing.T) (*wire.Server, string) {
	t.Helper()
	s := wire.NewServer(wire.ServerConfig{}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitConnected(t *testing.T, r *Router, platform string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.IsConnected(platform) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("platform %s never connected", platform)
}

func TestRouterValidatesTargets(t *testing.T) {
	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"ws-ok":   {URL: "ws://127.0.0.1:1/ws"},
		"wss-ok":  {URL: "wss://127.0.0.1:1/ws"},
		"tcp-bad": {URL: "tcp://127.0.0.1:1"},
		"junk":    {URL: "ftp://example.com"},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Connect(context.Background(), "ws-ok"))
	require.NoError(t, r.Connect(context.Background(), "wss-ok"))

	err := r.Connect(context.Background(), "tcp-bad")
	require.ErrorIs(t, err, errs.ErrNotImplemented)

	require.Error(t, r.Connect(context.Background(), "junk"))

	err = r.Connect(context.Background(), "nowhere")
	require.ErrorIs(t, err, errs.ErrUnknownPlatform)
}

func TestRouterConnectsAndRoutes(t *testing.T) {
	server, url := newWireServer(t)

	var mu sync.Mutex
	var serverReceived []string
	server.RegisterHandler(func(_ context.Context, env *envelope.Envelope) {
		mu.Lock()
		serverReceived = append(serverReceived, env.ID)
		mu.Unlock()
	})

	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"telegram": {URL: url},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Start(context.Background()))
	waitConnected(t, r, "telegram")

	require.NoError(t, r.SendEnvelope(routedEnvelope("up-1", "telegram")))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(serverReceived)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, []string{"up-1"}, serverReceived)
	mu.Unlock()
}

func TestRouterHandlerAppliesToExistingAndFutureClients(t *testing.T) {
	serverA, urlA := newWireServer(t)
	serverB, urlB := newWireServer(t)

	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"a": {URL: urlA},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Start(context.Background()))
	waitConnected(t, r, "a")

	received := make(chan string, 4)
	r.RegisterHandler(func(_ context.Context, env *envelope.Envelope) {
		received <- env.ID
	})

	require.NoError(t, r.UpdateConfig(context.Background(), RouteConfig{Routes: map[string]TargetConfig{
		"a": {URL: urlA},
		"b": {URL: urlB},
	}}))
	waitConnected(t, r, "b")

	require.NoError(t, serverA.SendEnvelope(routedEnvelope("from-a", "a")))
	require.NoError(t, serverB.SendEnvelope(routedEnvelope("from-b", "b")))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.True(t, got["from-a"])
	assert.True(t, got["from-b"])
}

func TestRouterUpdateConfigConverges(t *testing.T) {
	_, urlA := newWireServer(t)
	_, urlB := newWireServer(t)
	_, urlC := newWireServer(t)

	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"a": {URL: urlA},
		"b": {URL: urlB},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Start(context.Background()))
	waitConnected(t, r, "a")
	waitConnected(t, r, "b")

	// Drop a, keep b untouched, add c.
	require.NoError(t, r.UpdateConfig(context.Background(), RouteConfig{Routes: map[string]TargetConfig{
		"b": {URL: urlB},
		"c": {URL: urlC},
	}}))
	waitConnected(t, r, "c")

	assert.False(t, r.IsConnected("a"))
	assert.True(t, r.IsConnected("b"))
	assert.ElementsMatch(t, []string{"b", "c"}, r.Platforms())
}

func TestRouterReconnectsAfterServerRestart(t *testing.T) {
	s := wire.NewServer(wire.ServerConfig{}, nil)
	ts := httptest.NewServer(s.Handler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"flaky": {URL: url},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Start(context.Background()))
	waitConnected(t, r, "flaky")

	// Kill the connection from the server side; the listener stays up so
	// the router can redial the same address.
	require.NoError(t, s.Stop())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && r.IsConnected("flaky") {
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh server on the same listener lets the backoff loop land.
	s2 := wire.NewServer(wire.ServerConfig{}, nil)
	ts.Config.Handler = s2.Handler()
	defer func() {
		_ = s2.Stop()
		ts.Close()
	}()

	waitConnected(t, r, "flaky")
}

func TestRouterRemovePlatform(t *testing.T) {
	_, url := newWireServer(t)

	r := NewRouter(RouteConfig{Routes: map[string]TargetConfig{
		"gone": {URL: url},
	}}, nil)
	defer func() { _ = r.Stop() }()

	require.NoError(t, r.Start(context.Background()))
	waitConnected(t, r, "gone")

	require.NoError(t, r.RemovePlatform("gone"))
	assert.Empty(t, r.Platforms())

	err := r.RemovePlatform("gone")
	require.ErrorIs(t, err, errs.ErrUnknownPlatform)

	err = r.SendEnvelope(routedEnvelope("x", "gone"))
	require.ErrorIs(t, err, errs.ErrUnknownPlatform)
}
