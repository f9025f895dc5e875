package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
)

func textEnv(id, text string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:          id,
		Direction:   envelope.DirectionIncoming,
		Platform:    "test",
		TimestampMS: time.Now().UnixMilli(),
		Content:     envelope.NewText(text),
	}
}

func platformEnv(id, platform string) *envelope.Envelope {
	env := textEnv(id, "x")
	env.Platform = platform
	return env
}

func eventEnv(id string, et envelope.EventType) *envelope.Envelope {
	return &envelope.Envelope{
		ID:          id,
		Direction:   envelope.DirectionIncoming,
		Platform:    "test",
		TimestampMS: time.Now().UnixMilli(),
		Content:     envelope.NewEvent(et, nil),
	}
}

func namedHandler(mu *sync.Mutex, calls *[]string, name string) Handler {
	return func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, name)
		return nil, nil
	}
}

// replyHandler answers every envelope with an outgoing text reply.
func replyHandler(prefix string) Handler {
	return func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		text, ok := env.Content.(*envelope.TextContent)
		if !ok {
			return nil, nil
		}
		return &envelope.Envelope{
			ID:          "re-" + env.ID,
			Direction:   envelope.DirectionOutgoing,
			Platform:    env.Platform,
			TimestampMS: time.Now().UnixMilli(),
			Content:     envelope.NewText(prefix + text.Text),
		}, nil
	}
}

func TestRuntimeRequiresHandler(t *testing.T) {
	r := NewMessageRuntime(nil)
	err := r.AddRoute(nil, nil)
	require.ErrorIs(t, err, errs.ErrHandlerRequired)
}

func TestRuntimeRoutesByContentType(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	require.NoError(t, r.OnMessage(envelope.ContentTypeText, namedHandler(&mu, &calls, "text")))
	require.NoError(t, r.OnMessage(envelope.ContentTypeImage, namedHandler(&mu, &calls, "image")))

	_, err := r.HandleMessage(context.Background(), textEnv("1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"text"}, calls)
}

func TestRuntimeReturnsHandlerResponse(t *testing.T) {
	r := NewMessageRuntime(nil)
	require.NoError(t, r.OnMessage(envelope.ContentTypeText, replyHandler("echo: ")))

	resp, err := r.HandleMessage(context.Background(), textEnv("42", "hello"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "re-42", resp.ID)
	assert.Equal(t, envelope.DirectionOutgoing, resp.Direction)
	assert.Equal(t, "echo: hello", resp.Content.(*envelope.TextContent).Text)

	// A handler that consumes without replying yields a nil response.
	require.NoError(t, r.OnMessage(envelope.ContentTypeImage,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			return nil, nil
		}))
	img := textEnv("43", "")
	img.Content = &envelope.ImageContent{Type: envelope.ContentTypeImage, URL: "https://x/y.png"}
	resp, err = r.HandleMessage(context.Background(), img)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRuntimeRoutesByEventType(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	require.NoError(t, r.OnEvent(namedHandler(&mu, &calls, "join"), envelope.EventMemberJoin))
	require.NoError(t, r.OnEvent(namedHandler(&mu, &calls, "typing"), envelope.EventTyping))

	_, err := r.HandleMessage(context.Background(), eventEnv("1", envelope.EventTyping))
	require.NoError(t, err)
	_, err = r.HandleMessage(context.Background(), eventEnv("2", envelope.EventMemberJoin))
	require.NoError(t, err)
	assert.Equal(t, []string{"typing", "join"}, calls)
}

func TestRuntimeOnMessageNarrowsByPlatform(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		namedHandler(&mu, &calls, "telegram-only"), WithPlatform("telegram")))
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		namedHandler(&mu, &calls, "any-platform")))

	_, err := r.HandleMessage(context.Background(), platformEnv("1", "telegram"))
	require.NoError(t, err)
	_, err = r.HandleMessage(context.Background(), platformEnv("2", "discord"))
	require.NoError(t, err)

	assert.Equal(t, []string{"telegram-only", "any-platform"}, calls)
}

func TestRuntimeOnMessageExtraPredicate(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	// Content type, platform, and the extra predicate must all hold.
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		namedHandler(&mu, &calls, "narrow"),
		WithPlatform("telegram"),
		WithPredicate(func(env *envelope.Envelope) bool { return env.ID == "wanted" }),
	))
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		namedHandler(&mu, &calls, "rest")))

	_, err := r.HandleMessage(context.Background(), platformEnv("wanted", "telegram"))
	require.NoError(t, err)
	_, err = r.HandleMessage(context.Background(), platformEnv("unwanted", "telegram"))
	require.NoError(t, err)

	assert.Equal(t, []string{"narrow", "rest"}, calls)
}

func TestRuntimeWithPredicateStacksOnAddRoute(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	require.NoError(t, r.AddRoute(
		func(env *envelope.Envelope) bool { return env.ID != "" },
		namedHandler(&mu, &calls, "both"),
		WithPredicate(func(env *envelope.Envelope) bool { return env.ID == "pass" }),
	))

	_, err := r.HandleMessage(context.Background(), textEnv("pass", "x"))
	require.NoError(t, err)
	_, err = r.HandleMessage(context.Background(), textEnv("fail", "x"))
	require.NoError(t, err)

	assert.Equal(t, []string{"both"}, calls)
}

func TestRuntimeRegistrationOrderWinsAcrossIndices(t *testing.T) {
	// A generic predicate route registered before a type-indexed route must
	// win even though the indexed route is a cheaper candidate lookup.
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	require.NoError(t, r.AddRoute(func(env *envelope.Envelope) bool {
		return env.ID == "special"
	}, namedHandler(&mu, &calls, "generic-first")))
	require.NoError(t, r.OnMessage(envelope.ContentTypeText, namedHandler(&mu, &calls, "typed-second")))

	_, err := r.HandleMessage(context.Background(), textEnv("special", "x"))
	require.NoError(t, err)
	_, err = r.HandleMessage(context.Background(), textEnv("plain", "x"))
	require.NoError(t, err)

	assert.Equal(t, []string{"generic-first", "typed-second"}, calls)
}

func TestRuntimeFirstMatchingPredicateWins(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var calls []string

	matchAll := func(*envelope.Envelope) bool { return true }
	require.NoError(t, r.AddRoute(matchAll, namedHandler(&mu, &calls, "first"), WithName("first")))
	require.NoError(t, r.AddRoute(matchAll, namedHandler(&mu, &calls, "second"), WithName("second")))

	_, err := r.HandleMessage(context.Background(), textEnv("1", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, calls)
}

func TestRuntimeUnroutedDropsWithoutError(t *testing.T) {
	r := NewMessageRuntime(nil)
	require.NoError(t, r.OnMessage(envelope.ContentTypeImage,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			return nil, nil
		}))

	resp, err := r.HandleMessage(context.Background(), textEnv("1", "nobody wants me"))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRuntimeFallback(t *testing.T) {
	r := NewMessageRuntime(nil)
	var fallbackIDs []string
	r.SetFallback(func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		fallbackIDs = append(fallbackIDs, env.ID)
		return nil, nil
	})

	_, err := r.HandleMessage(context.Background(), textEnv("orphan", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, fallbackIDs)
}

func TestRuntimeMiddlewareOnion(t *testing.T) {
	r := NewMessageRuntime(nil)
	var order []string

	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
				order = append(order, name+"-in")
				resp, err := next(ctx, env)
				order = append(order, name+"-out")
				return resp, err
			}
		}
	}
	r.Use(mw("outer"))
	r.Use(mw("inner"))

	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			order = append(order, "handler")
			return nil, nil
		}))

	_, err := r.HandleMessage(context.Background(), textEnv("1", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}, order)
}

func TestRuntimeMiddlewarePassesResponseThrough(t *testing.T) {
	r := NewMessageRuntime(nil)
	r.Use(func(next Handler) Handler {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			return next(ctx, env)
		}
	})
	require.NoError(t, r.OnMessage(envelope.ContentTypeText, replyHandler("re: ")))

	resp, err := r.HandleMessage(context.Background(), textEnv("7", "ping"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "re: ping", resp.Content.(*envelope.TextContent).Text)
}

func TestRuntimeMiddlewareShortCircuit(t *testing.T) {
	r := NewMessageRuntime(nil)
	handled := false

	r.Use(func(next Handler) Handler {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if env.ID == "blocked" {
				return nil, nil
			}
			return next(ctx, env)
		}
	})
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			handled = true
			return nil, nil
		}))

	_, err := r.HandleMessage(context.Background(), textEnv("blocked", "x"))
	require.NoError(t, err)
	assert.False(t, handled)

	_, err = r.HandleMessage(context.Background(), textEnv("open", "x"))
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestRuntimeHooks(t *testing.T) {
	r := NewMessageRuntime(nil)
	var mu sync.Mutex
	var events []string
	record := func(name string) Hook {
		return func(context.Context, *envelope.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, name)
		}
	}

	r.BeforeProcess(record("before-1"))
	r.BeforeProcess(record("before-2"))
	r.AfterProcess(record("after"))
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "handler")
			return nil, nil
		}))

	_, err := r.HandleMessage(context.Background(), textEnv("1", "x"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	// Before hooks run concurrently with each other, but strictly before
	// the handler; the after hook runs last.
	assert.ElementsMatch(t, []string{"before-1", "before-2"}, events[:2])
	assert.Equal(t, "handler", events[2])
	assert.Equal(t, "after", events[3])
}

func TestRuntimeErrorWrapsAndFiresErrorHooks(t *testing.T) {
	r := NewMessageRuntime(nil)
	boom := errors.New("handler blew up")

	var hookErr error
	var hookEnv *envelope.Envelope
	r.OnError(func(_ context.Context, env *envelope.Envelope, err error) {
		hookErr = err
		hookEnv = env
	})
	var afterRan bool
	r.AfterProcess(func(context.Context, *envelope.Envelope) { afterRan = true })

	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			return nil, boom
		}))

	resp, err := r.HandleMessage(context.Background(), textEnv("bad", "x"))
	require.Error(t, err)
	assert.Nil(t, resp)

	var perr *MessageProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad", perr.Envelope.ID)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, boom, hookErr)
	assert.Equal(t, "bad", hookEnv.ID)
	assert.False(t, afterRan, "after hooks must not run on failure")
}

func TestRuntimeHandlerPanicBecomesError(t *testing.T) {
	r := NewMessageRuntime(nil)
	require.NoError(t, r.OnMessage(envelope.ContentTypeText,
		func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			panic("unexpected state")
		}))

	resp, err := r.HandleMessage(context.Background(), textEnv("1", "x"))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRuntimeHandleBatch(t *testing.T) {
	t.Run("collects non-nil responses in order", func(t *testing.T) {
		r := NewMessageRuntime(nil)
		require.NoError(t, r.OnMessage(envelope.ContentTypeText,
			func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
				if env.ID == "silent" {
					return nil, nil
				}
				reply := env.Clone()
				reply.ID = "re-" + env.ID
				reply.Direction = envelope.DirectionOutgoing
				return reply, nil
			}))

		responses, err := r.HandleBatch(context.Background(), []*envelope.Envelope{
			textEnv("a", "x"), textEnv("silent", "x"), textEnv("b", "x"),
		})
		require.NoError(t, err)
		require.Len(t, responses, 2)
		assert.Equal(t, "re-a", responses[0].ID)
		assert.Equal(t, "re-b", responses[1].ID)
	})

	t.Run("failure stops the batch", func(t *testing.T) {
		r := NewMessageRuntime(nil)
		var handled []string
		require.NoError(t, r.OnMessage(envelope.ContentTypeText,
			func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
				handled = append(handled, env.ID)
				if env.ID == "bad" {
					return nil, errors.New("no")
				}
				reply := env.Clone()
				reply.ID = "re-" + env.ID
				return reply, nil
			}))

		responses, err := r.HandleBatch(context.Background(), []*envelope.Envelope{
			textEnv("ok", "x"), textEnv("bad", "x"), textEnv("never", "x"),
		})
		require.Error(t, err)
		var perr *MessageProcessingError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "bad", perr.Envelope.ID)

		require.Len(t, responses, 1)
		assert.Equal(t, "re-ok", responses[0].ID)
		assert.Equal(t, []string{"ok", "bad"}, handled)
	})

	t.Run("batch handler bypasses routing", func(t *testing.T) {
		r := NewMessageRuntime(nil)
		routed := false
		require.NoError(t, r.OnMessage(envelope.ContentTypeText,
			func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
				routed = true
				return nil, nil
			}))

		r.SetBatchHandler(func(_ context.Context, envs []*envelope.Envelope) ([]*envelope.Envelope, error) {
			out := make([]*envelope.Envelope, 0, len(envs))
			for _, env := range envs {
				reply := env.Clone()
				reply.ID = "batch-" + env.ID
				out = append(out, reply)
			}
			return out, nil
		})

		responses, err := r.HandleBatch(context.Background(), []*envelope.Envelope{
			textEnv("1", "x"), textEnv("2", "x"),
		})
		require.NoError(t, err)
		require.Len(t, responses, 2)
		assert.Equal(t, "batch-1", responses[0].ID)
		assert.Equal(t, "batch-2", responses[1].ID)
		assert.False(t, routed)
	})

	t.Run("batch handler failure", func(t *testing.T) {
		r := NewMessageRuntime(nil)
		fail := errors.New("batch rejected")
		r.SetBatchHandler(func(context.Context, []*envelope.Envelope) ([]*envelope.Envelope, error) {
			return nil, fail
		})

		_, err := r.HandleBatch(context.Background(), []*envelope.Envelope{textEnv("1", "x")})
		require.ErrorIs(t, err, fail)
	})
}

func TestRuntimeLoggingMiddlewarePassesThrough(t *testing.T) {
	r := NewMessageRuntime(nil)
	r.Use(LoggingMiddleware(nil))

	require.NoError(t, r.OnMessage(envelope.ContentTypeText, replyHandler("re: ")))

	resp, err := r.HandleMessage(context.Background(), textEnv("1", "ping"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "re: ping", resp.Content.(*envelope.TextContent).Text)
}
