package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
	"github.com/chatwire/chatwire/internal/bus/wire"
)

// startWebSocket dials the platform socket and spawns the receive loop.
// Caller holds a.mu.
func (a *Adapter) startWebSocket(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, a.wsOpts.URL, a.wsOpts.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	a.ws = conn
	a.recvCancel = cancel
	a.recvDone = make(chan struct{})

	go a.receiveLoop(recvCtx, conn, a.recvDone)
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	parse := a.wsOpts.ParseIncoming
	if parse == nil {
		parse = defaultParseIncoming
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.log.Info("platform socket closed", logging.LogFields{"error": err.Error()})
			}
			return
		}
		raw, err := parse(data)
		if err != nil {
			a.log.Error("dropping unparseable platform message", err, nil)
			continue
		}
		if err := a.OnPlatformMessage(ctx, raw); err != nil {
			a.log.Error("failed to forward platform message", err, nil)
		}
	}
}

func (a *Adapter) sendViaWebSocket(env *envelope.Envelope) error {
	a.mu.Lock()
	conn := a.ws
	a.mu.Unlock()
	if conn == nil {
		return errs.ErrNotConnected
	}
	encode := a.wsOpts.EncodeOutgoing
	if encode == nil {
		encode = defaultEncodeOutgoing
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	a.wsWriteMu.Lock()
	defer a.wsWriteMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// defaultParseIncoming unwraps {"type":..., "payload":...} frames and
// passes anything else through untouched.
func defaultParseIncoming(data []byte) ([]byte, error) {
	var frame wire.Frame
	if err := sonic.ConfigStd.Unmarshal(data, &frame); err == nil && frame.Type != "" && len(frame.Payload) > 0 {
		return frame.Payload, nil
	}
	return data, nil
}

func defaultEncodeOutgoing(env *envelope.Envelope) ([]byte, error) {
	return wire.EncodeFrame(wire.FrameTypeSend, env)
}

// startHTTP binds the inbound webhook listener. Caller holds a.mu.
func (a *Adapter) startHTTP() error {
	opts := a.httpOpts.withDefaults()

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Post(opts.Path, a.handleHTTPIngress)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}

	a.httpSrv = &http.Server{Handler: router}
	a.httpDone = make(chan struct{})
	srv := a.httpSrv
	done := a.httpDone

	go func() {
		defer close(done)
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			a.log.Error("http ingress terminated", serr, nil)
		}
	}()

	a.log.Info("http ingress listening", logging.LogFields{"addr": opts.Addr, "path": opts.Path})
	return nil
}

// handleHTTPIngress accepts a single payload object or a JSON array of
// payloads and always responds {"status":"ok"} on success.
func (a *Adapter) handleHTTPIngress(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := sonic.ConfigStd.Unmarshal(trimmed, &items); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json array")
			return
		}
		raws := make([][]byte, len(items))
		for i, item := range items {
			raws[i] = item
		}
		err = a.OnPlatformMessages(r.Context(), raws)
	} else {
		err = a.OnPlatformMessage(r.Context(), body)
	}
	if err != nil {
		a.log.Error("http ingress rejected payload", err, nil)
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	payload, _ := sonic.ConfigStd.Marshal(map[string]string{"status": "error", "detail": detail})
	_, _ = w.Write(payload)
}
