package wire

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
)

// Handler receives one decoded envelope from a wire connection. Handlers for
// the items of one frame run as independent goroutines, so a slow handler
// never serializes behind another.
type Handler func(ctx context.Context, env *envelope.Envelope)

// ServerConfig configures a message server. Zero values fall back to
// defaults.
type ServerConfig struct {
	Host string // defaults to 0.0.0.0
	Port int    // defaults to 18000
	Path string // websocket endpoint path, defaults to /ws

	// EnableTokenAuth requires clients to present a bearer token matching
	// the configured set; failures close the socket with code 1008.
	EnableTokenAuth bool

	// TLSCertFile/TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 18000
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return cfg
}

// serverConn is one live websocket with its write lock. gorilla/websocket
// allows a single concurrent writer per connection.
type serverConn struct {
	conn     *websocket.Conn
	platform string
	writeMu  sync.Mutex
}

func (c *serverConn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *serverConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.writeMessage(websocket.CloseMessage, msg)
	_ = c.conn.Close()
}

// Server is the listening end of the wire protocol. It keeps a
// one-connection-per-platform registry: a new connection for an
// already-connected platform replaces the old one.
type Server struct {
	cfg ServerConfig
	log logging.BusLogger

	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*serverConn]struct{}
	platforms map[string]*serverConn
	tokens    map[string]struct{}

	handlersMu sync.RWMutex
	handlers   []Handler

	srv      *http.Server
	baseCtx  context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	stopOnce sync.Once
}

// NewServer builds a message server. Call Start to listen, or mount
// Handler() on an existing mux to share a listener.
func NewServer(cfg ServerConfig, log logging.BusLogger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg.withDefaults(),
		log:       log.With(logging.LogFields{"component": "wire_server"}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:     make(map[*serverConn]struct{}),
		platforms: make(map[string]*serverConn),
		tokens:    make(map[string]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// RegisterHandler adds a callback invoked for every inbound envelope.
func (s *Server) RegisterHandler(h Handler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

// AddValidToken adds a token to the accepted set.
func (s *Server) AddValidToken(token string) {
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
}

// RemoveValidToken revokes a token. Established connections stay up.
func (s *Server) RemoveValidToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *Server) verifyToken(token string) bool {
	if !s.cfg.EnableTokenAuth {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

// Handler returns the websocket endpoint for mounting on an external mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Start listens on the configured host:port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.log.Info("wire server listening", logging.LogFields{
		"addr": s.srv.Addr,
		"path": s.cfg.Path,
	})

	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		err = s.srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	platform := r.Header.Get("platform")
	if platform == "" {
		platform = "unknown"
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", err, logging.LogFields{"platform": platform})
		return
	}
	sc := &serverConn{conn: conn, platform: platform}

	if !s.verifyToken(token) {
		s.log.Info("rejecting connection with invalid token", logging.LogFields{"platform": platform})
		sc.closeWith(websocket.ClosePolicyViolation, "invalid token")
		return
	}

	s.register(sc)
	defer s.unregister(sc)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatchData(platform, data)
	}
}

// register adds the connection, replacing any live connection for the same
// platform. Last writer wins; there are never two live sockets per platform.
func (s *Server) register(sc *serverConn) {
	s.mu.Lock()
	previous := s.platforms[sc.platform]
	s.conns[sc] = struct{}{}
	s.platforms[sc.platform] = sc
	if previous != nil {
		delete(s.conns, previous)
	}
	s.mu.Unlock()

	if previous != nil {
		s.log.Info("replacing existing connection", logging.LogFields{"platform": sc.platform})
		previous.closeWith(websocket.CloseNormalClosure, "replaced")
	}
}

func (s *Server) unregister(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	if s.platforms[sc.platform] == sc {
		delete(s.platforms, sc.platform)
	}
	s.mu.Unlock()
	_ = sc.conn.Close()
}

// dispatchData parses one websocket message into frames and envelopes and
// hands every envelope to every registered handler as its own goroutine.
// Decode failures are isolated per item and logged, never fatal to the
// receive loop.
func (s *Server) dispatchData(platform string, data []byte) {
	frames, err := parseFrames(data)
	if err != nil {
		s.log.Error("dropping invalid frame", err, logging.LogFields{"platform": platform})
		return
	}
	s.handlersMu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()

	for _, frame := range frames {
		envs, err := decodePayload(frame.Payload)
		if err != nil {
			s.log.Error("dropping undecodable payload items", err, logging.LogFields{"platform": platform})
		}
		for _, env := range envs {
			for _, h := range handlers {
				s.tasks.Add(1)
				go func(h Handler, env *envelope.Envelope) {
					defer s.tasks.Done()
					h(s.baseCtx, env)
				}(h, env)
			}
		}
	}
}

// BroadcastToPlatform sends one envelope to the platform's live connection
// and fails loudly when none exists.
func (s *Server) BroadcastToPlatform(platform string, env *envelope.Envelope) error {
	s.mu.Lock()
	sc := s.platforms[platform]
	s.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("%w: %s", errs.ErrNoConnection, platform)
	}
	data, err := EncodeFrame(FrameTypeSend, env)
	if err != nil {
		return err
	}
	return sc.writeMessage(websocket.TextMessage, data)
}

// Broadcast sends one envelope to every live connection.
func (s *Server) Broadcast(env *envelope.Envelope) error {
	data, err := EncodeFrame(FrameTypeSend, env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		targets = append(targets, sc)
	}
	s.mu.Unlock()

	for _, sc := range targets {
		if werr := sc.writeMessage(websocket.TextMessage, data); werr != nil {
			s.log.Error("broadcast write failed", werr, logging.LogFields{"platform": sc.platform})
		}
	}
	return nil
}

// SendEnvelope routes an envelope to the connection matching its platform.
func (s *Server) SendEnvelope(env *envelope.Envelope) error {
	if env.Platform == "" {
		return fmt.Errorf("%w: envelope has no platform", errs.ErrUnknownPlatform)
	}
	return s.BroadcastToPlatform(env.Platform, env)
}

// ConnectedPlatforms lists platforms with a live connection.
func (s *Server) ConnectedPlatforms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.platforms))
	for platform := range s.platforms {
		out = append(out, platform)
	}
	return out
}

// Stop closes every connection with a going-away code, shuts the listener
// down, and waits for in-flight handler goroutines. Idempotent.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		targets := make([]*serverConn, 0, len(s.conns))
		for sc := range s.conns {
			targets = append(targets, sc)
		}
		s.conns = make(map[*serverConn]struct{})
		s.platforms = make(map[string]*serverConn)
		s.mu.Unlock()

		for _, sc := range targets {
			sc.closeWith(websocket.CloseGoingAway, "server shutting down")
		}

		if s.srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.srv.Shutdown(shutdownCtx)
		}

		s.cancel()
		s.tasks.Wait()
	})
	return err
}
