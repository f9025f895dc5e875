package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatwire/chatwire/internal/bus/envelope"
	"github.com/chatwire/chatwire/internal/bus/errs"
	"github.com/chatwire/chatwire/internal/bus/logging"
)

// ConnectOptions identify this endpoint to a message server.
type ConnectOptions struct {
	// URL is the ws:// or wss:// endpoint of the server.
	URL string

	// Platform is sent in the handshake and keys this connection in the
	// server's registry.
	Platform string

	// Token is the optional bearer token for servers with auth enabled.
	Token string

	// TLSCAFile optionally points at a PEM bundle used to verify the
	// server certificate.
	TLSCAFile string
}

// Client is the dialing end of the wire protocol. It runs a background
// receive loop and reports involuntary disconnects through a callback; it
// does not self-heal; reconnection policy belongs to the owning Router.
type Client struct {
	log logging.BusLogger

	handlersMu sync.RWMutex
	handlers   []Handler

	onDisconnect func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	recvDone chan struct{}
	opts     ConnectOptions
	stopped  bool

	tasks sync.WaitGroup
}

// NewClient builds an unconnected client.
func NewClient(log logging.BusLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		log: log.With(logging.LogFields{"component": "wire_client"}),
	}
}

// RegisterHandler adds a callback invoked for every inbound envelope.
func (c *Client) RegisterHandler(h Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// SetDisconnectCallback installs a hook fired once per involuntary
// disconnect (read error or peer close). It is not fired by Stop.
func (c *Client) SetDisconnectCallback(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Connect dials the server and starts the receive loop.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	if opts.URL == "" {
		return errors.New("chatwire: client connect requires a url")
	}

	header := http.Header{}
	header.Set("platform", opts.Platform)
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if opts.TLSCAFile != "" {
		pem, err := os.ReadFile(opts.TLSCAFile)
		if err != nil {
			return fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("tls ca %s contains no certificates", opts.TLSCAFile)
		}
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", errs.ErrNotConnected, opts.URL, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		old := c.conn
		c.mu.Unlock()
		_ = old.Close()
		c.mu.Lock()
	}
	c.conn = conn
	c.opts = opts
	c.stopped = false
	c.recvDone = make(chan struct{})
	done := c.recvDone
	c.mu.Unlock()

	go c.receiveLoop(conn, done)
	return nil
}

// receiveLoop parses inbound frames until the socket drops. On an
// involuntary disconnect it clears connection state and fires the
// disconnect callback.
func (c *Client) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatchData(data)
	}

	c.mu.Lock()
	voluntary := c.stopped
	if c.conn == conn {
		c.conn = nil
	}
	hook := c.onDisconnect
	platform := c.opts.Platform
	c.mu.Unlock()

	if !voluntary {
		c.log.Info("connection lost", logging.LogFields{
			"platform": platform,
			"error":    fmt.Sprint(readErr),
		})
		if hook != nil {
			hook(readErr)
		}
	}
}

func (c *Client) dispatchData(data []byte) {
	frames, err := parseFrames(data)
	if err != nil {
		c.log.Error("dropping invalid frame", err, nil)
		return
	}
	c.handlersMu.RLock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, frame := range frames {
		envs, err := decodePayload(frame.Payload)
		if err != nil {
			c.log.Error("dropping undecodable payload items", err, nil)
		}
		for _, env := range envs {
			for _, h := range handlers {
				c.tasks.Add(1)
				go func(h Handler, env *envelope.Envelope) {
					defer c.tasks.Done()
					h(context.Background(), env)
				}(h, env)
			}
		}
	}
}

// IsConnected reflects live socket state, not intent.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done returns a channel closed when the current receive loop exits. It
// returns a closed channel when the client never connected.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.recvDone
}

// SendEnvelope writes one envelope frame. It fails when the socket is not
// established.
func (c *Client) SendEnvelope(env *envelope.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrNotConnected
	}
	data, err := EncodeFrame(FrameTypeMessage, env)
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

// SendEnvelopes writes a batch of envelopes as one array-payload frame.
func (c *Client) SendEnvelopes(envs []*envelope.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrNotConnected
	}
	data, err := EncodeBatchFrame(FrameTypeMessage, envs)
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrNotConnected, err)
	}
	return nil
}

// Stop closes the socket and waits for the receive loop and handler
// goroutines with a bounded wait. Safe to call when never connected.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.conn = nil
	done := c.recvDone
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopping")
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.log.Error("timed out waiting for receive loop", nil, nil)
		}
	}
	c.tasks.Wait()
	return nil
}
