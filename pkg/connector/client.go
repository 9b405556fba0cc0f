package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quillhq/quill/pkg/protocol"
)

// Handler executes one capability action. The returned value must be
// JSON-serializable; an error is wrapped into the connector.response frame.
type Handler func(ctx context.Context, action string, params json.RawMessage) (interface{}, error)

// ClientOptions configures a remote connector client.
type ClientOptions struct {
	URL            string
	Token          string
	Name           string
	Capabilities   map[string]Handler
	Metadata       map[string]string
	ConnectTimeout time.Duration
	Reconnect      bool
	Retry          RetryPolicy
	Logger         zerolog.Logger
}

// Client is the remote counterpart of the registry: it authenticates,
// registers its capabilities and executes capability calls dispatched by
// the daemon.
type Client struct {
	opts ClientOptions

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	attempts int

	// OnDisconnect, if set, is invoked after an unexpected close, before
	// any reconnect is scheduled.
	OnDisconnect func(err error)
}

// NewClient validates options and creates a client. Connect must be called
// before capability calls can arrive.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("connector name is required")
	}
	if len(opts.Capabilities) == 0 {
		return nil, fmt.Errorf("at least one capability is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Client{opts: opts}, nil
}

// Connect opens the transport and performs the full auth+register
// handshake. It resolves only once connector.ack arrives; the whole
// handshake is bounded by ConnectTimeout. A positively-identified
// auth.error is terminal (ErrAuthRejected) and is never retried.
func (c *Client) Connect(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	if err := c.handshake(conn, deadline); err != nil {
		conn.Close()
		return err
	}

	// Handshake complete; clear the deadline for the long-lived read loop.
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn)

	c.opts.Logger.Info().
		Str("name", c.opts.Name).
		Str("url", c.opts.URL).
		Msg("Connector registered with daemon")

	return nil
}

// handshake sends auth and connector.register, waiting for auth.ok and
// connector.ack in order. Registration is not complete on socket-open
// alone.
func (c *Client) handshake(conn *websocket.Conn, deadline time.Time) error {
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteJSON(protocol.Message{
		Type:  protocol.TypeAuth,
		Token: c.opts.Token,
	}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
		switch msg.Type {
		case protocol.TypeAuthOK:
			capabilities := make([]string, 0, len(c.opts.Capabilities))
			for name := range c.opts.Capabilities {
				capabilities = append(capabilities, name)
			}
			if err := conn.WriteJSON(protocol.Message{
				Type:         protocol.TypeConnectorRegister,
				Name:         c.opts.Name,
				Capabilities: capabilities,
				Metadata:     c.opts.Metadata,
			}); err != nil {
				return fmt.Errorf("failed to send register: %w", err)
			}
		case protocol.TypeAuthError:
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error)
		case protocol.TypeConnectorAck:
			if !msg.OK {
				return fmt.Errorf("registration refused: %s", msg.Error)
			}
			_ = conn.SetWriteDeadline(time.Time{})
			return nil
		case protocol.TypeError:
			return fmt.Errorf("handshake error: %s", msg.Error)
		default:
			// Ignore unrelated frames during handshake.
		}
	}
}

// readLoop processes frames until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleClose(err)
			return
		}

		switch msg.Type {
		case protocol.TypePing:
			if err := c.write(protocol.Message{Type: protocol.TypePong}); err != nil {
				c.opts.Logger.Error().Err(err).Msg("Failed to send pong")
			}
		case protocol.TypeConnectorRequest:
			go c.dispatch(msg)
		default:
			// Unsolicited frames are ignored on the client side.
		}
	}
}

// dispatch runs the capability handler and wraps either outcome into a
// connector.response.
func (c *Client) dispatch(msg protocol.Message) {
	handler, ok := c.opts.Capabilities[msg.Capability]
	response := protocol.Message{
		Type:      protocol.TypeConnectorResponse,
		RequestID: msg.RequestID,
	}

	if !ok {
		response.Error = fmt.Sprintf("unsupported capability: %s", msg.Capability)
	} else {
		ctx := context.Background()
		if msg.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		result, err := handler(ctx, msg.Action, msg.Params)
		if err != nil {
			response.Error = err.Error()
		} else {
			data, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				response.Error = fmt.Sprintf("failed to marshal result: %v", marshalErr)
			} else {
				response.Result = data
			}
		}
	}

	if err := c.write(response); err != nil {
		c.opts.Logger.Error().
			Err(err).
			Str("requestId", msg.RequestID).
			Msg("Failed to send response")
	}
}

// handleClose schedules a reconnect with backoff+jitter unless the client
// was closed deliberately or reconnect is disabled.
func (c *Client) handleClose(err error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	closed := c.closed
	attempt := c.attempts
	c.attempts++
	c.mu.Unlock()

	if c.OnDisconnect != nil && !closed {
		c.OnDisconnect(err)
	}

	if closed || !c.opts.Reconnect {
		return
	}

	delay := c.opts.Retry.Delay(attempt)
	c.opts.Logger.Warn().
		Err(err).
		Dur("delay", delay).
		Int("attempt", attempt+1).
		Msg("Connection lost, scheduling reconnect")

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.Connect(context.Background()); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				// Config error, not a transient network issue.
				c.opts.Logger.Error().Err(err).Msg("Authentication rejected, giving up")
				return
			}
			c.handleClose(err)
		}
	})
}

func (c *Client) write(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

// Close tears the client down and suppresses reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
