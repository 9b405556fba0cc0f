package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillhq/quill/pkg/protocol"
)

// connState is the per-connection auth state machine. A connection is
// born awaiting auth and transitions exactly once to authenticated; close
// is terminal in either state.
type connState int

const (
	StateAwaitingAuth connState = iota
	StateAuthenticated
)

// Client wraps one WebSocket connection. It implements connector.Conn so
// the registry can write frames and terminate the socket directly.
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	state        connState
	subject      string
	scopes       []string
	lastActivity time.Time
}

// ClientInfo is the externally visible view of a connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	RemoteAddr    string    `json:"remoteAddr"`
}

// ID uniquely identifies the connection.
func (c *Client) ID() string {
	return c.id
}

// WriteMessage sends a protocol frame. Serialized so concurrent handlers
// never interleave writes on the socket.
func (c *Client) WriteMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteJSON(msg)
}

// Terminate closes the underlying socket.
func (c *Client) Terminate() {
	_ = c.conn.Close()
}

// closeWithCode sends a close frame with the given code, then closes.
func (c *Client) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// authenticate transitions the connection to authenticated.
func (c *Client) authenticate(subject string, scopes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateAuthenticated
	c.subject = subject
	c.scopes = append([]string{}, scopes...)
}

// authenticated reports whether the connection has passed auth.
func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateAuthenticated
}

// hasScope reports whether the connection's token grants the scope.
func (c *Client) hasScope(s protocol.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return protocol.HasScope(c.scopes, s)
}

// grantedScopes returns a copy of the connection's scopes.
func (c *Client) grantedScopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string{}, c.scopes...)
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = time.Now()
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientInfo{
		ID:            c.id,
		Subject:       c.subject,
		Authenticated: c.state == StateAuthenticated,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		RemoteAddr:    c.remoteAddr,
	}
}
