// Package gateway is the socket-facing dispatcher: it authenticates
// inbound WebSocket connections and demultiplexes protocol messages to the
// session store, the connector registry and the vault, plus a small HTTP
// surface for token issuance, one-shot chat and vault inspection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/quillhq/quill/pkg/connector"
	"github.com/quillhq/quill/pkg/protocol"
	"github.com/quillhq/quill/pkg/session"
	"github.com/quillhq/quill/pkg/token"
	"github.com/quillhq/quill/pkg/vault"
)

// ChatService is the slice of the session store the gateway needs.
type ChatService interface {
	SendOrRecover(ctx context.Context, key, prompt string, timeout time.Duration) (session.Reply, error)
}

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	Tokens         *token.Manager
	Ledger         *token.Ledger
	Chat           ChatService
	Connectors     *connector.Registry
	Vault          *vault.Vault
	IssuePassword  string
	IssueLimiter   *token.IssueLimiter
	OnVaultChanged func(path string)
	ChatTimeout    time.Duration
	Logger         zerolog.Logger
}

// Server is the gateway server.
type Server struct {
	host           string
	port           int
	tokens         *token.Manager
	ledger         *token.Ledger
	chat           ChatService
	connectors     *connector.Registry
	vault          *vault.Vault
	issuePassword  string
	issueLimiter   *token.IssueLimiter
	onVaultChanged func(path string)
	chatTimeout    time.Duration
	logger         zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
	clients  *ClientRegistry

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlight       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token manager is required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.Connectors == nil {
		return nil, fmt.Errorf("connector registry is required")
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 2 * time.Minute
	}

	return &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		tokens:         cfg.Tokens,
		ledger:         cfg.Ledger,
		chat:           cfg.Chat,
		connectors:     cfg.Connectors,
		vault:          cfg.Vault,
		issuePassword:  cfg.IssuePassword,
		issueLimiter:   cfg.IssueLimiter,
		onVaultChanged: cfg.OnVaultChanged,
		chatTimeout:    cfg.ChatTimeout,
		logger:         cfg.Logger,
		clients:        NewClientRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the server's HTTP handler, for embedding in tests or an
// existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/token", s.handleTokenIssue)
	mux.HandleFunc("/tokens", s.handleTokenList)
	mux.HandleFunc("/tokens/revoke", s.handleTokenRevoke)
	mux.HandleFunc("/chat", s.handleChatHTTP)
	mux.HandleFunc("/vault/notes", s.handleVaultList)
	mux.HandleFunc("/vault/note", s.handleVaultRead)
	mux.HandleFunc("/connectors", s.handleConnectorList)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the gateway server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Terminate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// ConnectedClients returns information about all connected clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}

// handleWebSocket upgrades the connection and runs its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		id:          clientID,
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	// Auth may be presented as a query parameter instead of a first frame.
	if qt := r.URL.Query().Get("token"); qt != "" {
		if !s.authenticateClient(client, qt) {
			s.clients.Remove(clientID)
			return
		}
	}

	go s.readLoop(client)
}

// readLoop processes frames in arrival order until the connection closes.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.Terminate()
		s.connectors.Unregister(client)
		s.clients.Remove(client.id)
		s.logger.Info().Str("clientId", client.id).Msg("Client disconnected")
	}()

	for {
		var msg protocol.Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.id).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		s.dispatch(client, msg)
	}
}

// dispatch routes one frame. While awaiting auth only auth frames are
// accepted; anything else gets an error frame and the connection stays
// open for a later auth attempt. Handlers own their error paths and never
// panic into the dispatcher.
func (s *Server) dispatch(client *Client, msg protocol.Message) {
	if msg.Type == protocol.TypeAuth {
		s.authenticateClient(client, msg.Token)
		return
	}

	if !client.authenticated() {
		s.sendError(client, "authentication required")
		return
	}

	if scope, needed := protocol.RequiredScope(msg.Type); needed && !client.hasScope(scope) {
		s.sendError(client, fmt.Sprintf("missing scope: %s", scope))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		_ = client.WriteMessage(protocol.Message{Type: protocol.TypePong})

	case protocol.TypePong:
		s.connectors.HandlePong(client)

	case protocol.TypeChatSend:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.handleChatSend(client, msg)
		}()

	case protocol.TypeConnectorRegister:
		s.handleConnectorRegister(client, msg)

	case protocol.TypeConnectorMessage:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.handleConnectorMessage(client, msg)
		}()

	case protocol.TypeConnectorResponse:
		s.connectors.HandleResponse(msg.RequestID, msg.Result, msg.Error)

	case protocol.TypeVaultChanged:
		s.logger.Info().Str("path", msg.Path).Msg("Vault change notification")
		if s.onVaultChanged != nil {
			s.onVaultChanged(msg.Path)
		}

	default:
		s.sendError(client, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// authenticateClient verifies the token and transitions the connection.
// On a bad token the connection is closed with a reserved close code so
// clients can tell a config error apart from a network drop. Returns
// whether the connection survived.
func (s *Server) authenticateClient(client *Client, tokenString string) bool {
	claims, err := s.tokens.Verify(tokenString)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("clientId", client.id).
			Msg("Authentication failed")

		_ = client.WriteMessage(protocol.Message{
			Type:  protocol.TypeAuthError,
			Error: err.Error(),
		})
		client.closeWithCode(protocol.CloseBadToken, "bad token")
		return false
	}

	client.authenticate(claims.Subject, claims.Scopes)

	s.logger.Info().
		Str("clientId", client.id).
		Str("subject", claims.Subject).
		Strs("scopes", claims.Scopes).
		Msg("Client authenticated")

	_ = client.WriteMessage(protocol.Message{
		Type:   protocol.TypeAuthOK,
		Scopes: client.grantedScopes(),
	})
	return true
}

// handleChatSend runs one chat exchange. Sends are not serialized per
// connection; the session store serializes per key.
func (s *Server) handleChatSend(client *Client, msg protocol.Message) {
	if msg.SessionKey == "" || msg.Message == "" {
		_ = client.WriteMessage(protocol.Message{
			Type:  protocol.TypeChatError,
			Error: "sessionKey and message are required",
		})
		return
	}

	reply, err := s.chat.SendOrRecover(context.Background(), msg.SessionKey, msg.Message, s.chatTimeout)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("sessionKey", msg.SessionKey).
			Msg("Chat send failed")

		_ = client.WriteMessage(protocol.Message{
			Type:       protocol.TypeChatError,
			SessionKey: msg.SessionKey,
			Error:      err.Error(),
		})
		return
	}

	_ = client.WriteMessage(protocol.Message{
		Type:       protocol.TypeChatComplete,
		SessionKey: msg.SessionKey,
		Message:    reply.Response,
		Recovered:  reply.Recovered,
	})
}

// handleConnectorRegister registers the connection as a capability
// provider. A taken name is acked with ok=false rather than an error
// frame, so the client can pick another name on the same connection.
func (s *Server) handleConnectorRegister(client *Client, msg protocol.Message) {
	if msg.Name == "" {
		_ = client.WriteMessage(protocol.Message{
			Type:  protocol.TypeConnectorAck,
			Error: "connector name is required",
		})
		return
	}

	if !s.connectors.Register(client, msg.Name, msg.Capabilities, msg.Metadata) {
		_ = client.WriteMessage(protocol.Message{
			Type:  protocol.TypeConnectorAck,
			Name:  msg.Name,
			Error: "name already registered",
		})
		return
	}

	_ = client.WriteMessage(protocol.Message{
		Type: protocol.TypeConnectorAck,
		Name: msg.Name,
		OK:   true,
	})
}

// handleConnectorMessage routes a capability call to the named connector
// and replies to the caller with the correlated result.
func (s *Server) handleConnectorMessage(client *Client, msg protocol.Message) {
	timeout := 30 * time.Second
	if msg.TimeoutMs > 0 {
		timeout = time.Duration(msg.TimeoutMs) * time.Millisecond
	}

	result, err := s.connectors.SendRequest(context.Background(), msg.Name, msg.Capability, msg.Action, msg.Params, timeout)

	reply := protocol.Message{
		Type:      protocol.TypeConnectorReply,
		RequestID: msg.RequestID,
		Name:      msg.Name,
	}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = result
	}
	_ = client.WriteMessage(reply)
}

// sendError sends a generic error frame without changing connection state.
func (s *Server) sendError(client *Client, message string) {
	if err := client.WriteMessage(protocol.Message{
		Type:  protocol.TypeError,
		Error: message,
	}); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.id).
			Msg("Failed to send error frame")
	}
}

// decodeJSON is shared by the HTTP handlers.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
