// Package protocol defines the message vocabulary exchanged between the
// quill daemon and its clients over the gateway socket. Messages are flat,
// self-describing JSON records discriminated by the "type" field.
package protocol

import "encoding/json"

// Type discriminates wire messages.
type Type string

// Client-to-daemon message types.
const (
	TypeAuth              Type = "auth"
	TypePing              Type = "ping"
	TypeChatSend          Type = "chat.send"
	TypeConnectorRegister Type = "connector.register"
	TypeConnectorMessage  Type = "connector.message"
	TypeConnectorResponse Type = "connector.response"
	TypeVaultChanged      Type = "vault.changed"
)

// Daemon-to-client message types.
const (
	TypeAuthOK           Type = "auth.ok"
	TypeAuthError        Type = "auth.error"
	TypePong             Type = "pong"
	TypeChatDelta        Type = "chat.delta"
	TypeChatComplete     Type = "chat.complete"
	TypeChatError        Type = "chat.error"
	TypeConnectorAck     Type = "connector.ack"
	TypeConnectorRequest Type = "connector.request"
	TypeConnectorReply   Type = "connector.reply"
	TypeError            Type = "error"
)

// CloseBadToken is the close code sent when a connection presents an
// invalid, expired or revoked token. Distinct from normal closure so
// clients can tell a config error apart from a network drop.
const CloseBadToken = 4001

// Message is the single wire record. Fields are populated depending on
// Type; unknown fields are ignored on decode.
type Message struct {
	Type Type `json:"type"`

	// auth / auth.ok / auth.error
	Token  string   `json:"token,omitempty"`
	Scopes []string `json:"scopes,omitempty"`

	// chat.send / chat.complete / chat.error
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	Recovered  bool   `json:"recovered,omitempty"`

	// connector.register / connector.ack
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OK           bool              `json:"ok,omitempty"`

	// connector.message / connector.request / connector.response / connector.reply
	RequestID  string          `json:"requestId,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Action     string          `json:"action,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	TimeoutMs  int             `json:"timeoutMs,omitempty"`

	// vault.changed
	Path string `json:"path,omitempty"`

	// error / chat.error / auth.error / connector.reply
	Error string `json:"error,omitempty"`
}

// Scope gates message handling. A token carries a set of scopes; handlers
// reject messages whose required scope is absent.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeChat      Scope = "chat"
	ScopeConnector Scope = "connector"
	ScopeAdmin     Scope = "admin"
)

// RequiredScope returns the scope a message type demands once the
// connection is authenticated. Types with no scope requirement (ping,
// pong) return ok=false.
func RequiredScope(t Type) (Scope, bool) {
	switch t {
	case TypeChatSend:
		return ScopeChat, true
	case TypeConnectorRegister, TypeConnectorMessage, TypeConnectorResponse:
		return ScopeConnector, true
	case TypeVaultChanged:
		return ScopeRead, true
	default:
		return "", false
	}
}

// HasScope reports whether scopes contains s.
func HasScope(scopes []string, s Scope) bool {
	for _, have := range scopes {
		if Scope(have) == s {
			return true
		}
	}
	return false
}
