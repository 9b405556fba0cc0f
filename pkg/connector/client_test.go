package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/protocol"
)

// fakeDaemon is a minimal gateway endpoint for exercising the client
// handshake and request dispatch.
type fakeDaemon struct {
	rejectAuth bool
	refuseReg  bool
	server     *httptest.Server
	registered chan protocol.Message
	responses  chan protocol.Message
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	d := &fakeDaemon{
		registered: make(chan protocol.Message, 1),
		responses:  make(chan protocol.Message, 16),
	}

	upgrader := websocket.Upgrader{}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case protocol.TypeAuth:
				if d.rejectAuth {
					_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeAuthError, Error: "invalid token"})
					return
				}
				_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeAuthOK, Scopes: []string{"connector"}})
			case protocol.TypeConnectorRegister:
				if d.refuseReg {
					_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeConnectorAck, Error: "name taken"})
					continue
				}
				d.registered <- msg
				_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeConnectorAck, OK: true})
				// Immediately exercise the capability path.
				_ = conn.WriteJSON(protocol.Message{
					Type:       protocol.TypeConnectorRequest,
					RequestID:  "req-1",
					Capability: "echo",
					Action:     "say",
					Params:     json.RawMessage(`{"text":"hi"}`),
				})
			case protocol.TypeConnectorResponse:
				d.responses <- msg
			}
		}
	}))
	t.Cleanup(d.server.Close)

	return d
}

func (d *fakeDaemon) wsURL() string {
	return "ws" + strings.TrimPrefix(d.server.URL, "http")
}

func echoCapability(t *testing.T) Handler {
	return func(_ context.Context, action string, params json.RawMessage) (interface{}, error) {
		assert.Equal(t, "say", action)
		var p struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		return map[string]string{"echo": p.Text}, nil
	}
}

func TestClient_ConnectRegistersAndServesRequests(t *testing.T) {
	daemon := newFakeDaemon(t)

	client, err := NewClient(ClientOptions{
		URL:          daemon.wsURL(),
		Token:        "tok",
		Name:         "laptop",
		Capabilities: map[string]Handler{"echo": echoCapability(t)},
		Metadata:     map[string]string{"os": "linux"},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	// Registration carried name, capabilities and metadata.
	select {
	case reg := <-daemon.registered:
		assert.Equal(t, "laptop", reg.Name)
		assert.Equal(t, []string{"echo"}, reg.Capabilities)
		assert.Equal(t, "linux", reg.Metadata["os"])
	case <-time.After(time.Second):
		t.Fatal("register frame never arrived")
	}

	// The dispatched request was answered with the handler's result.
	select {
	case resp := <-daemon.responses:
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Empty(t, resp.Error)
		assert.JSONEq(t, `{"echo":"hi"}`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("response frame never arrived")
	}
}

func TestClient_AuthRejectionIsTerminal(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.rejectAuth = true

	client, err := NewClient(ClientOptions{
		URL:          daemon.wsURL(),
		Token:        "bad",
		Name:         "laptop",
		Capabilities: map[string]Handler{"echo": echoCapability(t)},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestClient_RegistrationRefused(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.refuseReg = true

	client, err := NewClient(ClientOptions{
		URL:          daemon.wsURL(),
		Token:        "tok",
		Name:         "laptop",
		Capabilities: map[string]Handler{"echo": echoCapability(t)},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration refused")
}

func TestClient_ConnectTimeoutOnSilentServer(t *testing.T) {
	// A server that upgrades but never answers the handshake.
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:          "tok",
		Name:           "laptop",
		Capabilities:   map[string]Handler{"echo": echoCapability(t)},
		ConnectTimeout: 200 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	start := time.Now()
	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_UnsupportedCapabilityReportsError(t *testing.T) {
	daemon := newFakeDaemon(t)

	// The daemon dispatches "echo" but the client only registered "other".
	client, err := NewClient(ClientOptions{
		URL:   daemon.wsURL(),
		Token: "tok",
		Name:  "laptop",
		Capabilities: map[string]Handler{
			"other": func(context.Context, string, json.RawMessage) (interface{}, error) {
				return nil, nil
			},
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	select {
	case resp := <-daemon.responses:
		assert.Equal(t, "req-1", resp.RequestID)
		assert.Contains(t, resp.Error, "unsupported capability")
	case <-time.After(time.Second):
		t.Fatal("response frame never arrived")
	}
}
