package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/token"
)

func (g *testGateway) request(t *testing.T, method, path, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, g.http.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func TestHTTP_Healthz(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestHTTP_TokenIssue(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.request(t, http.MethodPost, "/token", "", map[string]interface{}{
		"password": "hunter2",
		"subject":  "cli",
		"scopes":   []string{"chat", "read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued struct {
		Token string `json:"token"`
		ID    string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &issued))
	require.NotEmpty(t, issued.Token)
	require.NotEmpty(t, issued.ID)

	// The minted token verifies and carries the requested scopes.
	claims, err := g.tokens.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Subject)
	assert.Equal(t, []string{"chat", "read"}, claims.Scopes)

	// The ledger recorded it.
	records := g.ledger.List()
	require.Len(t, records, 1)
	assert.Equal(t, issued.ID, records[0].ID)
}

func TestHTTP_TokenIssueWrongPassword(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.request(t, http.MethodPost, "/token", "", map[string]interface{}{
		"password": "wrong",
		"subject":  "cli",
		"scopes":   []string{"chat"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_TokenIssueRateLimited(t *testing.T) {
	g := newTestGateway(t)

	// The test limiter allows 3 attempts per caller; wrong passwords
	// still consume attempts.
	for i := 0; i < 3; i++ {
		resp, _ := g.request(t, http.MethodPost, "/token", "", map[string]interface{}{
			"password": "wrong",
			"subject":  "cli",
			"scopes":   []string{"chat"},
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp, _ := g.request(t, http.MethodPost, "/token", "", map[string]interface{}{
		"password": "hunter2",
		"subject":  "cli",
		"scopes":   []string{"chat"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHTTP_TokenListRequiresAdmin(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.request(t, http.MethodGet, "/tokens", g.mintToken(t, "chat"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := g.request(t, http.MethodGet, "/tokens", g.mintToken(t, "admin"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Tokens []token.IssuedRecord `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Empty(t, listed.Tokens)
}

func TestHTTP_TokenRevoke(t *testing.T) {
	g := newTestGateway(t)

	victim, victimID, err := g.tokens.Issue("laptop", []string{"connector"})
	require.NoError(t, err)

	resp, _ := g.request(t, http.MethodPost, "/tokens/revoke", g.mintToken(t, "admin"), map[string]string{
		"id": victimID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = g.tokens.Verify(victim)
	assert.ErrorIs(t, err, token.ErrTokenRevoked)
}

func TestHTTP_OneShotChat(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.request(t, http.MethodPost, "/chat", g.mintToken(t, "chat"), map[string]string{
		"sessionKey": "http-cli",
		"message":    "hello?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chat struct {
		Response  string `json:"response"`
		Recovered bool   `json:"recovered"`
	}
	require.NoError(t, json.Unmarshal(body, &chat))
	assert.Equal(t, "hello there", chat.Response)
	assert.False(t, chat.Recovered)
	assert.Equal(t, "http-cli", g.chat.lastKey)
}

func TestHTTP_OneShotChatScopeAndValidation(t *testing.T) {
	g := newTestGateway(t)

	// read scope is not enough for chat.
	resp, _ := g.request(t, http.MethodPost, "/chat", g.mintToken(t, "read"), map[string]string{
		"sessionKey": "x",
		"message":    "y",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Missing fields are a 400.
	resp, _ = g.request(t, http.MethodPost, "/chat", g.mintToken(t, "chat"), map[string]string{
		"sessionKey": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = g.request(t, http.MethodPost, "/chat", "", map[string]string{
		"sessionKey": "x",
		"message":    "y",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTP_ChatBackendErrorSurfaces(t *testing.T) {
	g := newTestGateway(t)
	g.chat.err = fmt.Errorf("backend unavailable")

	resp, body := g.request(t, http.MethodPost, "/chat", g.mintToken(t, "chat"), map[string]string{
		"sessionKey": "x",
		"message":    "y",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "backend unavailable")
}

func TestHTTP_VaultEndpoints(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.vault.WriteNote("inbox.md", []byte("# Inbox\n")))

	readTok := g.mintToken(t, "read")

	resp, body := g.request(t, http.MethodGet, "/vault/notes", readTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Notes []string `json:"notes"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Equal(t, []string{"inbox.md"}, listed.Notes)

	resp, body = g.request(t, http.MethodGet, "/vault/note?path=inbox.md", readTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Inbox\n", string(body))

	// Traversal attempts and missing notes are rejected.
	resp, _ = g.request(t, http.MethodGet, "/vault/note?path=../secret.md", readTok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = g.request(t, http.MethodGet, "/vault/note?path=nope.md", readTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Chat scope alone cannot inspect the vault.
	resp, _ = g.request(t, http.MethodGet, "/vault/notes", g.mintToken(t, "chat"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTP_ConnectorListRequiresAdmin(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.request(t, http.MethodGet, "/connectors", g.mintToken(t, "connector"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := g.request(t, http.MethodGet, "/connectors", g.mintToken(t, "admin"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "connectors")
}
