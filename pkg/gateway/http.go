package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quillhq/quill/pkg/protocol"
	"github.com/quillhq/quill/pkg/token"
)

// writeJSON writes a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode HTTP response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// authorize verifies the bearer token and checks the required scope. The
// HTTP surface is gated by the same scope model as the socket protocol.
func (s *Server) authorize(r *http.Request, scope protocol.Scope) (*token.Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}

	claims, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(string(scope)) {
		return nil, fmt.Errorf("missing scope: %s", scope)
	}
	return claims, nil
}

// callerIdentity keys issuance rate limiting per remote host.
func callerIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleTokenIssue trades the issue password for a token. Rate-limited
// per caller so the password cannot be brute-forced through this
// endpoint.
func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.issuePassword == "" {
		s.writeError(w, http.StatusForbidden, "token issuance is disabled")
		return
	}

	caller := callerIdentity(r)
	if s.issueLimiter != nil && !s.issueLimiter.Allow(caller) {
		retry := s.issueLimiter.RetryAfter(caller)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())+1))
		s.writeError(w, http.StatusTooManyRequests, "too many issuance attempts")
		return
	}

	var req struct {
		Password string   `json:"password"`
		Subject  string   `json:"subject"`
		Scopes   []string `json:"scopes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password != s.issuePassword {
		s.logger.Warn().Str("caller", caller).Msg("Token issuance rejected, wrong password")
		s.writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	tok, id, err := s.tokens.Issue(req.Subject, req.Scopes)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.ledger != nil {
		if err := s.ledger.Record(token.IssuedRecord{
			ID:        id,
			Subject:   req.Subject,
			Scopes:    req.Scopes,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(s.tokens.TTL()),
		}); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record issued token")
		}
	}

	s.logger.Info().
		Str("tokenId", id).
		Str("subject", req.Subject).
		Strs("scopes", req.Scopes).
		Msg("Token issued")

	s.writeJSON(w, http.StatusOK, map[string]string{"token": tok, "id": id})
}

// handleTokenList lists issued-token metadata. Admin only.
func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.authorize(r, protocol.ScopeAdmin); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	records := []token.IssuedRecord{}
	if s.ledger != nil {
		records = s.ledger.List()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": records})
}

// handleTokenRevoke revokes a token by id. Admin only.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	claims, err := s.authorize(r, protocol.ScopeAdmin)
	if err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "token id is required")
		return
	}

	if err := s.tokens.Revoke(req.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.ledger != nil {
		if err := s.ledger.MarkRevoked(req.ID); err != nil {
			s.logger.Error().Err(err).Msg("Failed to mark token revoked in ledger")
		}
	}

	s.logger.Info().
		Str("tokenId", req.ID).
		Str("revokedBy", claims.Subject).
		Msg("Token revoked")

	s.writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// handleChatHTTP is the one-shot request/response wrapper over the same
// session primitives as the socket protocol.
func (s *Server) handleChatHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.authorize(r, protocol.ScopeChat); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil || req.SessionKey == "" || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "sessionKey and message are required")
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	reply, err := s.chat.SendOrRecover(r.Context(), req.SessionKey, req.Message, s.chatTimeout)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"response":  reply.Response,
		"recovered": reply.Recovered,
	})
}

// handleVaultList lists vault notes. Read scope.
func (s *Server) handleVaultList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.authorize(r, protocol.ScopeRead); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if s.vault == nil {
		s.writeError(w, http.StatusNotFound, "no vault configured")
		return
	}

	notes, err := s.vault.ListNotes()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

// handleVaultRead returns one note's content. Read scope.
func (s *Server) handleVaultRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.authorize(r, protocol.ScopeRead); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if s.vault == nil {
		s.writeError(w, http.StatusNotFound, "no vault configured")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	data, err := s.vault.ReadNote(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleConnectorList lists connected connectors. Admin only.
func (s *Server) handleConnectorList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.authorize(r, protocol.ScopeAdmin); err != nil {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": s.connectors.List()})
}
