package token

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// RevocationStore tracks revoked token ids, persisted to disk as a JSON
// array. An explicit store object rather than a process-wide map so tests
// can instantiate isolated instances.
type RevocationStore struct {
	path string
	mu   sync.RWMutex
	ids  map[string]struct{}
}

// NewRevocationStore loads the revocation set from path, starting empty if
// the file does not exist.
func NewRevocationStore(path string) (*RevocationStore, error) {
	if path == "" {
		return nil, fmt.Errorf("revocation store path is required")
	}

	s := &RevocationStore{
		path: path,
		ids:  make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read revocation file: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse revocation file: %w", err)
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}

	log.Debug().Int("count", len(ids)).Msg("Loaded token revocations")

	return s, nil
}

// IsRevoked reports whether the token id has been revoked.
func (s *RevocationStore) IsRevoked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked := s.ids[id]
	return revoked
}

// Revoke adds an id to the set and persists it.
func (s *RevocationStore) Revoke(id string) error {
	if id == "" {
		return fmt.Errorf("token id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[id]; exists {
		return nil
	}
	s.ids[id] = struct{}{}

	if err := s.persistLocked(); err != nil {
		delete(s.ids, id)
		return err
	}

	log.Info().Str("tokenId", id).Msg("Token revoked")

	return nil
}

// IDs returns the revoked ids, sorted for stable output.
func (s *RevocationStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// persistLocked writes the set to disk. Caller must hold the lock.
func (s *RevocationStore) persistLocked() error {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal revocations: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
