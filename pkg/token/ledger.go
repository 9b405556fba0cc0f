package token

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// IssuedRecord describes one issued token. The token string itself is
// never stored, only its metadata.
type IssuedRecord struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked,omitempty"`
}

// Ledger records issued-token metadata as a JSON array on disk, so
// operators can list and revoke tokens by id.
type Ledger struct {
	path    string
	mu      sync.Mutex
	records map[string]IssuedRecord
}

// NewLedger loads the ledger at path, starting empty if the file does not
// exist.
func NewLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}

	l := &Ledger{
		path:    path,
		records: make(map[string]IssuedRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read token ledger: %w", err)
	}

	var records []IssuedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse token ledger: %w", err)
	}
	for _, rec := range records {
		l.records[rec.ID] = rec
	}
	return l, nil
}

// Record stores metadata for a newly issued token.
func (l *Ledger) Record(rec IssuedRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[rec.ID] = rec
	if err := l.persistLocked(); err != nil {
		delete(l.records, rec.ID)
		return err
	}
	return nil
}

// MarkRevoked flags a recorded token as revoked. Unknown ids are a no-op
// so revocation of tokens issued before the ledger existed still works.
func (l *Ledger) MarkRevoked(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return nil
	}
	rec.Revoked = true
	l.records[id] = rec
	return l.persistLocked()
}

// List returns all recorded tokens, newest first.
func (l *Ledger) List() []IssuedRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]IssuedRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IssuedAt.After(records[j].IssuedAt)
	})
	return records
}

// persistLocked writes the ledger atomically. Caller must hold the lock.
func (l *Ledger) persistLocked() error {
	records := make([]IssuedRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IssuedAt.Before(records[j].IssuedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace token ledger: %w", err)
	}
	return nil
}
