// Package session owns the mapping from deterministic session keys to live
// backend sessions and implements send-with-recovery over an expiring
// conversational backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionExpired is the distinguishable error a Backend returns when a
// session no longer exists server-side. Any other failure is treated as
// generic and propagated unchanged.
var ErrSessionExpired = errors.New("session no longer exists")

// Backend is the conversational backend the store creates sessions on.
type Backend interface {
	CreateSession(ctx context.Context, key string) (BackendSession, error)
}

// BackendSession is a stateful, resumable multi-turn exchange. The backend
// may expire it after inactivity, reported via ErrSessionExpired.
type BackendSession interface {
	SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (string, error)
	Destroy(ctx context.Context) error
}

// Key derives the deterministic session key for a channel origin.
func Key(originKind, originID string) string {
	return originKind + "-" + originID
}

// Handle wraps a live backend session. The store exclusively owns handles;
// at most one live handle exists per key at any time.
type Handle struct {
	Key       string
	CreatedAt time.Time
	session   BackendSession
}

// Reply is the result of SendOrRecover. Recovered is set when the session
// had to be transparently recreated, so callers can inform the user that
// conversational context was reset.
type Reply struct {
	Response  string
	Recovered bool
}

// Store caches backend sessions keyed by session key.
type Store struct {
	backend Backend
	mu      sync.Mutex
	handles map[string]*Handle
	logger  zerolog.Logger
}

// NewStore creates a session store over the given backend.
func NewStore(backend Backend, logger zerolog.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	return &Store{
		backend: backend,
		handles: make(map[string]*Handle),
		logger:  logger,
	}, nil
}

// GetOrCreate returns the cached handle for key, creating one via the
// backend if absent.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}

	s.mu.Lock()
	if h, ok := s.handles[key]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	sess, err := s.backend.CreateSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	h := &Handle{
		Key:       key,
		CreatedAt: time.Now(),
		session:   sess,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have raced us here; keep the first handle so a
	// single live handle exists per key.
	if existing, ok := s.handles[key]; ok {
		go func() { _ = sess.Destroy(context.Background()) }()
		return existing, nil
	}
	s.handles[key] = h

	s.logger.Info().Str("sessionKey", key).Msg("Session created")

	return h, nil
}

// SendOrRecover sends the prompt on the current handle for key. If the
// backend reports the session expired, the stale handle is discarded, a
// fresh session is created under the same key and the prompt is resent
// once. Recovery is attempted exactly once per call, never in a loop.
func (s *Store) SendOrRecover(ctx context.Context, key, prompt string, timeout time.Duration) (Reply, error) {
	h, err := s.GetOrCreate(ctx, key)
	if err != nil {
		return Reply{}, err
	}

	resp, err := h.session.SendAndWait(ctx, prompt, timeout)
	if err == nil {
		return Reply{Response: resp}, nil
	}
	if !errors.Is(err, ErrSessionExpired) {
		return Reply{}, err
	}

	s.logger.Warn().Str("sessionKey", key).Msg("Session expired, recreating")

	s.mu.Lock()
	if s.handles[key] == h {
		delete(s.handles, key)
	}
	s.mu.Unlock()

	fresh, err := s.GetOrCreate(ctx, key)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to recover session: %w", err)
	}

	resp, err = fresh.session.SendAndWait(ctx, prompt, timeout)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Response: resp, Recovered: true}, nil
}

// DestroyAll tears down every handle, best-effort. A failure to destroy
// one handle does not prevent destroying the rest.
func (s *Store) DestroyAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.session.Destroy(ctx); err != nil {
			s.logger.Error().Err(err).Str("sessionKey", h.Key).Msg("Failed to destroy session")
		}
	}

	s.logger.Info().Int("count", len(handles)).Msg("All sessions destroyed")
}

// Keys lists the keys with live handles.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	return keys
}
