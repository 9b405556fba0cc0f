// Package connector tracks remote capability providers, correlates
// capability requests with their responses, and detects dead connections
// via a periodic ping/pong sweep. The remote side of the protocol lives in
// Client in this package.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/quillhq/quill/pkg/protocol"
)

// Conn is the owning connection handle for a registration. Implemented by
// the gateway's client wrapper.
type Conn interface {
	// ID uniquely identifies the connection for correlation.
	ID() string
	// WriteMessage sends a protocol frame to the remote side.
	WriteMessage(msg protocol.Message) error
	// Terminate closes the underlying socket.
	Terminate()
}

// Registration describes a connected capability provider.
type Registration struct {
	Name         string
	Capabilities []string
	Metadata     map[string]string
	RegisteredAt time.Time

	conn   Conn
	pinged bool
}

// RegistrationInfo is the externally visible view of a registration.
type RegistrationInfo struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id     string
	connID string
	ch     chan outcome
	timer  *time.Timer
}

// Registry routes capability requests to registered connectors and
// correlates responses back to the awaiting caller.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*Registration
	byConn   map[string]*Registration
	pending  map[string]*pendingRequest
	seenPong map[string]struct{}

	sweepInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        zerolog.Logger
}

// NewRegistry creates a connector registry. sweepInterval controls the
// liveness ping cycle; zero disables sweeping until StartSweeper.
func NewRegistry(sweepInterval time.Duration, logger zerolog.Logger) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Registry{
		byName:        make(map[string]*Registration),
		byConn:        make(map[string]*Registration),
		pending:       make(map[string]*pendingRequest),
		seenPong:      make(map[string]struct{}),
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Register stores a registration for the connection. Returns false when
// the name is already taken by a currently-connected registration; the
// original registration is left untouched.
func (r *Registry) Register(conn Conn, name string, capabilities []string, metadata map[string]string) bool {
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		r.logger.Warn().Str("name", name).Msg("Connector name already registered")
		return false
	}

	reg := &Registration{
		Name:         name,
		Capabilities: append([]string{}, capabilities...),
		Metadata:     metadata,
		RegisteredAt: time.Now(),
		conn:         conn,
	}
	r.byName[name] = reg
	r.byConn[conn.ID()] = reg

	// A fresh registration counts as alive for the current sweep cycle.
	r.seenPong[conn.ID()] = struct{}{}

	r.logger.Info().
		Str("name", name).
		Strs("capabilities", capabilities).
		Msg("Connector registered")

	return true
}

// Unregister removes the registration owned by conn and rejects every
// pending request dispatched to it, so nothing is left to time out after
// the connector is already gone. Releases the name immediately for reuse.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()

	reg, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, conn.ID())
	delete(r.byName, reg.Name)
	delete(r.seenPong, conn.ID())

	var orphaned []*pendingRequest
	for id, pr := range r.pending {
		if pr.connID == conn.ID() {
			delete(r.pending, id)
			orphaned = append(orphaned, pr)
		}
	}
	r.mu.Unlock()

	for _, pr := range orphaned {
		pr.timer.Stop()
		pr.ch <- outcome{err: fmt.Errorf("%w: %s", ErrDisconnected, reg.Name)}
	}

	r.logger.Info().
		Str("name", reg.Name).
		Int("rejectedRequests", len(orphaned)).
		Msg("Connector unregistered")
}

// SendRequest dispatches a capability call to the named connector and
// waits for the correlated response. Fails fast, with no frame sent and no
// timer armed, when the name is unknown or lacks the capability.
func (r *Registry) SendRequest(ctx context.Context, name, capability, action string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	reg, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	if !hasCapability(reg.Capabilities, capability) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s does not provide %s", ErrMissingCapability, name, capability)
	}

	id, err := gonanoid.New()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	pr := &pendingRequest{
		id:     id,
		connID: reg.conn.ID(),
		ch:     make(chan outcome, 1),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		r.resolve(id, outcome{err: ErrRequestTimeout})
	})
	r.pending[id] = pr
	conn := reg.conn
	r.mu.Unlock()

	writeErr := conn.WriteMessage(protocol.Message{
		Type:       protocol.TypeConnectorRequest,
		RequestID:  id,
		Capability: capability,
		Action:     action,
		Params:     params,
		TimeoutMs:  int(timeout.Milliseconds()),
	})
	if writeErr != nil {
		r.mu.Lock()
		if current, still := r.pending[id]; still && current == pr {
			delete(r.pending, id)
			pr.timer.Stop()
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to write request: %w", writeErr)
	}

	r.logger.Debug().
		Str("requestId", id).
		Str("name", name).
		Str("capability", capability).
		Str("action", action).
		Msg("Connector request dispatched")

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-ctx.Done():
		r.mu.Lock()
		if current, still := r.pending[id]; still && current == pr {
			delete(r.pending, id)
			pr.timer.Stop()
		}
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleResponse resolves the pending request for requestID. Duplicate or
// late responses whose request id is no longer pending are a harmless
// no-op.
func (r *Registry) HandleResponse(requestID string, result json.RawMessage, errMsg string) {
	out := outcome{result: result}
	if errMsg != "" {
		out = outcome{err: fmt.Errorf("connector error: %s", errMsg)}
	}
	r.resolve(requestID, out)
}

// resolve removes the pending request and delivers exactly one outcome.
func (r *Registry) resolve(requestID string, out outcome) {
	r.mu.Lock()
	pr, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, requestID)
	r.mu.Unlock()

	pr.timer.Stop()
	pr.ch <- out
}

// HandlePong records that the connection answered a liveness ping.
func (r *Registry) HandlePong(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn.ID()]; ok {
		r.seenPong[conn.ID()] = struct{}{}
	}
}

// Sweep runs one liveness cycle: any registration that was pinged last
// cycle and has not answered since is terminated; every surviving
// registration is pinged again. The seen-pong set is cleared each cycle.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var dead []*Registration
	var alive []*Registration
	for _, reg := range r.byConn {
		if _, seen := r.seenPong[reg.conn.ID()]; !seen && reg.pinged {
			dead = append(dead, reg)
			continue
		}
		reg.pinged = true
		alive = append(alive, reg)
	}
	r.seenPong = make(map[string]struct{})
	r.mu.Unlock()

	for _, reg := range dead {
		r.logger.Warn().Str("name", reg.Name).Msg("Connector failed liveness check, terminating")
		reg.conn.Terminate()
		r.Unregister(reg.conn)
	}

	for _, reg := range alive {
		if err := reg.conn.WriteMessage(protocol.Message{Type: protocol.TypePing}); err != nil {
			r.logger.Error().Err(err).Str("name", reg.Name).Msg("Failed to ping connector")
		}
	}
}

// StartSweeper runs Sweep on the configured interval until Stop.
func (r *Registry) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()

	r.logger.Info().Dur("interval", r.sweepInterval).Msg("Connector liveness sweeper started")
}

// Stop halts the sweeper.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
}

// List returns the currently connected registrations.
func (r *Registry) List() []RegistrationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]RegistrationInfo, 0, len(r.byName))
	for _, reg := range r.byName {
		infos = append(infos, RegistrationInfo{
			Name:         reg.Name,
			Capabilities: append([]string{}, reg.Capabilities...),
			Metadata:     reg.Metadata,
			RegisteredAt: reg.RegisteredAt,
		})
	}
	return infos
}

// PendingCount reports outstanding requests, for introspection.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

func hasCapability(capabilities []string, capability string) bool {
	for _, c := range capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
