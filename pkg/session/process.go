package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ProcessBackend runs conversational turns by executing a CLI tool via
// stdin/stdout. Each session passes its key to the tool so the tool can
// resume its own server-side state; a tool exit mentioning an unknown or
// expired session is mapped to ErrSessionExpired so the store can recover.
type ProcessBackend struct {
	command string
	args    []string
}

// NewProcessBackend creates a backend around the given command. The
// session key is appended as "--session <key>" on every turn.
func NewProcessBackend(command string, args ...string) (*ProcessBackend, error) {
	if command == "" {
		return nil, fmt.Errorf("backend command is required")
	}
	return &ProcessBackend{command: command, args: args}, nil
}

// CreateSession implements Backend.
func (b *ProcessBackend) CreateSession(_ context.Context, key string) (BackendSession, error) {
	return &processSession{backend: b, key: key}, nil
}

type processSession struct {
	backend *ProcessBackend
	key     string
}

func (s *processSession) SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, s.backend.args...), "--session", s.key)
	cmd := exec.CommandContext(ctx, s.backend.command, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.ToLower(stderr.String())
		if strings.Contains(detail, "session not found") || strings.Contains(detail, "session expired") {
			return "", ErrSessionExpired
		}
		return "", fmt.Errorf("backend command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (s *processSession) Destroy(_ context.Context) error {
	// The tool owns its server-side state; nothing to tear down locally.
	return nil
}
