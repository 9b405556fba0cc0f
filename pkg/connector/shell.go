package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ShellParams is the payload of the shell capability's execute action.
type ShellParams struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// ShellResult is what execute returns.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

type auditRecord struct {
	Command     string    `json:"command"`
	ExitCode    int       `json:"exitCode"`
	StdoutBytes int       `json:"stdoutBytes"`
	StderrBytes int       `json:"stderrBytes"`
	Timestamp   time.Time `json:"timestamp"`
}

// ShellCapability returns the built-in shell-execution handler. Every
// executed command is appended to an audit log at auditPath, best-effort:
// audit failures never fail the command itself.
func ShellCapability(auditPath string) Handler {
	return func(ctx context.Context, action string, params json.RawMessage) (interface{}, error) {
		if action != "execute" {
			return nil, fmt.Errorf("unsupported action: %s", action)
		}

		var p ShellParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("command is required")
		}

		if p.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, fmt.Errorf("failed to execute command: %w", runErr)
			}
		}

		result := ShellResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
		}

		appendAudit(auditPath, auditRecord{
			Command:     p.Command,
			ExitCode:    exitCode,
			StdoutBytes: stdout.Len(),
			StderrBytes: stderr.Len(),
			Timestamp:   time.Now(),
		})

		return result, nil
	}
}

// appendAudit writes one JSONL audit line. Failures are logged and ignored.
func appendAudit(path string, rec auditRecord) {
	if path == "" {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal audit record")
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		log.Warn().Err(err).Msg("Failed to create audit directory")
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open audit log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write audit record")
	}
}
