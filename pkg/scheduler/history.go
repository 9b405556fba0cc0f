package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one immutable history line for a task execution.
type Record struct {
	TaskID     string    `json:"taskId"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Summary    string    `json:"summary"`
}

// summaryLimit bounds how much of a task's output lands in history.
const summaryLimit = 200

// History appends execution records to a JSONL log.
type History struct {
	path string
	mu   sync.Mutex
}

// NewHistory creates a history log at path.
func NewHistory(path string) (*History, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	return &History{path: path}, nil
}

// Append writes one record. The summary is truncated to keep lines
// bounded.
func (h *History) Append(rec Record) error {
	rec.Summary = truncateSummary(rec.Summary)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	return nil
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit])
}
