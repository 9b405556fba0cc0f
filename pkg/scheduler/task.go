package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Action is the fixed in-process behavior of a builtin task. Declarative
// tasks have no Action; their prompt runs through the conversational
// runner instead.
type Action func(ctx context.Context) (string, error)

// Task is a scheduled unit of work. Either CronExpr or Once is set, never
// both. Builtin tasks are registered in code, always enabled and never
// removable.
type Task struct {
	ID       string
	Name     string
	CronExpr string
	Once     *time.Time
	Prompt   string
	Skill    string
	Enabled  bool
	Builtin  bool
	LastRun  time.Time
	Action   Action
}

// TaskInfo is the externally visible view of a task.
type TaskInfo struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	CronExpr string     `json:"cron,omitempty"`
	Once     *time.Time `json:"once,omitempty"`
	Enabled  bool       `json:"enabled"`
	Builtin  bool       `json:"builtin"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
}

// taskFileSchema validates declarative task files before decoding.
const taskFileSchema = `{
	"type": "object",
	"properties": {
		"name":     {"type": "string", "minLength": 1},
		"schedule": {"type": "string", "minLength": 1},
		"once":     {"type": "string", "minLength": 1},
		"prompt":   {"type": "string", "minLength": 1},
		"skill":    {"type": "string"},
		"enabled":  {"type": "boolean"}
	},
	"required": ["name", "prompt"],
	"additionalProperties": false
}`

var compiledTaskSchema = gojsonschema.NewStringLoader(taskFileSchema)

type taskFile struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Once     string `json:"once,omitempty"`
	Prompt   string `json:"prompt"`
	Skill    string `json:"skill,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// ParseTaskFile decodes and validates one declarative task file. The id is
// derived from the file name by the caller. Schedule sugar is expanded to
// cron at load time; schedule and once are mutually exclusive.
func ParseTaskFile(id string, data []byte) (*Task, error) {
	result, err := gojsonschema.Validate(compiledTaskSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to validate task file: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("invalid task file: %s", strings.Join(details, "; "))
	}

	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	if (tf.Schedule == "") == (tf.Once == "") {
		return nil, fmt.Errorf("task %q requires exactly one of schedule or once", tf.Name)
	}

	task := &Task{
		ID:      id,
		Name:    tf.Name,
		Prompt:  tf.Prompt,
		Skill:   tf.Skill,
		Enabled: tf.Enabled == nil || *tf.Enabled,
	}

	if tf.Schedule != "" {
		expr, err := ToCron(tf.Schedule)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", tf.Name, err)
		}
		task.CronExpr = expr
	} else {
		at, err := time.Parse(time.RFC3339, tf.Once)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid once timestamp: %w", tf.Name, err)
		}
		task.Once = &at
	}

	return task, nil
}

// info converts a task to its external view.
func (t *Task) info() TaskInfo {
	info := TaskInfo{
		ID:       t.ID,
		Name:     t.Name,
		CronExpr: t.CronExpr,
		Once:     t.Once,
		Enabled:  t.Enabled,
		Builtin:  t.Builtin,
	}
	if !t.LastRun.IsZero() {
		lastRun := t.LastRun
		info.LastRun = &lastRun
	}
	return info
}
