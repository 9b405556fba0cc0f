// Package scheduler runs declarative and code-defined tasks on a fixed
// tick, executing each due occurrence at most once.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner executes a task's prompt through the same session primitives used
// for interactive chat.
type Runner interface {
	RunPrompt(ctx context.Context, taskID, prompt string, timeout time.Duration) (string, error)
}

// TaskFile is one declarative task file as stored.
type TaskFile struct {
	ID   string
	Data []byte
}

// TaskSource is the storage the declarative task set is loaded from.
type TaskSource interface {
	ListTaskFiles() ([]TaskFile, error)
	DeleteTaskFile(id string) error
}

// Options configures a Scheduler.
type Options struct {
	Runner        Runner
	Source        TaskSource
	History       *History
	TickInterval  time.Duration
	PromptTimeout time.Duration
	Logger        zerolog.Logger
}

// Scheduler holds two task populations: builtins registered once at
// startup and never removed, and declarative tasks fully replaced on each
// reload.
type Scheduler struct {
	mu       sync.Mutex
	builtins map[string]*Task
	tasks    map[string]*Task

	runner        Runner
	source        TaskSource
	history       *History
	tickInterval  time.Duration
	promptTimeout time.Duration
	logger        zerolog.Logger

	executing bool
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a scheduler. ReloadTasks and Start are separate steps so
// callers control when ticking begins.
func New(opts Options) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("task source is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("history is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 5 * time.Minute
	}

	return &Scheduler{
		builtins:      make(map[string]*Task),
		tasks:         make(map[string]*Task),
		runner:        opts.Runner,
		source:        opts.Source,
		history:       opts.History,
		tickInterval:  opts.TickInterval,
		promptTimeout: opts.PromptTimeout,
		logger:        opts.Logger,
		now:           time.Now,
	}, nil
}

// RegisterBuiltin adds a code-defined task. Builtins are always enabled,
// non-cancellable and survive reloads.
func (s *Scheduler) RegisterBuiltin(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("builtin task id is required")
	}
	if task.Action == nil {
		return fmt.Errorf("builtin task %q requires an action", task.ID)
	}
	if task.CronExpr == "" && task.Once == nil {
		return fmt.Errorf("builtin task %q requires a schedule", task.ID)
	}

	task.Builtin = true
	task.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.builtins[task.ID]; exists {
		return fmt.Errorf("builtin task already registered: %s", task.ID)
	}
	s.builtins[task.ID] = task

	s.logger.Info().Str("taskId", task.ID).Str("cron", task.CronExpr).Msg("Builtin task registered")

	return nil
}

// ReloadTasks replaces the declarative task set from storage. Builtins
// are preserved; lastRun carries over for tasks that keep their id so a
// reload cannot cause a same-minute double fire.
func (s *Scheduler) ReloadTasks() error {
	files, err := s.source.ListTaskFiles()
	if err != nil {
		return fmt.Errorf("failed to list task files: %w", err)
	}

	fresh := make(map[string]*Task, len(files))
	for _, f := range files {
		task, err := ParseTaskFile(f.ID, f.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("taskId", f.ID).Msg("Skipping invalid task file")
			continue
		}
		fresh[task.ID] = task
	}

	s.mu.Lock()
	for id, task := range fresh {
		if prev, ok := s.tasks[id]; ok {
			task.LastRun = prev.LastRun
		}
	}
	s.tasks = fresh
	count := len(fresh)
	s.mu.Unlock()

	s.logger.Info().Int("count", count).Msg("Declarative tasks reloaded")

	return nil
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	s.logger.Info().Dur("interval", s.tickInterval).Msg("Scheduler started")
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

// Tick runs one scheduling pass. If the previous tick's execution phase
// has not finished, the tick is a no-op. Execution passes never queue
// up concurrently.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		s.logger.Debug().Msg("Previous tick still executing, skipping")
		return
	}
	s.executing = true

	now := s.now()
	due := s.collectDueLocked(now)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
	}()

	for _, task := range due {
		s.execute(ctx, task, now)
	}
}

// collectDueLocked gathers due tasks and stamps lastRun up front, so a
// re-entered tick within the same minute sees the occurrence as consumed.
// Caller must hold the lock.
func (s *Scheduler) collectDueLocked(now time.Time) []*Task {
	var due []*Task

	consider := func(task *Task) {
		if !task.Enabled {
			return
		}
		if task.Once != nil {
			if now.After(*task.Once) && task.LastRun.IsZero() {
				task.LastRun = now
				due = append(due, task)
			}
			return
		}
		if !task.LastRun.IsZero() && sameMinute(task.LastRun, now) {
			return
		}
		matches, err := CronMatches(task.CronExpr, now)
		if err != nil {
			s.logger.Error().Err(err).Str("taskId", task.ID).Msg("Bad cron expression")
			return
		}
		if matches {
			task.LastRun = now
			due = append(due, task)
		}
	}

	for _, task := range s.builtins {
		consider(task)
	}
	for _, task := range s.tasks {
		consider(task)
	}
	return due
}

// execute runs one task occurrence, records history, and removes a
// one-off task from storage and memory after its single execution. Task
// failures never stop the tick loop or affect other tasks.
func (s *Scheduler) execute(ctx context.Context, task *Task, startedAt time.Time) {
	runID := uuid.New().String()
	logger := s.logger.With().
		Str("taskId", task.ID).
		Str("runId", runID).
		Logger()

	logger.Info().Str("name", task.Name).Msg("Executing task")

	var summary string
	var err error
	if task.Action != nil {
		summary, err = task.Action(ctx)
	} else {
		summary, err = s.runner.RunPrompt(ctx, task.ID, task.Prompt, s.promptTimeout)
	}

	finishedAt := s.now()
	rec := Record{
		TaskID:     task.ID,
		Name:       task.Name,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Success:    err == nil,
		Summary:    summary,
	}
	if err != nil {
		rec.Summary = err.Error()
		logger.Error().Err(err).Msg("Task execution failed")
	} else {
		logger.Info().Dur("duration", finishedAt.Sub(startedAt)).Msg("Task execution completed")
	}

	if histErr := s.history.Append(rec); histErr != nil {
		logger.Error().Err(histErr).Msg("Failed to append history record")
	}

	if task.Once != nil && !task.Builtin {
		s.mu.Lock()
		delete(s.tasks, task.ID)
		s.mu.Unlock()

		if delErr := s.source.DeleteTaskFile(task.ID); delErr != nil {
			logger.Error().Err(delErr).Msg("Failed to delete one-off task file")
		}
	}
}

// Tasks lists all tasks, builtins first.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.builtins)+len(s.tasks))
	for _, task := range s.builtins {
		infos = append(infos, task.info())
	}
	for _, task := range s.tasks {
		infos = append(infos, task.info())
	}
	return infos
}
