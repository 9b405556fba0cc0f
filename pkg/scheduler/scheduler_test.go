package scheduler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type promptRun struct {
	taskID string
	prompt string
}

// fakeRunner records prompt executions and can block to simulate a slow
// backend.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []promptRun
	failErr error
	block   chan struct{}
}

func (r *fakeRunner) RunPrompt(ctx context.Context, taskID, prompt string, _ time.Duration) (string, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	r.runs = append(r.runs, promptRun{taskID: taskID, prompt: prompt})
	r.mu.Unlock()

	if r.failErr != nil {
		return "", r.failErr
	}
	return "done: " + prompt, nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// fakeSource serves task files from a map and records deletions.
type fakeSource struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
	listErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{files: map[string][]byte{}}
}

func (s *fakeSource) ListTaskFiles() ([]TaskFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	files := make([]TaskFile, 0, len(s.files))
	for id, data := range s.files {
		files = append(files, TaskFile{ID: id, Data: data})
	}
	return files, nil
}

func (s *fakeSource) DeleteTaskFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func newTestScheduler(t *testing.T, runner Runner, source TaskSource) *Scheduler {
	t.Helper()

	history, err := NewHistory(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)

	sched, err := New(Options{
		Runner:  runner,
		Source:  source,
		History: history,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return sched
}

func TestScheduler_RecurringTaskFiresOncePerMinute(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["ping"] = []byte(`{"name": "Ping", "schedule": "* * * * *", "prompt": "ping"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	at := time.Date(2026, 3, 2, 9, 0, 10, 0, time.Local)
	sched.now = func() time.Time { return at }

	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())

	// A second tick in the same minute must not fire again.
	at = at.Add(20 * time.Second)
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())

	// The next minute does.
	at = at.Add(time.Minute)
	sched.Tick(context.Background())
	assert.Equal(t, 2, runner.runCount())
}

func TestScheduler_CronExpressionGatesExecution(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["brief"] = []byte(`{"name": "Brief", "schedule": "0 9 * * MON-FRI", "prompt": "brief me"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	// Saturday 09:00 does not match a weekday expression.
	sched.now = func() time.Time { return time.Date(2026, 3, 7, 9, 0, 0, 0, time.Local) }
	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.runCount())

	// Monday 09:00 does.
	sched.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local) }
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())
}

func TestScheduler_OneOffRunsOnceAndIsDeleted(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["reminder"] = []byte(`{"name": "Reminder", "once": "2026-03-02T09:00:00Z", "prompt": "remind me"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	// Before the moment passes, nothing fires.
	sched.now = func() time.Time { return time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC) }
	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.runCount())

	// Once the moment is past, the task fires and disappears.
	sched.now = func() time.Time { return time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC) }
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())
	assert.Equal(t, []string{"reminder"}, source.deleted)
	assert.Empty(t, sched.Tasks())

	// Later ticks see nothing.
	sched.now = func() time.Time { return time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC) }
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())
}

func TestScheduler_SlowExecutionSkipsTicks(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	source := newFakeSource()
	source.files["slow"] = []byte(`{"name": "Slow", "schedule": "* * * * *", "prompt": "think hard"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	var mu sync.Mutex
	sched.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return at
	}

	done := make(chan struct{})
	go func() {
		sched.Tick(context.Background())
		close(done)
	}()

	// Wait until the first tick is inside the execution phase.
	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.executing
	}, time.Second, 5*time.Millisecond)

	// Ticks for the next minutes are skipped entirely while the first
	// execution is in flight.
	mu.Lock()
	at = at.Add(time.Minute)
	mu.Unlock()
	sched.Tick(context.Background())

	mu.Lock()
	at = at.Add(time.Minute)
	mu.Unlock()
	sched.Tick(context.Background())

	close(runner.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first tick never finished")
	}
	assert.Equal(t, 1, runner.runCount())

	// With the execution phase over, the next due minute fires again.
	runner.block = nil
	mu.Lock()
	at = at.Add(time.Minute)
	mu.Unlock()
	sched.Tick(context.Background())
	assert.Equal(t, 2, runner.runCount())
}

func TestScheduler_DisabledTaskNeverFires(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["off"] = []byte(`{"name": "Off", "schedule": "* * * * *", "prompt": "x", "enabled": false}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	sched.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local) }
	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.runCount())
}

func TestScheduler_ReloadPreservesLastRunAndBuiltins(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["ping"] = []byte(`{"name": "Ping", "schedule": "* * * * *", "prompt": "ping"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())

	builtinRuns := 0
	require.NoError(t, sched.RegisterBuiltin(&Task{
		ID:       "housekeeping",
		Name:     "Housekeeping",
		CronExpr: "0 3 * * *",
		Action: func(context.Context) (string, error) {
			builtinRuns++
			return "ok", nil
		},
	}))

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)
	sched.now = func() time.Time { return at }
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())

	// Reload within the same minute. The carried-over lastRun must keep
	// the task from double-firing.
	require.NoError(t, sched.ReloadTasks())
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.runCount())

	// The builtin survives reloads.
	infos := sched.Tasks()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.Contains(t, ids, "housekeeping")
	assert.Contains(t, ids, "ping")
	assert.Equal(t, 0, builtinRuns)
}

func TestScheduler_ReloadDropsRemovedAndInvalidTasks(t *testing.T) {
	runner := &fakeRunner{}
	source := newFakeSource()
	source.files["keep"] = []byte(`{"name": "Keep", "schedule": "daily", "prompt": "x"}`)
	source.files["drop"] = []byte(`{"name": "Drop", "schedule": "daily", "prompt": "x"}`)

	sched := newTestScheduler(t, runner, source)
	require.NoError(t, sched.ReloadTasks())
	assert.Len(t, sched.Tasks(), 2)

	source.mu.Lock()
	delete(source.files, "drop")
	source.files["broken"] = []byte(`{"name": "Broken"}`)
	source.mu.Unlock()

	require.NoError(t, sched.ReloadTasks())

	infos := sched.Tasks()
	require.Len(t, infos, 1)
	assert.Equal(t, "keep", infos[0].ID)
}

func TestScheduler_FailureIsRecordedAndDoesNotStopOthers(t *testing.T) {
	runner := &fakeRunner{failErr: fmt.Errorf("backend exploded")}
	source := newFakeSource()
	source.files["a"] = []byte(`{"name": "A", "schedule": "* * * * *", "prompt": "a"}`)
	source.files["b"] = []byte(`{"name": "B", "schedule": "* * * * *", "prompt": "b"}`)

	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	history, err := NewHistory(historyPath)
	require.NoError(t, err)

	sched, err := New(Options{
		Runner:  runner,
		Source:  source,
		History: history,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, sched.ReloadTasks())

	sched.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local) }
	sched.Tick(context.Background())

	// Both tasks ran despite both failing.
	assert.Equal(t, 2, runner.runCount())

	f, err := os.Open(historyPath)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.False(t, rec.Success)
		assert.Equal(t, "backend exploded", rec.Summary)
	}
}

func TestScheduler_RegisterBuiltinValidation(t *testing.T) {
	sched := newTestScheduler(t, &fakeRunner{}, newFakeSource())

	action := func(context.Context) (string, error) { return "", nil }

	assert.Error(t, sched.RegisterBuiltin(&Task{Name: "no id", CronExpr: "* * * * *", Action: action}))
	assert.Error(t, sched.RegisterBuiltin(&Task{ID: "x", CronExpr: "* * * * *"}))
	assert.Error(t, sched.RegisterBuiltin(&Task{ID: "x", Action: action}))

	require.NoError(t, sched.RegisterBuiltin(&Task{ID: "x", CronExpr: "* * * * *", Action: action}))
	assert.ErrorContains(t, sched.RegisterBuiltin(&Task{ID: "x", CronExpr: "* * * * *", Action: action}), "already registered")
}
