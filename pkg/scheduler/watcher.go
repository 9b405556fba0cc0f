package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the scheduler's declarative tasks when the tasks
// directory changes on disk. Bursts of events are debounced into a single
// reload.
type Watcher struct {
	watcher   *fsnotify.Watcher
	scheduler *Scheduler
	dir       string
	debounce  time.Duration
	logger    zerolog.Logger

	timerMu  sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher over the tasks directory.
func NewWatcher(dir string, sched *Scheduler, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:   fw,
		scheduler: sched,
		dir:       dir,
		debounce:  200 * time.Millisecond,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch tasks directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("dir", w.dir).Msg("Task watcher started")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Task watcher error")

		case <-w.done:
			return
		}
	}
}

// relevant filters events down to task file changes.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}

// scheduleReload coalesces a burst of events into one reload after the
// debounce interval.
func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}

		w.logger.Info().Msg("Tasks directory changed, reloading")
		if err := w.scheduler.ReloadTasks(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to reload tasks")
		}
	})
}
