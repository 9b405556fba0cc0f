package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// dirSource loads task files straight from a directory, the way the
// production store does.
type dirSource struct {
	dir string
}

func (s dirSource) ListTaskFiles() ([]TaskFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []TaskFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, TaskFile{
			ID:   strings.TrimSuffix(entry.Name(), ".json"),
			Data: data,
		})
	}
	return files, nil
}

func (s dirSource) DeleteTaskFile(id string) error {
	return os.Remove(filepath.Join(s.dir, id+".json"))
}

func TestWatcher_ReloadsOnTaskFileChanges(t *testing.T) {
	dir := t.TempDir()

	sched := newTestScheduler(t, &fakeRunner{}, dirSource{dir: dir})
	require.NoError(t, sched.ReloadTasks())
	require.Empty(t, sched.Tasks())

	watcher, err := NewWatcher(dir, sched, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	// Dropping a task file in triggers a reload.
	taskPath := filepath.Join(dir, "brief.json")
	require.NoError(t, os.WriteFile(taskPath, []byte(`{"name":"Brief","schedule":"daily","prompt":"x"}`), 0600))

	require.Eventually(t, func() bool {
		return len(sched.Tasks()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Removing it empties the set again.
	require.NoError(t, os.Remove(taskPath))

	require.Eventually(t, func() bool {
		return len(sched.Tasks()) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
