package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quillhq/quill/pkg/scheduler"
)

// tasksDir is the vault subdirectory holding declarative task files.
const tasksDir = "tasks"

// TasksDir returns the absolute path of the declarative tasks directory,
// creating it if needed.
func (v *Vault) TasksDir() (string, error) {
	dir := filepath.Join(v.root, tasksDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create tasks directory: %w", err)
	}
	return dir, nil
}

// ListTaskFiles returns every JSON task file under tasks/. The task id is
// the file basename without its extension.
func (v *Vault) ListTaskFiles() ([]scheduler.TaskFile, error) {
	dir, err := v.TasksDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var files []scheduler.TaskFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read task file %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		files = append(files, scheduler.TaskFile{ID: id, Data: data})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// DeleteTaskFile removes a task file by id. Missing files are not an
// error; the task is gone either way.
func (v *Vault) DeleteTaskFile(id string) error {
	if id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid task id: %s", id)
	}

	dir, err := v.TasksDir()
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete task file %s: %w", id, err)
	}
	return nil
}

// SyncTask returns the builtin vault-sync scheduler task.
func (v *Vault) SyncTask(cronExpr string) *scheduler.Task {
	return &scheduler.Task{
		ID:       "vault-sync",
		Name:     "Vault sync",
		CronExpr: cronExpr,
		Action:   v.Sync,
	}
}
