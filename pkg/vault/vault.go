// Package vault is a file-backed knowledge store: markdown notes under a
// root directory, optionally synced through a git remote.
package vault

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// MaxNoteSize bounds a single note read (1MB).
const MaxNoteSize = 1 * 1024 * 1024

// Vault reads and writes notes under a fixed root. All paths are
// validated to stay inside the root.
type Vault struct {
	root   string
	logger zerolog.Logger
}

// New opens the vault rooted at dir, creating it if needed.
func New(dir string, logger zerolog.Logger) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault path is required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault path: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	return &Vault{
		root:   abs,
		logger: logger.With().Str("component", "vault").Logger(),
	}, nil
}

// Root returns the vault's absolute root directory.
func (v *Vault) Root() string {
	return v.root
}

// resolve turns a vault-relative path into an absolute one, rejecting
// anything that escapes the root.
func (v *Vault) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("note path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("note path must be relative: %s", rel)
	}

	abs := filepath.Join(v.root, filepath.Clean(rel))
	if abs != v.root && !strings.HasPrefix(abs, v.root+string(filepath.Separator)) {
		return "", fmt.Errorf("note path escapes vault: %s", rel)
	}
	return abs, nil
}

// ReadNote returns the content of one note.
func (v *Vault) ReadNote(rel string) ([]byte, error) {
	abs, err := v.resolve(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read note: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not a note: %s", rel)
	}
	if info.Size() > MaxNoteSize {
		return nil, fmt.Errorf("note %s exceeds %d bytes", rel, MaxNoteSize)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read note: %w", err)
	}
	return data, nil
}

// WriteNote writes a note, creating parent directories as needed.
func (v *Vault) WriteNote(rel string, data []byte) error {
	abs, err := v.resolve(rel)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return fmt.Errorf("failed to create note directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0600); err != nil {
		return fmt.Errorf("failed to write note: %w", err)
	}

	v.logger.Debug().Str("path", rel).Int("bytes", len(data)).Msg("Note written")

	return nil
}

// ListNotes returns the vault-relative paths of all markdown notes,
// sorted. Dot directories such as .git are skipped.
func (v *Vault) ListNotes() ([]string, error) {
	var notes []string

	err := filepath.WalkDir(v.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			rel, err := filepath.Rel(v.root, path)
			if err != nil {
				return err
			}
			notes = append(notes, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	sort.Strings(notes)
	return notes, nil
}

// git runs one git subcommand against the vault.
func (v *Vault) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", v.root}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// IsGitRepo reports whether the vault root is inside a git work tree.
func (v *Vault) IsGitRepo(ctx context.Context) bool {
	_, err := v.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Pull fetches and merges from the vault's remote.
func (v *Vault) Pull(ctx context.Context) error {
	if _, err := v.git(ctx, "pull", "--no-rebase"); err != nil {
		return err
	}
	v.logger.Debug().Msg("Vault pulled")
	return nil
}

// Push commits any local changes and pushes. A clean tree pushes nothing
// and is not an error.
func (v *Vault) Push(ctx context.Context, message string) error {
	status, err := v.git(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	if _, err := v.git(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := v.git(ctx, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := v.git(ctx, "push"); err != nil {
		return err
	}

	v.logger.Info().Msg("Vault changes pushed")
	return nil
}

// Sync pulls then pushes local changes. Returns a short human summary.
func (v *Vault) Sync(ctx context.Context) (string, error) {
	if !v.IsGitRepo(ctx) {
		return "vault is not a git repository, nothing to sync", nil
	}
	if err := v.Pull(ctx); err != nil {
		return "", err
	}
	if err := v.Push(ctx, "vault sync"); err != nil {
		return "", err
	}
	return "vault synced", nil
}
