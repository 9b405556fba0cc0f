package daemon

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.VaultPath = filepath.Join(dir, "vault")
	cfg.Scheduler.HistoryFile = filepath.Join(dir, "history.jsonl")
	cfg.Connector.AuditFile = filepath.Join(dir, "shell-audit.jsonl")
	cfg.Gateway.TokenSecret = "a-long-enough-secret"
	cfg.Backend.Command = "true"
	return cfg
}

func TestNew_WiresAllComponents(t *testing.T) {
	d, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.connectors)
	assert.NotNil(t, d.Tokens())
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.gateway)

	// The vault sync builtin is registered at wiring time.
	infos := d.scheduler.Tasks()
	require.Len(t, infos, 1)
	assert.Equal(t, "vault-sync", infos[0].ID)
	assert.True(t, infos[0].Builtin)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.TokenSecret = ""

	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
