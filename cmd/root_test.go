package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite3
  dsn: /tmp/vigil-test.db
worker:
  count: 3
security:
  token_secret: file-secret-file-secret-file-secret
`), 0o600))
	t.Setenv("VIGIL_SERVER_PORT", "6001")
	t.Setenv("DATABASE_URL", "")

	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })

	require.NoError(t, initConfig())

	// file
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Worker.Count)
	// env
	assert.Equal(t, 6001, cfg.Server.Port)
	// defaults
	assert.Equal(t, 2*time.Hour, cfg.Worker.ScanTimeout)
	assert.Equal(t, []string{"medium", "high", "critical"}, cfg.Tools.Nuclei.Severities)
	assert.Equal(t, "-jsonl", cfg.Tools.Nuclei.JSONFlag)
	assert.InDelta(t, 0.7, cfg.AI.Temperature, 0.0001)

	out, err := yaml.Marshal(cfg.Redacted())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "file-secret")
}
