package config_test

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/engramdb/engram/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultWorkspaceIsDefault(t *testing.T) {
	_ = os.Unsetenv("ENGRAM_DEFAULT_WORKSPACE")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.User.DefaultWorkspace)
}

func TestLoadConfig_CanOverrideWorkspace(t *testing.T) {
	t.Setenv("ENGRAM_DEFAULT_WORKSPACE", "proj-x")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "proj-x", cfg.User.DefaultWorkspace)
}

func TestLoadConfig_DefaultRerankAndGraphValues(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Rerank.RRFK)
	assert.Equal(t, 3, cfg.Graph.DefaultMaxHops)
	assert.Equal(t, 0.85, cfg.Quality.DuplicateThreshold)
}

func TestSaveConfig_PersistsDefaultWorkspace(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	cfg := &config.Config{}
	cfg.User.DefaultWorkspace = "bob-space"

	require.NoError(t, cfg.SaveConfig(db), "SaveConfig must not return an error")

	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = 'default_workspace'").Scan(&value)
	require.NoError(t, err, "default_workspace must be stored in settings table")
	assert.Equal(t, "bob-space", value)
}

func TestLoadConfigFromDB_ReadsDefaultWorkspace(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	_, err := db.Exec(`INSERT INTO settings (key, value) VALUES ('default_workspace', 'charlie-space')`)
	require.NoError(t, err)

	_ = os.Unsetenv("ENGRAM_DEFAULT_WORKSPACE")
	cfg, err := config.LoadConfigFromDB(db)
	require.NoError(t, err, "LoadConfigFromDB must not return an error")

	assert.Equal(t, "charlie-space", cfg.User.DefaultWorkspace)
}

func TestLoadConfigFromDB_DBOverridesEnvVar(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	t.Setenv("ENGRAM_DEFAULT_WORKSPACE", "env-space")

	_, err := db.Exec(`INSERT INTO settings (key, value) VALUES ('default_workspace', 'db-space')`)
	require.NoError(t, err)

	cfg, err := config.LoadConfigFromDB(db)
	require.NoError(t, err)

	assert.Equal(t, "db-space", cfg.User.DefaultWorkspace,
		"Database value must take precedence over environment variable")
}

func TestLoadConfigFromDB_FallsBackToEnvVar(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	t.Setenv("ENGRAM_DEFAULT_WORKSPACE", "fallback-space")

	cfg, err := config.LoadConfigFromDB(db)
	require.NoError(t, err)

	assert.Equal(t, "fallback-space", cfg.User.DefaultWorkspace,
		"Must fall back to env var when no DB entry exists")
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	_ = os.Unsetenv("ENGRAM_DEFAULT_WORKSPACE")

	original := &config.Config{}
	original.User.DefaultWorkspace = "round-trip-space"
	require.NoError(t, original.SaveConfig(db), "SaveConfig must succeed")

	loaded, err := config.LoadConfigFromDB(db)
	require.NoError(t, err, "LoadConfigFromDB must succeed after SaveConfig")

	assert.Equal(t, original.User.DefaultWorkspace, loaded.User.DefaultWorkspace)
}

func TestSaveConfig_UpdatesExistingEntry(t *testing.T) {
	db := openTestDB(t)
	defer func() { _ = db.Close() }()

	cfg := &config.Config{}

	cfg.User.DefaultWorkspace = "first"
	require.NoError(t, cfg.SaveConfig(db))

	cfg.User.DefaultWorkspace = "second"
	require.NoError(t, cfg.SaveConfig(db))

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM settings WHERE key = 'default_workspace'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "Must have exactly one row for default_workspace")

	var value string
	err = db.QueryRow("SELECT value FROM settings WHERE key = 'default_workspace'").Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, "second", value, "Value must be updated to latest")
}

func TestLoadConfigFromDB_NilDB(t *testing.T) {
	_, err := config.LoadConfigFromDB(nil)
	assert.Error(t, err, "LoadConfigFromDB with nil db must return an error")
}

func TestSaveConfig_NilDB(t *testing.T) {
	cfg := &config.Config{}
	cfg.User.DefaultWorkspace = "test"
	err := cfg.SaveConfig(nil)
	assert.Error(t, err, "SaveConfig with nil db must return an error")
}

func TestLoadConfig_YAMLFileOverridesDefaults(t *testing.T) {
	path := t.TempDir() + "/engram.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  max_content_bytes: 1024
lifecycle:
  sweep_interval: 30m
rerank:
  rrf_k: 90
user:
  default_workspace: from-file
`), 0o600))
	t.Setenv("ENGRAM_CONFIG_FILE", path)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Storage.MaxContentBytes)
	assert.Equal(t, 90, cfg.Rerank.RRFK)
	assert.Equal(t, "from-file", cfg.User.DefaultWorkspace)
	assert.Equal(t, "30m0s", cfg.Lifecycle.SweepInterval.String())
}

func TestLoadConfig_EnvVarBeatsYAMLFile(t *testing.T) {
	path := t.TempDir() + "/engram.yaml"
	require.NoError(t, os.WriteFile(path, []byte("user:\n  default_workspace: from-file\n"), 0o600))
	t.Setenv("ENGRAM_CONFIG_FILE", path)
	t.Setenv("ENGRAM_DEFAULT_WORKSPACE", "from-env")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.User.DefaultWorkspace)
}

func TestLoadConfig_BadYAMLFileErrors(t *testing.T) {
	path := t.TempDir() + "/engram.yaml"
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o600))
	t.Setenv("ENGRAM_CONFIG_FILE", path)

	_, err := config.LoadConfig()
	require.Error(t, err)
}

// openTestDB creates an in-memory SQLite database with the settings schema.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "Failed to open in-memory SQLite database")

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	require.NoError(t, err, "Failed to create settings table")

	return db
}
