package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", config.Server.Addr())
	assert.Equal(t, 24*time.Hour, config.Organization.TTL)
	assert.Equal(t, 120*time.Second, config.Generation.Timeout)
	assert.Equal(t, 2, config.Generation.MaxAttempts)
	assert.Equal(t, 3, config.Generation.DefaultConcurrency)
	assert.Equal(t, 10, config.Generation.MaxConcurrency)
	assert.Equal(t, "gemini", config.AI.Provider)
	assert.Equal(t, "memory", config.Storage.Driver)
	assert.Equal(t, 3*time.Second, config.Client.PollInterval)
	assert.Equal(t, 30*time.Second, config.Client.PollMaxInterval)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profilegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
organization:
  source-file: org.yaml
kpi:
  default-dataset: general
  aliases:
    dit: ["ДИТ", "Департамент информационных технологий"]
generation:
  timeout: 30s
ai:
  provider: " OpenAI "
storage:
  driver: sqlite
`), 0o600))

	t.Setenv("PROFILEGEN_GENERATION_MAX_ATTEMPTS", "4")
	t.Setenv("PROFILEGEN_STORAGE_SQLITE_PATH", "/tmp/profiles.db")

	v := newViper(t)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	config, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "org.yaml", config.Organization.SourceFile)
	assert.Equal(t, "general", config.KPI.DefaultDataset)
	assert.Equal(t, []string{"ДИТ", "Департамент информационных технологий"}, config.KPI.Aliases["dit"])
	assert.Equal(t, 30*time.Second, config.Generation.Timeout)
	assert.Equal(t, 4, config.Generation.MaxAttempts)
	assert.Equal(t, "openai", config.AI.Provider)
	assert.Equal(t, "sqlite", config.Storage.Driver)
	assert.Equal(t, "/tmp/profiles.db", config.Storage.SQLite.Path)
}

func TestUnsupportedDrivers(t *testing.T) {
	_, _, err := newRepository(t.Context(), StorageConfig{Driver: "redis"}, nil)
	require.ErrorContains(t, err, "unsupported storage driver")

	_, err = newAdapter(t.Context(), AIConfig{Provider: "claude"}, nil)
	require.ErrorContains(t, err, "unsupported ai provider")
}
