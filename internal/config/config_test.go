package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, cfgFile string) *Config {
	t.Helper()
	v := viper.New()
	require.NoError(t, Prepare(v, cfgFile))
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg := load(t, "")
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, int64(100<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.StageTimeout)
	assert.Equal(t, "whisper-1", cfg.Transcription.Model)
	assert.Equal(t, 2, cfg.Separation.RetryCount)
	assert.True(t, cfg.Audio.Normalize)
	assert.Equal(t, "local", cfg.Artifacts.Backend)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	yml := `
server:
  addr: ":9000"
jobs:
  workers: 6
  stage_timeout: 90s
store:
  type: memory
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "singwithme.yaml"), []byte(yml), 0644))
	t.Setenv("SINGWITHME_JOBS_WORKERS", "3")
	t.Setenv("SINGWITHME_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg := load(t, "")
	assert.Equal(t, ":9000", cfg.Server.Addr, "file overrides default")
	assert.Equal(t, 3, cfg.Jobs.Workers, "env overrides file")
	assert.Equal(t, 90*time.Second, cfg.Jobs.StageTimeout)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestAPIKeyAliases(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SINGWITHME_TRANSCRIPTION_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPEN_AI_API_KEY", "sk-legacy")

	cfg := load(t, "")
	assert.Equal(t, "sk-legacy", cfg.Transcription.APIKey)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SINGWITHME_TEST_DOTENV=from-file\n"), 0644))
	t.Setenv("SINGWITHME_TEST_DOTENV", "")
	os.Unsetenv("SINGWITHME_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("SINGWITHME_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown store", func(c *Config) { c.Store.Type = "redis" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }, true},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Backend = "s3" }, true},
		{"unknown backend", func(c *Config) { c.Artifacts.Backend = "ftp" }, true},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true; c.Server.TLS.CertFile = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateClamps(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs.Workers = 0
	cfg.Jobs.QueueSize = -1
	cfg.Separation.RetryCount = -2
	cfg.Server.PublicURL = "http://localhost:8000/"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Jobs.Workers)
	assert.Equal(t, 1, cfg.Jobs.QueueSize)
	assert.Equal(t, 0, cfg.Separation.RetryCount)
	assert.Equal(t, "http://localhost:8000", cfg.Server.PublicURL)
}

func TestWriteYAMLRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Transcription.APIKey = "sk-secret"
	cfg.Auth.APIKey = "hunter2"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	out := buf.String()
	assert.NotContains(t, out, "sk-secret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "stage_timeout: 10m0s")
	assert.Equal(t, "sk-secret", cfg.Transcription.APIKey, "original is untouched")
}

func validConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
