package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, StyleOpenAI, cfg.Provider.Style)
	assert.Equal(t, ExporterNone, cfg.Metrics.Exporter)
	assert.Equal(t, DefaultReadSize, cfg.Filter.ReadSize)
	assert.Equal(t, DefaultStreamTimeout, cfg.StreamTimeout())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  stream_timeout: 2m
provider:
  style: anthropic
  model: claude-test
log:
  level: debug
  format: json
audit:
  enabled: true
  match:
    tools: ["Bash", "Write*"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 2*time.Minute, cfg.StreamTimeout())
	assert.Equal(t, StyleAnthropic, cfg.Provider.Style)
	assert.Equal(t, "claude-test", cfg.Provider.Model)
	assert.Equal(t, DefaultMaxTokens, cfg.Provider.MaxTokens)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, []string{"Bash", "Write*"}, cfg.Audit.Match.Tools)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("TOOLFENCE_PORT", "9100")
	t.Setenv("TOOLFENCE_API_KEY", "sk-test")
	t.Setenv("TOOLFENCE_API_BASE", "http://localhost:1234/v1")
	t.Setenv("TOOLFENCE_MODEL", "local-model")
	t.Setenv("TOOLFENCE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Provider.APIBase)
	assert.Equal(t, "local-model", cfg.Provider.Model)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvPortInvalid(t *testing.T) {
	t.Setenv("TOOLFENCE_PORT", "abc")

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "server.port", cfgErr.Field)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "port zero", mutate: func(c *Config) { c.Server.Port = 0 }, field: "server.port"},
		{name: "port too large", mutate: func(c *Config) { c.Server.Port = 70000 }, field: "server.port"},
		{name: "bad timeout", mutate: func(c *Config) { c.Server.StreamTimeout = "soon" }, field: "server.stream_timeout"},
		{name: "bad style", mutate: func(c *Config) { c.Provider.Style = "cohere" }, field: "provider.style"},
		{name: "bad max tokens", mutate: func(c *Config) { c.Provider.MaxTokens = 0 }, field: "provider.max_tokens"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, field: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, field: "log.format"},
		{name: "bad exporter", mutate: func(c *Config) { c.Metrics.Exporter = "prometheus" }, field: "metrics.exporter"},
		{name: "bad interval", mutate: func(c *Config) { c.Metrics.Interval = "often" }, field: "metrics.interval"},
		{name: "audit without dir", mutate: func(c *Config) { c.Audit.Enabled = true; c.Audit.Dir = "" }, field: "audit.dir"},
		{name: "bad read size", mutate: func(c *Config) { c.Filter.ReadSize = -1 }, field: "filter.read_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ConfigFile = filepath.Join(t.TempDir(), "nested", DefaultFileName)
	cfg.Server.Port = 8088
	cfg.Provider.Style = StyleGoogle
	require.NoError(t, cfg.Save())

	loaded, err := Load(cfg.ConfigFile)
	require.NoError(t, err)
	assert.Equal(t, 8088, loaded.Server.Port)
	assert.Equal(t, StyleGoogle, loaded.Provider.Style)
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan string, 4)
	w.AddCallback(func(c *Config) {
		reloaded <- c.LogConfig().Level
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// Ensure the new mtime is strictly later on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case level := <-reloaded:
		assert.Equal(t, "debug", level)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcherStartTwice(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestSetServerAddr(t *testing.T) {
	cfg := Default()

	cfg.SetServerAddr("", 0)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", DefaultPort), cfg.Addr())

	cfg.SetServerAddr("0.0.0.0", 9000)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
}
