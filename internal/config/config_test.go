package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultBasePort, cfg.BasePort)
	assert.Equal(t, DefaultPortAttempts, cfg.PortAttempts)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultStopGrace, cfg.StopGrace)
	assert.True(t, cfg.ShouldOpenBrowser())
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
base_port: 7000
debounce: 250ms
stop_grace: 10s
open_browser: false
code_theme: monokai
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.BasePort)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 10*time.Second, cfg.StopGrace)
	assert.Equal(t, "monokai", cfg.CodeTheme)
	assert.False(t, cfg.ShouldOpenBrowser())
	// Untouched fields still get defaults.
	assert.Equal(t, DefaultKeepalive, cfg.Keepalive)
	assert.Equal(t, DefaultHost, cfg.Host)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_port: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyDefaults_RejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{BasePort: 70000}
	applyDefaults(cfg)
	assert.Equal(t, DefaultBasePort, cfg.BasePort)
}
