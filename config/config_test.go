package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "service", c.Instance)
	assert.Equal(t, "service", c.LogPrefix)
	assert.NotEmpty(t, c.DataDir)
	assert.Equal(t, filepath.Join(c.DataDir, PortFileName), c.PortFile)
	assert.Equal(t, DefaultPort, c.GetDefaultPort())
	assert.Equal(t, 3, c.GetRequestMaxRetries())
	assert.Equal(t, 2000*time.Millisecond, c.GetRequestDiscardAfter())
	assert.Equal(t, uint16(10), c.GetReconnectAttempts())
	require.NoError(t, c.Validate())
}

func TestLoadYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policyd.yaml")
	data := []byte(`
instance: console
data_dir: ` + dir + `
reconnect_enabled: true
reconnect_attempts: 4
reconnect_delay: 250
request_max_retries: 5
service_url: https://filter.example.com
encryption_secret: s3cret
log_debug: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "console", c.Instance)
	assert.Equal(t, "console", c.LogPrefix)
	assert.Equal(t, dir, c.DataDir)
	assert.True(t, c.ReconnectEnabled)
	assert.Equal(t, uint16(4), c.GetReconnectAttempts())
	assert.Equal(t, 250*time.Millisecond, c.GetReconnectDelay())
	assert.Equal(t, 5, c.GetRequestMaxRetries())
	assert.True(t, c.LogDebug)
	require.NoError(t, c.ValidateService())
}

func TestLoadMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	var nilConfig *Config
	require.Error(t, nilConfig.Validate())

	c := &Config{Instance: "service", DataDir: "/tmp/x", PortFile: "/tmp/x/ipc.port"}
	require.NoError(t, c.Validate())

	// out of range reconnect counts are clamped rather than rejected
	c.ReconnectAttempts = 11
	require.NoError(t, c.Validate())
	assert.Equal(t, MaxReconnectAttempts, c.GetReconnectAttempts())
	c.ReconnectAttempts = 10

	require.Error(t, c.ValidateService())
	c.ServiceURL = "https://filter.example.com"
	require.Error(t, c.ValidateService())
	c.EncryptionSecret = "k"
	require.NoError(t, c.ValidateService())
}
