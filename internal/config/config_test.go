package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "config.json"))
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Load())

	assert.Equal(t, DefaultOTAURL, cfg.OTAURL())
	assert.Equal(t, DefaultStateDir, cfg.StateDir())
	assert.Equal(t, DefaultOutputVolume, cfg.OutputVolume())
	assert.False(t, cfg.HasMQTTConfig())
	assert.False(t, cfg.HasWebSocketConfig())

	_, err := os.Stat(cfg.filePath)
	assert.NoError(t, err, "default config written to disk")
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"system":{"language":"nl-NL"}}`), 0o600))

	cfg := New(path)
	require.NoError(t, cfg.Load())

	snapshot := cfg.Snapshot()
	assert.Equal(t, "nl-NL", snapshot.Language)
	assert.Equal(t, DefaultOTAURL, snapshot.OTAURL)
	assert.Equal(t, DefaultWakeThreshold, snapshot.WakeThresholdDB)
	assert.Equal(t, DefaultWakeHoldMs, snapshot.WakeHoldMs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"audio":{"output_volume":250}}`), 0o600))

	cfg := New(path)
	err := cfg.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_volume", "errors name the json field")
}

func TestSetMQTTConfigPersists(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Load())

	section := map[string]string{"endpoint": "mqtt.example.com:8883", "username": "dev"}
	require.NoError(t, cfg.SetMQTTConfig(section))
	assert.True(t, cfg.HasMQTTConfig())

	reloaded := New(cfg.filePath)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, section, reloaded.MQTTConfig())
}

func TestSetMQTTConfigUnchangedSkipsSave(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Load())

	section := map[string]string{"endpoint": "mqtt.example.com:8883"}
	require.NoError(t, cfg.SetMQTTConfig(section))

	info, err := os.Stat(cfg.filePath)
	require.NoError(t, err)
	before := info.ModTime()

	require.NoError(t, cfg.SetMQTTConfig(map[string]string{"endpoint": "mqtt.example.com:8883"}))
	info, err = os.Stat(cfg.filePath)
	require.NoError(t, err)
	assert.Equal(t, before, info.ModTime(), "identical section must not rewrite the file")
}

func TestMQTTConfigReturnsCopy(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.SetMQTTConfig(map[string]string{"endpoint": "a"}))

	got := cfg.MQTTConfig()
	got["endpoint"] = "tampered"
	assert.Equal(t, "a", cfg.MQTTConfig()["endpoint"])
}

func TestSnapshotHasUpload(t *testing.T) {
	cfg := newTestConfig(t)
	s := cfg.Snapshot()
	assert.False(t, s.HasUpload())

	cfg.CaptureLog.Enabled = true
	cfg.CaptureLog.S3Bucket = "bucket"
	cfg.CaptureLog.S3AccessKeyID = "key"
	cfg.CaptureLog.S3SecretKey = "secret"
	s = cfg.Snapshot()
	assert.True(t, s.HasUpload())
}
