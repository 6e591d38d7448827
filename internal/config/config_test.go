package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7714, cfg.ComputePort)
	assert.Equal(t, 1024*1024, cfg.ReadBufferBytes())
	assert.Equal(t, int64(600*1024), cfg.MaxInlineFileBytes())
	assert.Equal(t, 5*time.Minute, cfg.ReapDelay())
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"compute_host": "compute.internal", "session_reap_delay_seconds": 0, "log_compute_incoming": true}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "compute.internal", cfg.ComputeHost)
	assert.Equal(t, time.Duration(0), cfg.ReapDelay())
	assert.True(t, cfg.LogComputeIncoming)
	// untouched values keep their defaults
	assert.Equal(t, "rc2", cfg.DBUser)
}

func TestClamping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadBufferSizeKB = 1
	cfg.MaxInlineFileSizeKB = 5000
	cfg.SessionReapDelaySecs = 999999
	cfg.ComputeConnectAttempts = 0
	cfg.ComputeConnectMinDelayMS = 500
	cfg.ComputeConnectMaxDelayMS = 100
	cfg.clamp()

	assert.Equal(t, MinReadBufferKB, cfg.ReadBufferSizeKB)
	assert.Equal(t, MaxInlineFileKB, cfg.MaxInlineFileSizeKB)
	assert.Equal(t, MaxReapDelaySec, cfg.SessionReapDelaySecs)
	assert.Equal(t, 1, cfg.ComputeConnectAttempts)
	assert.Equal(t, 500, cfg.ComputeConnectMaxDelayMS)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComputeViaLauncher = true
	cfg.LauncherURL = ""
	assert.Error(t, cfg.Validate())

	cfg.LauncherURL = "http://orchestrator:8080"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ComputeHost = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
