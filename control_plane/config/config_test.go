package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirForTest(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5050", cfg.ListenAddr)
	assert.Equal(t, 60*time.Second, cfg.LivenessWindow)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.False(t, cfg.RequireHeartbeatToken)
	assert.Equal(t, "/var/www/deployments", cfg.DefaultDeployDir)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadRespectsEnvOverrides(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("AGENT_LIVENESS_WINDOW", "90s")
	t.Setenv("REQUIRE_HEARTBEAT_TOKEN", "true")
	t.Setenv("BACKEND_PUBLIC_URL", "https://deploy.example.com/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.LivenessWindow)
	assert.True(t, cfg.RequireHeartbeatToken)
	assert.Equal(t, "https://deploy.example.com", cfg.PublicURL)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
}

func TestValidate(t *testing.T) {
	cfg := &Config{LivenessWindow: 10 * time.Second, HeartbeatInterval: 10 * time.Second}
	assert.Error(t, cfg.Validate())

	cfg = &Config{LivenessWindow: time.Minute, HeartbeatInterval: 10 * time.Second, JWTSecret: "short"}
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = strings.Repeat("x", 32)
	assert.NoError(t, cfg.Validate())
}

// chdirForTest changes the working directory for the duration of the test
// and restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
