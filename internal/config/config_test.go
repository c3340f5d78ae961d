package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaultsAndSizes(t *testing.T) {
	path := writeConfig(t, `
jwt:
  secret: "s3cret"
message:
  max_attachment_size: "2MB"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "chatsync:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 168*time.Hour, cfg.JWT.TTL())
	assert.Equal(t, int64(2_000_000), cfg.Message.MaxAttachmentSize)
	assert.Equal(t, int64(50_000), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 30, cfg.Message.DefaultPageLimit)
	assert.Equal(t, "/files", cfg.Storage.URLPrefix)
	assert.Equal(t, time.Hour, cfg.MySQL.ConnMaxLifetime)
	assert.Equal(t, 200*time.Millisecond, cfg.MySQL.SlowThreshold)
	assert.Equal(t, 1000, cfg.WebSocket.PushChannelSize)
	assert.Same(t, cfg, GlobalConfig)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: file\n")
	t.Setenv("CHATSYNC_JWT_SECRET", "from-env")
	t.Setenv("CHATSYNC_SERVER_HTTP_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  http_port: 1\n"))
	assert.ErrorContains(t, err, "jwt.secret")

	_, err = Load(writeConfig(t, "jwt:\n  secret: x\nmessage:\n  max_attachment_size: lots\n"))
	assert.ErrorContains(t, err, "max_attachment_size")

	_, err = Load(writeConfig(t, "jwt:\n  secret: x\nexternal_jwt:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "external_jwt.secret")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
