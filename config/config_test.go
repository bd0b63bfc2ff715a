package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/seeknet"
	"github.com/Zereker/seeknet/source"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, source.KindFile, cfg.Source.Kind)
	assert.Equal(t, PolicyContinue, cfg.Server.ProtocolErrors)
	assert.Zero(t, cfg.Server.IdleTimeout, "no deadlines unless configured")
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "seekd.yaml", `
listen: 0.0.0.0:4100
source:
  kind: smb
  path: images/disk.img
  smb:
    hostname: nas.local
    share: data
    username: reader
server:
  idle_timeout: 30s
  max_connections: 16
  protocol_errors: disconnect
  reuse_port: true
log:
  level: debug
metrics_listen: 127.0.0.1:9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4100", cfg.Listen)
	assert.Equal(t, source.KindSMB, cfg.Source.Kind)
	assert.Equal(t, "images/disk.img", cfg.Source.Path)
	assert.Equal(t, "nas.local", cfg.Source.SMB.Hostname)
	assert.Equal(t, "data", cfg.Source.SMB.Share)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 16, cfg.Server.MaxConnections)
	assert.Equal(t, PolicyDisconnect, cfg.Server.ProtocolErrors)
	assert.True(t, cfg.Server.ReusePort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsListen)

	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 64*1024, cfg.Server.ReadChunkSize)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "seekd.json", `{"listen": "127.0.0.1:4200", "source": {"path": "/tmp/x"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4200", cfg.Listen)
	assert.Equal(t, "/tmp/x", cfg.Source.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "seekd.toml", "listen = 1"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "bad.yaml", "listen: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "policy.yaml", "server:\n  protocol_errors: explode\n"))
	assert.ErrorContains(t, err, "protocol_errors")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.MaxConnections = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.ReadChunkSize = -1
	assert.Error(t, cfg.Validate())
}

func TestServerOptions(t *testing.T) {
	cfg := Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Server.ProtocolErrors = PolicyDisconnect

	logger := seeknet.NewLogrusLogger(logrus.New())
	opts := cfg.ServerOptions(logger)
	assert.Len(t, opts, 7)

	server, err := seeknet.Listen(strings.NewReader("12345"), cfg.Listen, opts...)
	require.NoError(t, err)
	assert.NoError(t, server.Close())
}
