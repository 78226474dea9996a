package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
port: 9090
data_path: /tmp/docs.db
log_level: debug
shutdown_grace: 2s
metrics:
  enabled: true
auth:
  mode: token
  tokens:
    tok-alice: alice
endpoints:
  - type: replication
    collection: todos
    version: 2
    server_only_fields: [secret]
    owner_field: owner
    max_rejected_pushes: 5
  - type: rest
    name: todos-rest
    collection: todos
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "*", cfg.Origin)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace.Std())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL.Std())
	require.Len(t, cfg.Endpoints, 2)

	repl := cfg.Endpoints[0]
	assert.Equal(t, "todos", repl.Name)
	assert.Equal(t, "id", repl.PrimaryKey)
	assert.Equal(t, "replication/todos", repl.URLPath())
	assert.Equal(t, []string{"secret"}, repl.ServerOnlyFields)
	assert.Equal(t, 5, repl.MaxRejectedPushes)
	assert.Equal(t, "rest/todos-rest", cfg.Endpoints[1].URLPath())
	assert.Equal(t, "localhost:9090", cfg.Addr())
}

func TestDurationAcceptsNanoseconds(t *testing.T) {
	cfg, err := Parse([]byte("shutdown_grace: 1500000000\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.ShutdownGrace.Std())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad yaml":       "port: [",
		"port":           "port: 70000",
		"log level":      "log_level: loud",
		"auth mode":      "auth: {mode: magic}",
		"jwt secret":     "auth: {mode: jwt}",
		"tokens":         "auth: {mode: token}",
		"endpoint type":  "endpoints: [{type: grpc, name: a}]",
		"endpoint name":  "endpoints: [{type: rest}]",
		"duplicate path": "endpoints: [{type: rest, name: a}, {type: rest, name: b, path: rest/a}]",
		"duration":       "shutdown_grace: soon",
		"metrics path":   "metrics: {enabled: true, path: metrics}",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadAndMarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, AuthNone, cfg.Auth.Mode)
	assert.Empty(t, cfg.Endpoints)
}
