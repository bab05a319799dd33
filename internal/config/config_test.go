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
	p := filepath.Join(t.TempDir(), "pixelledger.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.Similarity.Threshold)
	assert.Equal(t, 10*time.Second, cfg.Similarity.ScanTimeout)
	assert.Equal(t, BackendSQLite, cfg.Registry.Backend)
	assert.Equal(t, int64(32<<20), cfg.MaxUploadBytes)
	assert.Equal(t, int64(40<<20), cfg.MaxPixels)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9090"
log_level: debug
max_pixels: 1000000
similarity:
  threshold: 6
  scan_timeout: 3s
registry:
  backend: grpc
  addr: ledger:50051
  call_timeout: 750ms
metadata:
  driver: mysql
  dsn: "root:pw@tcp(db:3306)/pixelledger?parseTime=true"
auth:
  tokens:
    - identity: alice
      token_hash: "$2a$10$abcdefghijklmnopqrstuu"
seal:
  recipients: ["age1example"]
classifier:
  negative: ["meh"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 6, cfg.Similarity.Threshold)
	assert.Equal(t, int64(1000000), cfg.MaxPixels)
	assert.Equal(t, 3*time.Second, cfg.Similarity.ScanTimeout)
	assert.Equal(t, BackendGRPC, cfg.Registry.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Registry.CallTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Registry.AppendTimeout)
	assert.Equal(t, "mysql", cfg.Metadata.Driver)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "alice", cfg.Auth.Tokens[0].Identity)
	assert.Equal(t, []string{"age1example"}, cfg.Seal.Recipients)
	assert.Equal(t, []string{"meh"}, cfg.Classifier.Negative)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "http_addr: \":9090\"\n")
	t.Setenv("PIXELLEDGER_HTTP_ADDR", ":7070")
	t.Setenv("PIXELLEDGER_WORKERS", "9")
	t.Setenv("PIXELLEDGER_MAX_PIXELS", "2048")
	t.Setenv("DB_DSN", "/tmp/meta.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, int64(2048), cfg.MaxPixels)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, "/tmp/meta.db", cfg.Metadata.DSN)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("PIXELLEDGER_WORKERS", "many")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Registry.Backend = "ethereum" }},
		{"grpc without addr", func(c *Config) { c.Registry.Backend = BackendGRPC; c.Registry.Addr = "" }},
		{"driver", func(c *Config) { c.Metadata.Driver = "postgres" }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"max pixels", func(c *Config) { c.MaxPixels = 0 }},
		{"threshold", func(c *Config) { c.Similarity.Threshold = -1 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"token", func(c *Config) { c.Auth.Tokens = []TokenConfig{{Identity: "alice"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
