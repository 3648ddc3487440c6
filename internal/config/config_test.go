package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "google/medgemma-4b-it", cfg.Inference.PrimaryModel)
	assert.Equal(t, 30*time.Minute, cfg.Worker.MaxExecution)
	assert.Equal(t, 3, cfg.ConflictRetries)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medflow.yaml")
	content := `
store:
  driver: sqlite
  dsn: medflow.db
queue:
  driver: kafka
  kafka:
    brokers: ["kafka:9092"]
worker:
  concurrency: 4
  max_execution: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "medflow.db", cfg.Store.DSN)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Queue.Kafka.Brokers)
	assert.Equal(t, "medflow.sessions.submitted", cfg.Queue.Kafka.Topic, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Worker.MaxExecution)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http":{"addr":":9090"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MEDFLOW_STORE_DRIVER":         "redis",
		"MEDFLOW_KAFKA_BROKERS":        "a:9092, b:9092,",
		"MEDFLOW_WORKER_CONCURRENCY":   "8",
		"MEDFLOW_WORKER_MAX_EXECUTION": "45m",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Queue.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Minute, cfg.Worker.MaxExecution)

	bad := Default()
	err := bad.applyEnv(func(k string) (string, bool) {
		if k == "MEDFLOW_CONFLICT_RETRIES" {
			return "many", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestStoreKeys(t *testing.T) {
	active, fallback, err := StoreConfig{}.Keys()
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Nil(t, fallback)

	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		switch k {
		case "MEDFLOW_ENCRYPTION_KEY":
			return testKey(1), true
		case "MEDFLOW_ENCRYPTION_FALLBACK_KEYS":
			return testKey(2) + "," + testKey(3), true
		}
		return "", false
	}))
	require.NoError(t, cfg.Validate())

	active, fallback, err = cfg.Store.Keys()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, 32), active)
	require.Len(t, fallback, 2)
	assert.Equal(t, bytes.Repeat([]byte{3}, 32), fallback[1])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"kafka without brokers", func(c *Config) { c.Queue.Driver = "kafka" }},
		{"sqs without url", func(c *Config) { c.Queue.Driver = "sqs" }},
		{"unknown provider", func(c *Config) { c.Inference.Provider = "openai" }},
		{"no workers", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"key not base64", func(c *Config) { c.Store.EncryptionKey = "not base64!" }},
		{"short key", func(c *Config) { c.Store.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"fallback without key", func(c *Config) { c.Store.FallbackKeys = []string{testKey(1)} }},
		{"negative poll", func(c *Config) { c.HTTP.StreamPoll = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
