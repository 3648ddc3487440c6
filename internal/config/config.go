// Package config loads the process configuration from a YAML or JSON file
// with MEDFLOW_* environment overrides.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of medflow.yaml.
type Config struct {
	Log             LogConfig       `yaml:"log" json:"log"`
	HTTP            HTTPConfig      `yaml:"http" json:"http"`
	Store           StoreConfig     `yaml:"store" json:"store"`
	Queue           QueueConfig     `yaml:"queue" json:"queue"`
	Inference       InferenceConfig `yaml:"inference" json:"inference"`
	Worker          WorkerConfig    `yaml:"worker" json:"worker"`
	Reconcile       ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	ConflictRetries int             `yaml:"conflict_retries" json:"conflict_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// StreamPoll is how often event streams re-read their session. Zero disables it.
	StreamPoll time.Duration `yaml:"stream_poll" json:"stream_poll"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// StoreConfig selects the session repository: memory, redis, sqlite or postgres.
type StoreConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	DSN    string      `yaml:"dsn" json:"dsn"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`

	// EncryptionKey, when set, is a base64 AES-256 key sealing clinical fields
	// at rest. FallbackKeys still decrypt records sealed before a rotation.
	EncryptionKey string   `yaml:"encryption_key" json:"encryption_key"`
	FallbackKeys  []string `yaml:"fallback_keys" json:"fallback_keys"`
}

// Keys decodes the encryption keys. A nil active key means encryption is off.
func (s StoreConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		if len(s.FallbackKeys) > 0 {
			return nil, nil, fmt.Errorf("store.fallback_keys requires store.encryption_key")
		}
		return nil, nil, nil
	}
	if active, err = decodeKey("store.encryption_key", s.EncryptionKey); err != nil {
		return nil, nil, err
	}
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(fmt.Sprintf("store.fallback_keys[%d]", i), k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(name, v string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	GroupID string   `yaml:"group_id" json:"group_id"`
}

type SQSConfig struct {
	QueueURL string `yaml:"queue_url" json:"queue_url"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// QueueConfig selects the dispatcher: memory, redis, kafka or sqs.
type QueueConfig struct {
	Driver   string      `yaml:"driver" json:"driver"`
	Capacity int         `yaml:"capacity" json:"capacity"`
	Redis    RedisConfig `yaml:"redis" json:"redis"`
	Kafka    KafkaConfig `yaml:"kafka" json:"kafka"`
	SQS      SQSConfig   `yaml:"sqs" json:"sqs"`
}

// InferenceConfig selects the analysis providers: huggingface or stub.
type InferenceConfig struct {
	Provider      string        `yaml:"provider" json:"provider"`
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	Token         string        `yaml:"token" json:"token"`
	PrimaryModel  string        `yaml:"primary_model" json:"primary_model"`
	FallbackModel string        `yaml:"fallback_model" json:"fallback_model"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	MaxExecution time.Duration `yaml:"max_execution" json:"max_execution"`
}

type ReconcileConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	SubmittedAfter  time.Duration `yaml:"submitted_after" json:"submitted_after"`
	ProcessingAfter time.Duration `yaml:"processing_after" json:"processing_after"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		HTTP:  HTTPConfig{Addr: ":8080", StreamPoll: 5 * time.Second},
		Store: StoreConfig{Driver: "memory", Redis: RedisConfig{Addr: "localhost:6379", Prefix: "medflow:"}},
		Queue: QueueConfig{
			Driver:   "memory",
			Capacity: 1024,
			Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "medflow:"},
			Kafka:    KafkaConfig{Topic: "medflow.sessions.submitted", GroupID: "medflow-workers"},
		},
		Inference: InferenceConfig{
			Provider:      "stub",
			BaseURL:       "https://api-inference.huggingface.co",
			PrimaryModel:  "google/medgemma-4b-it",
			FallbackModel: "microsoft/biogpt",
			Timeout:       2 * time.Minute,
		},
		Worker:          WorkerConfig{Concurrency: 2, MaxExecution: 30 * time.Minute},
		Reconcile:       ReconcileConfig{Interval: time.Minute, SubmittedAfter: 5 * time.Minute, ProcessingAfter: 30 * time.Minute},
		ConflictRetries: 3,
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if strings.ToLower(filepath.Ext(path)) == ".json" {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := map[string]*string{
		"MEDFLOW_LOG_LEVEL":        &c.Log.Level,
		"MEDFLOW_LOG_FORMAT":       &c.Log.Format,
		"MEDFLOW_HTTP_ADDR":        &c.HTTP.Addr,
		"MEDFLOW_STORE_DRIVER":     &c.Store.Driver,
		"MEDFLOW_STORE_DSN":        &c.Store.DSN,
		"MEDFLOW_ENCRYPTION_KEY":   &c.Store.EncryptionKey,
		"MEDFLOW_REDIS_ADDR":       &c.Store.Redis.Addr,
		"MEDFLOW_REDIS_PASSWORD":   &c.Store.Redis.Password,
		"MEDFLOW_QUEUE_DRIVER":     &c.Queue.Driver,
		"MEDFLOW_QUEUE_REDIS_ADDR": &c.Queue.Redis.Addr,
		"MEDFLOW_KAFKA_TOPIC":      &c.Queue.Kafka.Topic,
		"MEDFLOW_SQS_QUEUE_URL":    &c.Queue.SQS.QueueURL,
		"MEDFLOW_SQS_REGION":       &c.Queue.SQS.Region,
		"MEDFLOW_SQS_ENDPOINT":     &c.Queue.SQS.Endpoint,
		"MEDFLOW_INFERENCE":        &c.Inference.Provider,
		"MEDFLOW_HF_BASE_URL":      &c.Inference.BaseURL,
		"MEDFLOW_HF_TOKEN":         &c.Inference.Token,
		"MEDFLOW_PRIMARY_MODEL":    &c.Inference.PrimaryModel,
		"MEDFLOW_FALLBACK_MODEL":   &c.Inference.FallbackModel,
	}
	for key, target := range str {
		if v, ok := lookup(key); ok {
			*target = v
		}
	}

	if v, ok := lookup("MEDFLOW_KAFKA_BROKERS"); ok {
		c.Queue.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("MEDFLOW_ENCRYPTION_FALLBACK_KEYS"); ok {
		c.Store.FallbackKeys = splitList(v)
	}

	ints := map[string]*int{
		"MEDFLOW_WORKER_CONCURRENCY": &c.Worker.Concurrency,
		"MEDFLOW_CONFLICT_RETRIES":   &c.ConflictRetries,
	}
	for key, target := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*target = n
		}
	}

	durations := map[string]*time.Duration{
		"MEDFLOW_WORKER_MAX_EXECUTION": &c.Worker.MaxExecution,
		"MEDFLOW_INFERENCE_TIMEOUT":    &c.Inference.Timeout,
		"MEDFLOW_HTTP_STREAM_POLL":     &c.HTTP.StreamPoll,
	}
	for key, target := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*target = d
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks driver names and required connection settings.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, _, err := c.Store.Keys(); err != nil {
		return err
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 || c.Queue.Kafka.Topic == "" {
			return fmt.Errorf("queue.kafka.brokers and queue.kafka.topic are required")
		}
	case "sqs":
		if c.Queue.SQS.QueueURL == "" {
			return fmt.Errorf("queue.sqs.queue_url is required")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	switch c.Inference.Provider {
	case "stub":
	case "huggingface":
		if c.Inference.PrimaryModel == "" {
			return fmt.Errorf("inference.primary_model is required")
		}
	default:
		return fmt.Errorf("unknown inference provider %q", c.Inference.Provider)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries must not be negative")
	}
	if c.HTTP.StreamPoll < 0 {
		return fmt.Errorf("http.stream_poll must not be negative")
	}
	return nil
}
