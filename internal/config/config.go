// Package config loads the server configuration. Sources are applied in
// order: built-in defaults, an optional YAML file named by CONFIG_FILE, then
// environment variables (a .env file in the working directory is loaded
// into the environment first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Broadcast backends.
const (
	BackendLog   = "log"
	BackendKafka = "kafka"
	BackendRedis = "redis"
)

// Config holds all configuration for the server.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`

	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	IdentityServiceURL string `yaml:"identity_service_url"`
	IdentitySeedFile   string `yaml:"identity_seed_file"`

	BroadcastBackend string   `yaml:"broadcast_backend"`
	KafkaBrokers     []string `yaml:"kafka_brokers"`
	RedisURL         string   `yaml:"redis_url"`
	NotifyTopic      string   `yaml:"notify_topic"`
	DispatchBuffer   int      `yaml:"dispatch_buffer"`

	ClaimRatePerMinute int `yaml:"claim_rate_per_minute"`
	ClaimBurst         int `yaml:"claim_burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		LogLevel:           "info",
		ServiceName:        "foodrescue",
		SweepInterval:      time.Minute,
		BroadcastBackend:   BackendLog,
		NotifyTopic:        "notifications",
		DispatchBuffer:     256,
		ClaimRatePerMinute: 5,
		ClaimBurst:         5,
	}
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.IdentityServiceURL = getEnv("IDENTITY_SERVICE_URL", c.IdentityServiceURL)
	c.IdentitySeedFile = getEnv("IDENTITY_SEED_FILE", c.IdentitySeedFile)
	c.BroadcastBackend = getEnv("BROADCAST_BACKEND", c.BroadcastBackend)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.NotifyTopic = getEnv("NOTIFY_TOPIC", c.NotifyTopic)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}

	var errs []error
	if raw := getEnv("SWEEP_INTERVAL", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_INTERVAL: %w", err))
		}
		c.SweepInterval = d
	}
	for key, dst := range map[string]*int{
		"DISPATCH_BUFFER":       &c.DispatchBuffer,
		"CLAIM_RATE_PER_MINUTE": &c.ClaimRatePerMinute,
		"CLAIM_BURST":           &c.ClaimBurst,
	} {
		raw := getEnv(key, "")
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = n
	}
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	switch c.BroadcastBackend {
	case BackendLog:
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka backend needs KAFKA_BROKERS"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis backend needs REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broadcast backend %q", c.BroadcastBackend))
	}
	if c.IdentityServiceURL != "" && c.IdentitySeedFile != "" {
		errs = append(errs, errors.New("set either IDENTITY_SERVICE_URL or IDENTITY_SEED_FILE, not both"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
