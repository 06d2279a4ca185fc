package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendLog, cfg.BroadcastBackend)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foodrescue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
sweep_interval: 30s
broadcast_backend: kafka
kafka_brokers: [broker-1:9092]
claim_burst: 2
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, BackendKafka, cfg.BroadcastBackend)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2, cfg.ClaimBurst)
	assert.Equal(t, 5, cfg.ClaimRatePerMinute)
}

func TestInvalidSettings(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("SWEEP_INTERVAL", "often")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("CLAIM_BURST", "many")
		_, err := Load()
		require.ErrorContains(t, err, "CLAIM_BURST")
	})

	t.Run("redis without url", func(t *testing.T) {
		t.Setenv("BROADCAST_BACKEND", BackendRedis)
		_, err := Load()
		require.ErrorContains(t, err, "REDIS_URL")
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("BROADCAST_BACKEND", "pigeon")
		_, err := Load()
		require.ErrorContains(t, err, "pigeon")
	})

	t.Run("both identity sources", func(t *testing.T) {
		t.Setenv("IDENTITY_SERVICE_URL", "http://identity:8083")
		t.Setenv("IDENTITY_SEED_FILE", "members.yaml")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.ErrorContains(t, err, "read config file")
}
