package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadValid(t *testing.T) *Config {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "unit-test-secret")
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadValid(t)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addresses)
	assert.False(t, cfg.Redis.InMemory)
	assert.True(t, cfg.Limiter.FailOpen)
	assert.Equal(t, int64(5), cfg.Escalation.ViolationThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.EscalationWindow)
	assert.Equal(t, 120, cfg.Detector.BurstThreshold)
	assert.Equal(t, 8192, cfg.Ledger.QueueCapacity)
	assert.True(t, cfg.Influx.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "traffic-guard", cfg.Auth.JWTIssuer)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "unit-test-secret")
	t.Setenv("SERVER_HTTP_PORT", "9090")
	t.Setenv("REDIS_ADDRESSES", "redis-a:6379,redis-b:6379")
	t.Setenv("LIMITER_FAIL_OPEN", "false")
	t.Setenv("ESCALATION_WINDOW", "5m")
	t.Setenv("ESCALATION_BACKOFF_FACTOR", "3.5")
	t.Setenv("DETECTOR_BAD_NETWORKS", "10.0.0.0/8,192.168.0.0/16")
	t.Setenv("KAFKA_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addresses)
	assert.False(t, cfg.Limiter.FailOpen)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.EscalationWindow)
	assert.Equal(t, 3.5, cfg.Escalation.BackoffFactor)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Detector.BadNetworks)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "unit-test-secret")
	t.Setenv("SERVER_HTTP_PORT", "not-a-number")
	t.Setenv("ESCALATION_WINDOW", "soon")
	t.Setenv("LIMITER_FAIL_OPEN", "yes-please")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.EscalationWindow)
	assert.True(t, cfg.Limiter.FailOpen)
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	t.Setenv("SERVER_HTTP_PORT", "70000")
	t.Setenv("ESCALATION_VIOLATION_THRESHOLD", "-1")
	t.Setenv("DETECTOR_ERROR_RATIO_THRESHOLD", "1.5")
	t.Setenv("LEDGER_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	for _, fragment := range []string{
		"AUTH_JWT_SECRET",
		"SERVER_HTTP_PORT",
		"ESCALATION_VIOLATION_THRESHOLD",
		"DETECTOR_ERROR_RATIO_THRESHOLD",
		"LEDGER_BATCH_SIZE",
	} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestValidateInMemoryStoreNeedsNoRedis(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "unit-test-secret")
	t.Setenv("COUNTER_STORE_IN_MEMORY", "true")
	t.Setenv("REDIS_ADDRESSES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Redis.InMemory)
}

func TestLogSafeMasksSecrets(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "super-secret-value")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("INFLUX_TOKEN", "influx-token")

	cfg, err := Load()
	require.NoError(t, err)

	flat := flatten(cfg.LogSafe())
	for _, secret := range []string{"super-secret-value", "hunter2", "influx-token"} {
		for _, v := range flat {
			assert.NotContains(t, v, secret)
		}
	}
}

func flatten(m map[string]interface{}) []string {
	var out []string
	for _, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out = append(out, flatten(vv)...)
		case string:
			out = append(out, vv)
		case []string:
			out = append(out, strings.Join(vv, ","))
		}
	}
	return out
}

func TestMaskHelpers(t *testing.T) {
	assert.Equal(t, "<not set>", maskSecret(""))
	assert.Equal(t, "<set, 7 chars>", maskSecret("hunter2"))
	assert.Equal(t, "<not set>", maskURL(""))
	assert.Equal(t, "<set>", maskURL("postgres://u:p@host/db"))
}
