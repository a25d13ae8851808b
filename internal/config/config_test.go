package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/enrichd")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("TRANSFORM_SCRIPT", "/opt/enrich/transform.py")
	t.Setenv("EMBED_BASE_URL", "http://localhost:9200")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 4, cfg.Jobs.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.DedupeTTL)
	assert.Equal(t, 2*time.Second, cfg.Jobs.QueuePopTimeout)
	assert.Equal(t, "python3", cfg.Transform.Bin)
	assert.Equal(t, 2, cfg.Transform.RetryLimit)
	assert.True(t, cfg.Embed.Enabled)
	assert.Equal(t, "X-Tenant-ID", cfg.Embed.TenantHeader)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 0, cfg.Enrich.SubmitRetries)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_MissingRedisURL(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_MissingTransformScript(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSFORM_SCRIPT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSFORM_SCRIPT")
}

func TestLoad_EmbedDisabledSkipsBaseURLCheck(t *testing.T) {
	setRequired(t)
	t.Setenv("EMBED_ENABLED", "false")
	t.Setenv("EMBED_BASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Embed.Enabled)
}

func TestLoad_EmbedBaseURLScheme(t *testing.T) {
	setRequired(t)
	t.Setenv("EMBED_BASE_URL", "localhost:9200")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBED_BASE_URL")
}

func TestLoad_InvalidConcurrency(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("TRANSFORM_TIMEOUT", "45s")
	t.Setenv("EMBED_RETRY_LIMIT", "5")
	t.Setenv("TRANSFORM_TESTING", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Jobs.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Transform.Timeout)
	assert.Equal(t, 5, cfg.Embed.RetryLimit)
	assert.True(t, cfg.Transform.Testing)
}

func TestEnvHelpers_BadValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("ENRICH_PORT", "not-a-number")
	t.Setenv("TRANSFORM_TIMEOUT", "soon")
	t.Setenv("EMBED_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Transform.Timeout)
	assert.True(t, cfg.Embed.Enabled)
}
