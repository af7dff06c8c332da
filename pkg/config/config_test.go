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
	path := filepath.Join(t.TempDir(), "hutch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://hutch@localhost/hutch
bot:
  image: registry.local/bookingbot:latest
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "master_bot", cfg.Database.ControlSchema)
	assert.Equal(t, 60*time.Second, cfg.Database.CommandTimeout)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cache.Addr())
	assert.True(t, cfg.Cache.PrefixMode())
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.PopWait)
	assert.Equal(t, 24*time.Hour, cfg.Worker.ResultTTL)
	assert.Equal(t, 30*time.Second, cfg.Bot.HealthTimeout)
	assert.Equal(t, time.Hour, cfg.Enforcer.Interval)
	assert.Equal(t, 300*time.Second, cfg.Pool.ActivationTTL)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file@localhost/hutch
bot:
  image: registry.local/bookingbot:latest
`)
	t.Setenv("HUTCH_DATABASE_URL", "postgres://env@localhost/hutch")
	t.Setenv("HUTCH_CACHE_PORT", "6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@localhost/hutch", cfg.Database.URL)
	assert.Equal(t, 6380, cfg.Cache.Port)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, `bot: {image: x}`))
	assert.ErrorContains(t, err, "database.url")

	_, err = Load(writeConfig(t, `database: {url: postgres://x}`))
	assert.ErrorContains(t, err, "bot.image")

	_, err = Load(writeConfig(t, `
database: {url: postgres://x}
bot: {image: x}
pool: {min_free: 8, max_total: 4}
`))
	assert.ErrorContains(t, err, "min_free")

	_, err = Load(writeConfig(t, `
database: {url: postgres://x}
bot: {image: x}
election: {enabled: true}
`))
	assert.ErrorContains(t, err, "node_id")
}

func TestPartitionModes(t *testing.T) {
	c := CacheConfig{MaxPartitions: 128}
	assert.False(t, c.PrefixMode())
	c.MaxPartitions = 0
	assert.True(t, c.PrefixMode())
}
