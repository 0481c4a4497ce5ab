package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("STORAGE_TYPE", "")
	cfg := fromViper(newViper())

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, "local", cfg.StorageType)
	assert.Equal(t, 2*time.Hour, cfg.EditorSessionTTL)
	assert.Equal(t, 30, cfg.AuthRatePerMinute)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("STORAGE_TYPE", "minio")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("COUNSELHUB_ACCESS_TTL_SECONDS", "60")
	t.Setenv("SIGNED_URL_TTL_SECONDS", "not-a-number")

	cfg := fromViper(newViper())

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "minio", cfg.StorageType)
	assert.True(t, cfg.MinIOUseSSL)
	assert.Equal(t, time.Minute, cfg.AccessTTL)
	assert.Equal(t, 15*time.Minute, cfg.SignedURLTTL)
}

func TestDatabasePoolSettings(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("DB_MAX_IDLE_CONNS", "-1")
	t.Setenv("DB_CONN_MAX_LIFETIME_SECONDS", "600")

	cfg := fromViper(newViper())

	assert.Equal(t, 50, cfg.DBMaxOpenConns)
	assert.Equal(t, 10, cfg.DBMaxIdleConns, "non-positive values use the default")
	assert.Equal(t, 10*time.Minute, cfg.DBConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, cfg.DBConnMaxIdleTime)
}
