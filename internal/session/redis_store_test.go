package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"counselhub/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	assert.NoError(t, rs.Ping(context.Background()))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-redis-url")
	assert.Error(t, err)
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	user := store.User{ID: "usr_1", DisplayName: "Dr. Rivera", Role: "counselor"}

	require.NoError(t, rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(24*time.Hour)))

	got, err := rs.LookupRefreshSession(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestLookupNormalizesUnknownRole(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rs.SaveRefreshSession(ctx, "hash-2", store.User{ID: "usr_2", Role: "superuser"}, time.Now().Add(time.Hour)))

	got, err := rs.LookupRefreshSession(ctx, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, "patient", got.Role)
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rs.SaveRefreshSession(ctx, "short", store.User{ID: "usr_3"}, time.Now().Add(time.Second)))

	s.FastForward(2 * time.Second)

	_, err := rs.LookupRefreshSession(ctx, "short")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rs.SaveRefreshSession(ctx, "revoke-me", store.User{ID: "usr_4"}, time.Now().Add(time.Hour)))
	assert.True(t, s.Exists("counselhub:refresh:revoke-me"))

	require.NoError(t, rs.RevokeRefreshSession(ctx, "revoke-me"))
	assert.False(t, s.Exists("counselhub:refresh:revoke-me"))

	_, err := rs.LookupRefreshSession(ctx, "revoke-me")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPastExpiryUsesDefaultLifetime(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, rs.SaveRefreshSession(ctx, "past", store.User{ID: "usr_5"}, time.Now().Add(-time.Hour)))
	assert.Equal(t, 30*24*time.Hour, s.TTL("counselhub:refresh:past"))
}
