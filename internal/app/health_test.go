package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeResponse(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadyEndpointHealthy(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, false, body["ok"])
	database := body["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "connection refused", database["error"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := newRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := serve(env.handler, req)

	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestPreflightReturnsNoContent(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/resources", "", nil)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
