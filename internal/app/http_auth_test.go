package app

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"counselhub/api/internal/rbac"
)

func TestSignUpThenLogin(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "Casey@Example.com",
		"password":    "correct horse",
		"displayName": "Casey",
		"role":        "counselor",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "counselor", body["role"])
	assert.NotEmpty(t, body["accessToken"])
	assert.NotEmpty(t, body["refreshToken"])

	rr = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "casey@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	token := decodeResponse(t, rr)["accessToken"].(string)

	rr = env.do(t, http.MethodGet, "/api/session", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	session := decodeResponse(t, rr)
	assert.Equal(t, true, session["authenticated"])
	assert.Equal(t, "Casey", session["userName"])
}

func TestSignUpRejectsAdminRole(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "mallory@example.com",
		"password":    "long enough",
		"displayName": "Mallory",
		"role":        "admin",
	})

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
	fields := body["details"].(map[string]any)["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "Role", fields[0].(map[string]any)["field"])
}

func TestSignUpDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(t, "usr_1", "Casey", rbac.RolePatient, "correct horse")

	rr := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "casey@example.com",
		"password":    "another password",
		"displayName": "Casey Two",
	})

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "EMAIL_EXISTS", decodeResponse(t, rr)["error"])
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(t, "usr_1", "Casey", rbac.RolePatient, "correct horse")

	rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "casey@example.com",
		"password": "wrong horse",
	})

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decodeResponse(t, rr)["error"])
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(t, "usr_1", "Casey", rbac.RolePatient, "correct horse")

	rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "casey@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	refresh := decodeResponse(t, rr)["refreshToken"].(string)

	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEqual(t, refresh, decodeResponse(t, rr)["refreshToken"])

	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(t, "usr_1", "Casey", rbac.RolePatient, "correct horse")

	rr := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "casey@example.com",
		"password": "correct horse",
	})
	refresh := decodeResponse(t, rr)["refreshToken"].(string)

	rr = env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]any{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionAnonymous(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/session", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeResponse(t, rr)["authenticated"])
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "not-a-jwt"} {
		rr := env.do(t, http.MethodGet, "/api/resources/counts", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "token %q", token)
		assert.Equal(t, "UNAUTHORIZED", decodeResponse(t, rr)["error"])
	}
}

func TestAuthRateLimit(t *testing.T) {
	env := newTestEnv(t, WithAuthRateLimit(2))
	body := map[string]any{"email": "nobody@example.com", "password": "whatever1"}

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/api/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", decodeResponse(t, rr)["error"])

	// Logout is never limited.
	rr = env.do(t, http.MethodPost, "/api/auth/logout", "", map[string]any{})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	user := env.store.addUser(t, "usr_1", "Casey", rbac.RolePatient, "correct horse")
	token := env.tokenFor(t, user)

	rr := env.do(t, http.MethodPost, "/api/account/password", token, map[string]any{
		"currentPassword": "wrong horse",
		"newPassword":     "battery staple",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/account/password", token, map[string]any{
		"currentPassword": "correct horse",
		"newPassword":     "battery staple",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "casey@example.com",
		"password": "battery staple",
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}
