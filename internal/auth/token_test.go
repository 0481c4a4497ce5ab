package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("secret")

func TestIssueAndParseToken(t *testing.T) {
	issued, err := IssueToken(secret, NewClaims("usr_1", "Avery", "counselor", "jti-1", time.Now(), time.Hour))
	require.NoError(t, err)

	claims, err := ParseToken(secret, issued)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, "Avery", claims.Name)
	assert.Equal(t, "counselor", claims.Role)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	issued, err := IssueToken(secret, NewClaims("usr_1", "Avery", "counselor", "jti-1", time.Now().Add(-2*time.Hour), time.Hour))
	require.NoError(t, err)

	_, err = ParseToken(secret, issued)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueToken(secret, NewClaims("usr_1", "Avery", "patient", "jti-1", time.Now(), time.Hour))
	require.NoError(t, err)

	_, err = ParseToken([]byte("other"), issued)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, token := range []string{"", "not.a.token", issued + "x"} {
		_, err := ParseToken(secret, token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := NewClaims("usr_1", "Avery", "admin", "jti-1", time.Now(), time.Hour)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseToken(secret, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRequiresSubject(t *testing.T) {
	issued, err := IssueToken(secret, NewClaims("", "Avery", "admin", "jti-1", time.Now(), time.Hour))
	require.NoError(t, err)

	_, err = ParseToken(secret, issued)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
