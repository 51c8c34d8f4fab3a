package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func TestRejectsWeakSecret(t *testing.T) {
	_, err := NewJWTVerifier("short", time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestVerifyMatchesSubject(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, time.Hour)
	require.NoError(t, err)

	tok, err := v.GenerateToken("user-1")
	require.NoError(t, err)

	assert.True(t, v.Verify(tok, "user-1"))
	assert.False(t, v.Verify(tok, "user-2"))
	assert.False(t, v.Verify("", "user-1"))
	assert.False(t, v.Verify(tok, ""))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a, err := NewJWTVerifier(testSecret, time.Hour)
	require.NoError(t, err)
	b, err := NewJWTVerifier(testSecret+"-other", time.Hour)
	require.NoError(t, err)

	tok, err := b.GenerateToken("user-1")
	require.NoError(t, err)
	_, err = a.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, time.Minute)
	require.NoError(t, err)

	issued := time.Now()
	v.now = func() time.Time { return issued }
	tok, err := v.GenerateToken("user-1")
	require.NoError(t, err)

	v.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = v.Parse(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.False(t, v.Verify(tok, "user-1"))
}

func TestRejectsNoneAlgorithm(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, time.Hour)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "user-1", Issuer: issuer, Audience: jwt.ClaimStrings{audience}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.False(t, v.Verify(tok, "user-1"))
}
