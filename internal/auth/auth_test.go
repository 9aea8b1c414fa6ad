package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RoundTrip(t *testing.T) {
	v := NewValidator([]byte("s3cret"), "pairchat")

	token, err := v.Issue("ops@example.com", time.Minute)
	require.NoError(t, err)

	subject, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)
}

func TestValidate_Rejects(t *testing.T) {
	v := NewValidator([]byte("s3cret"), "pairchat")

	expired, err := v.Issue("ops", -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewValidator([]byte("other"), "pairchat").Issue("ops", time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewValidator([]byte("s3cret"), "elsewhere").Issue("ops", time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "pairchat", Subject: "ops"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no expiry":    noExpiry,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidate_RequiresAdminRole(t *testing.T) {
	secret := []byte("s3cret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	_, err = NewValidator(secret, "").Validate(token)
	assert.ErrorIs(t, err, ErrNotAdmin)
}

func TestValidate_NoSecretConfigured(t *testing.T) {
	_, err := NewValidator(nil, "").Validate("anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
