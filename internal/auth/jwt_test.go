package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	tok, err := svc.Generate("viewer-42", RoleViewer)
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "viewer-42", claims.Subject)
	assert.Equal(t, RoleViewer, claims.Role)
}

func TestJWTService_RejectsForeignSecret(t *testing.T) {
	tok, err := NewJWTService("other", 1).Generate("viewer-42", RoleViewer)
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsExpired(t *testing.T) {
	svc := NewJWTService("secret", -1)
	tok, err := svc.Generate("viewer-42", RoleViewer)
	require.NoError(t, err)

	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsMissingSubject(t *testing.T) {
	svc := NewJWTService("secret", 1)
	tok, err := svc.Generate("", RoleViewer)
	require.NoError(t, err)

	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsGarbage(t *testing.T) {
	_, err := NewJWTService("secret", 1).Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
