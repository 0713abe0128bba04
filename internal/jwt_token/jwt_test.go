package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := New("test-signing-key", "bankid-gateway", "bankid-gateway-clients")

	token, err := svc.Generate("198001019876", "sess-1", "order-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "198001019876", claims.Subject)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "order-1", claims.OrderRef)
	assert.Equal(t, "bankid-gateway", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	token, err := New("key-a", "bankid-gateway", "bankid-gateway-clients").
		Generate("198001019876", "sess-1", "order-1", time.Hour)
	require.NoError(t, err)

	_, err = New("key-b", "bankid-gateway", "bankid-gateway-clients").Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := New("test-signing-key", "bankid-gateway", "bankid-gateway-clients")
	token, err := svc.Generate("198001019876", "sess-1", "order-1", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	token, err := New("test-signing-key", "bankid-gateway", "someone-else").
		Generate("198001019876", "sess-1", "order-1", time.Hour)
	require.NoError(t, err)

	_, err = New("test-signing-key", "bankid-gateway", "bankid-gateway-clients").Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := New("test-signing-key", "bankid-gateway", "bankid-gateway-clients")
	_, err := svc.Validate("not.a.token")
	require.Error(t, err)
}
