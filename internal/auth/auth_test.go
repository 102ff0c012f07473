package auth

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue(42, "alice", true)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.IsAdmin)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", time.Hour)
	other := NewTokenIssuer("secret-b", time.Hour)

	token, err := issuer.Issue(1, "bob", false)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("secret", -time.Minute)

	token, err := issuer.Issue(1, "bob", false)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	_, err := issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
	assert.False(t, CheckPassword("", "hunter2"))
}

func TestSecretBoxRoundTrip(t *testing.T) {
	key := hex.EncodeToString(make([]byte, 32))
	box, err := NewSecretBox(key)
	require.NoError(t, err)

	sealed, err := box.Seal("upstream-api-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "upstream")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "upstream-api-secret", opened)
}

func TestSecretBoxUniqueNonces(t *testing.T) {
	box, err := NewSecretBox("")
	require.NoError(t, err)

	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretBoxRejectsTampering(t *testing.T) {
	box, err := NewSecretBox("")
	require.NoError(t, err)

	sealed, err := box.Seal("payload")
	require.NoError(t, err)

	raw := []byte(sealed)
	raw[len(raw)-5] ^= 1
	_, err = box.Open(string(raw))
	assert.Error(t, err)
}

func TestSecretBoxRejectsBadKey(t *testing.T) {
	_, err := NewSecretBox("zz")
	assert.Error(t, err)

	_, err = NewSecretBox("abcd")
	assert.Error(t, err)
}
