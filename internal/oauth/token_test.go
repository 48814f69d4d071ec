package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := NewKeyManager(key)
	require.NoError(t, err)
	return keys
}

func TestCodecIssueAndVerify(t *testing.T) {
	keys := testKeyManager(t)
	codec := NewCodec("https://auth.example.com", keys)

	signed, jti, expiresAt, err := codec.Issue("u-1", "https://auth.example.com/mcp/", "trading", "c-1", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, jti)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := codec.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, jti, claims.ID)
	assert.Equal(t, "trading", claims.Scope)
	assert.Equal(t, "c-1", claims.ClientID)
	require.Len(t, claims.Audience, 1)
	assert.Equal(t, "https://auth.example.com/mcp/", claims.Audience[0])
}

func TestCodecRejectsExpiredToken(t *testing.T) {
	keys := testKeyManager(t)
	codec := NewCodec("https://auth.example.com", keys)

	signed, _, _, err := codec.Issue("u-1", "https://auth.example.com/mcp/", "trading", "c-1", -time.Minute)
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.Error(t, err)
}

func TestCodecRejectsForeignIssuer(t *testing.T) {
	keys := testKeyManager(t)
	issuing := NewCodec("https://other.example.com", keys)
	verifying := NewCodec("https://auth.example.com", keys)

	signed, _, _, err := issuing.Issue("u-1", "https://other.example.com/mcp/", "trading", "c-1", time.Hour)
	require.NoError(t, err)

	_, err = verifying.Verify(signed)
	assert.ErrorContains(t, err, "issuer mismatch")
}

func TestCodecRejectsWrongKey(t *testing.T) {
	codec := NewCodec("https://auth.example.com", testKeyManager(t))
	other := NewCodec("https://auth.example.com", testKeyManager(t))

	signed, _, _, err := other.Issue("u-1", "https://auth.example.com/mcp/", "trading", "c-1", time.Hour)
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.Error(t, err)
}

func TestCodecRejectsGarbage(t *testing.T) {
	codec := NewCodec("https://auth.example.com", testKeyManager(t))

	_, err := codec.Verify("not.a.jwt")
	assert.Error(t, err)
}

func TestKeyManagerJWKS(t *testing.T) {
	keys := testKeyManager(t)

	doc := keys.JWKS()
	set, ok := doc["keys"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, set, 1)
	assert.Equal(t, "RSA", set[0]["kty"])
	assert.Equal(t, "RS256", set[0]["alg"])
	assert.Equal(t, keys.KID(), set[0]["kid"])
	assert.NotEmpty(t, set[0]["n"])
	assert.NotEmpty(t, set[0]["e"])
}

func TestRandomStringUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		val, err := RandomString(32)
		require.NoError(t, err)
		assert.False(t, seen[val])
		seen[val] = true
	}
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
