package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/oauth"
)

const (
	testIssuer   = "https://auth.example.com"
	testResource = "https://auth.example.com/mcp/"
)

type fixture struct {
	codec    *oauth.Codec
	store    *oauth.MemoryStore
	mw       *Middleware
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := oauth.NewKeyManager(key)
	require.NoError(t, err)

	cfg := oauth.Config{
		Issuer:      testIssuer,
		ResourceURL: testResource,
		Scope:       "trading",
	}
	codec := oauth.NewCodec(cfg.Issuer, keys)
	store := oauth.NewMemoryStore()
	verifier := NewVerifier(cfg, codec, store)

	return &fixture{
		codec:    codec,
		store:    store,
		verifier: verifier,
		mw:       NewMiddleware(verifier, testIssuer, common.NewSilentLogger()),
	}
}

// issueToken mints a token and records it in the store the way the token
// endpoint does.
func (f *fixture) issueToken(t *testing.T, audience string) (string, string) {
	t.Helper()

	user := &oauth.User{UserID: "user-7", Email: "trader@example.com"}
	if _, err := f.store.GetUser(t.Context(), user.UserID); err != nil {
		require.NoError(t, f.store.CreateUser(t.Context(), user))
	}

	signed, jti, expiresAt, err := f.codec.Issue(user.UserID, audience, "trading", "mcp-client", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveToken(t.Context(), &oauth.Token{
		JTI:              jti,
		UserID:           user.UserID,
		ClientID:         "mcp-client",
		Resource:         audience,
		Scope:            "trading",
		ExpiresAt:        expiresAt,
		RefreshTokenHash: oauth.HashToken("refresh-" + jti),
		RefreshExpiresAt: expiresAt.Add(24 * time.Hour),
	}))
	return signed, jti
}

func protected(t *testing.T, mw *Middleware) (http.Handler, *UserContext) {
	t.Helper()
	captured := &UserContext{}
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := ExtractUserFromContext(r.Context()); ok {
			*captured = *user
		}
		w.WriteHeader(http.StatusOK)
	}))
	return handler, captured
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	f := newFixture(t)
	token, _ := f.issueToken(t, testResource)
	handler, captured := protected(t, f.mw)

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", captured.UserID)
	assert.Equal(t, "trader@example.com", captured.Email)
	assert.Equal(t, "mcp-client", captured.ClientID)
	assert.Equal(t, "trading", captured.Scope)
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)
	token, _ := f.issueToken(t, testResource)
	handler, _ := protected(t, f.mw)

	req := httptest.NewRequest(http.MethodGet, "/mcp/sse?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareChallengeOnMissingToken(t *testing.T) {
	f := newFixture(t)
	handler, _ := protected(t, f.mw)

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `Bearer realm="MCP Trading"`)
	assert.Contains(t, challenge, testIssuer+"/.well-known/oauth-protected-resource")
}

func TestMiddlewareRejectsWrongAudience(t *testing.T) {
	f := newFixture(t)
	token, _ := f.issueToken(t, "https://other.example.com/mcp/")
	handler, _ := protected(t, f.mw)

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsRevokedToken(t *testing.T) {
	f := newFixture(t)
	token, jti := f.issueToken(t, testResource)
	require.NoError(t, f.store.RevokeToken(t.Context(), jti))

	handler, _ := protected(t, f.mw)
	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestMiddlewareAllowsPreflight(t *testing.T) {
	f := newFixture(t)
	handler, _ := protected(t, f.mw)

	req := httptest.NewRequest(http.MethodOptions, "/mcp/tools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
