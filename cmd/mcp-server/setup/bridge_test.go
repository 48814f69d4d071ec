package setup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketdesk/trading-mcp/cmd/mcp-server/auth"
	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/oauth"
	"github.com/marketdesk/trading-mcp/internal/pkce"
	"github.com/marketdesk/trading-mcp/internal/platform"
	"github.com/marketdesk/trading-mcp/internal/storage"
	"github.com/marketdesk/trading-mcp/internal/vault"
)

const testIssuer = "https://auth.example.com"

type bridgeFixture struct {
	bridge *Bridge
	store  *oauth.MemoryStore
	creds  storage.CredentialStore
	vault  *vault.Vault
}

// newBridgeFixture wires the bridge against an in-memory OAuth store, a
// file-backed credential store and a stubbed brokerage.
func newBridgeFixture(t *testing.T, broker platform.Endpoints) *bridgeFixture {
	t.Helper()

	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	v, err := vault.NewFromBase64(key)
	require.NoError(t, err)

	creds, err := storage.NewFileCredentialStore(filepath.Join(t.TempDir(), "credentials.json"), v)
	require.NoError(t, err)

	apps := map[platform.Platform]platform.App{
		platform.Tradier: {ClientID: "app-id", ClientSecret: "app-secret"},
	}
	platforms := platform.NewClientWithResolver(apps, func(platform.Platform, platform.Environment) (platform.Endpoints, error) {
		return broker, nil
	})

	cfg := oauth.Config{
		Issuer:        testIssuer,
		ResourceURL:   testIssuer + "/mcp/",
		Scope:         "trading",
		SetupStateTTL: 10 * time.Minute,
	}

	store := oauth.NewMemoryStore()
	return &bridgeFixture{
		bridge: NewBridge(cfg, store, creds, platforms, nil, common.NewSilentLogger()),
		store:  store,
		creds:  creds,
		vault:  v,
	}
}

func seedBridgeUser(t *testing.T, store *oauth.MemoryStore) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("setup-password"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &oauth.User{UserID: "user-42", Email: "trader@example.com", PasswordHash: string(hash)}
	require.NoError(t, store.CreateUser(t.Context(), user))
	return user.UserID
}

func withUser(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), auth.UserContextKey, &auth.UserContext{UserID: userID})
	return r.WithContext(ctx)
}

func TestHandleAccountCreateAndReplay(t *testing.T) {
	f := newBridgeFixture(t, platform.Endpoints{})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/setup/account", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.bridge.HandleAccount(rec, req)
		return rec
	}

	rec := post(`{"email":"Trader@Example.com","password":"setup-password"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "trader@example.com", created["email"])
	require.NotEmpty(t, created["user_id"])

	// Same email and password replays idempotently.
	rec = post(`{"email":"trader@example.com","password":"setup-password"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var replayed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replayed))
	assert.Equal(t, created["user_id"], replayed["user_id"])

	// Wrong password never leaks the account.
	rec = post(`{"email":"trader@example.com","password":"different-password"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(`{"email":"not-an-email","password":"setup-password"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(`{"email":"short@example.com","password":"tiny"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiateStoresStateAndRedirects(t *testing.T) {
	f := newBridgeFixture(t, platform.Endpoints{AuthorizeURL: "https://broker.example.com/oauth/authorize"})
	userID := seedBridgeUser(t, f.store)

	req := httptest.NewRequest(http.MethodGet, "/setup/tradier/initiate?environment=sandbox", nil)
	req.SetPathValue("platform", "tradier")
	rec := httptest.NewRecorder()
	f.bridge.HandleInitiate(rec, withUser(req, userID))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	query := location.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "app-id", query.Get("client_id"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, testIssuer+"/setup/tradier/callback", query.Get("redirect_uri"))

	stateValue := query.Get("state")
	require.NotEmpty(t, stateValue)
	state, err := f.store.ConsumeState(t.Context(), stateValue)
	require.NoError(t, err)
	assert.Equal(t, userID, state.UserID)
	assert.Equal(t, "tradier", state.Platform)
	assert.Equal(t, "sandbox", state.Environment)

	challenge, err := pkce.ChallengeFromVerifier(state.CodeVerifier)
	require.NoError(t, err)
	assert.Equal(t, challenge, query.Get("code_challenge"))
}

func TestInitiateRejectsUnknownPlatform(t *testing.T) {
	f := newBridgeFixture(t, platform.Endpoints{})
	userID := seedBridgeUser(t, f.store)

	req := httptest.NewRequest(http.MethodGet, "/setup/etrade/initiate", nil)
	req.SetPathValue("platform", "etrade")
	rec := httptest.NewRecorder()
	f.bridge.HandleInitiate(rec, withUser(req, userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Schwab has no sandbox.
	req = httptest.NewRequest(http.MethodGet, "/setup/schwab/initiate?environment=sandbox", nil)
	req.SetPathValue("platform", "schwab")
	rec = httptest.NewRecorder()
	f.bridge.HandleInitiate(rec, withUser(req, userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackLinksAccount(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth/accesstoken":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
			assert.Equal(t, "broker-code", r.PostFormValue("code"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"broker-access","refresh_token":"broker-refresh","expires_in":86400}`))
		case "/v1/user/profile":
			assert.Equal(t, "Bearer broker-access", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"profile":{"account":{"account_number":"ACC-001"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer broker.Close()

	f := newBridgeFixture(t, platform.Endpoints{
		TokenURL:    broker.URL + "/v1/oauth/accesstoken",
		AccountsURL: broker.URL + "/v1/user/profile",
	})
	userID := seedBridgeUser(t, f.store)

	now := time.Now()
	require.NoError(t, f.store.SaveState(t.Context(), &oauth.BrokerState{
		State:        "good-state",
		UserID:       userID,
		Platform:     "tradier",
		Environment:  "production",
		CodeVerifier: "verifier-value-that-is-long-enough-to-be-valid",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/setup/tradier/callback?code=broker-code&state=good-state", nil)
	req.SetPathValue("platform", "tradier")
	rec := httptest.NewRecorder()
	f.bridge.HandleCallback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "linked", resp["status"])
	assert.Equal(t, "ACC-001", resp["account_id"])

	cred, err := f.creds.GetCredentials(t.Context(), userID, "tradier", "production")
	require.NoError(t, err)
	assert.Equal(t, "broker-access", cred.AccessToken)
	assert.Equal(t, "broker-refresh", cred.RefreshToken)
	assert.Equal(t, "ACC-001", cred.AccountID)
	require.NotNil(t, cred.TokenExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *cred.TokenExpiresAt, time.Minute)

	// The state is single use.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/setup/tradier/callback?code=broker-code&state=good-state", nil)
	req.SetPathValue("platform", "tradier")
	f.bridge.HandleCallback(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_state", errResp["error"])
}

func TestCallbackRejectsMutatedState(t *testing.T) {
	f := newBridgeFixture(t, platform.Endpoints{})
	userID := seedBridgeUser(t, f.store)

	now := time.Now()
	require.NoError(t, f.store.SaveState(t.Context(), &oauth.BrokerState{
		State:        "state-abcdef",
		UserID:       userID,
		Platform:     "tradier",
		Environment:  "production",
		CodeVerifier: "verifier",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}))

	// One character off must not match.
	req := httptest.NewRequest(http.MethodGet, "/setup/tradier/callback?code=x&state=state-abcdeg", nil)
	req.SetPathValue("platform", "tradier")
	rec := httptest.NewRecorder()
	f.bridge.HandleCallback(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_state", resp["error"])

	// The original state stays redeemable after the failed attempt.
	_, err := f.store.ConsumeState(t.Context(), "state-abcdef")
	assert.NoError(t, err)
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	f := newBridgeFixture(t, platform.Endpoints{})
	userID := seedBridgeUser(t, f.store)

	now := time.Now()
	require.NoError(t, f.store.SaveState(t.Context(), &oauth.BrokerState{
		State:        "stale-state",
		UserID:       userID,
		Platform:     "tradier",
		Environment:  "production",
		CodeVerifier: "verifier",
		CreatedAt:    now.Add(-20 * time.Minute),
		ExpiresAt:    now.Add(-10 * time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/setup/tradier/callback?code=x&state=stale-state", nil)
	req.SetPathValue("platform", "tradier")
	rec := httptest.NewRecorder()
	f.bridge.HandleCallback(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_state", resp["error"])
	assert.Contains(t, resp["error_description"], "expired")
}

func TestCallbackUpstreamUnavailable(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer broker.Close()

	f := newBridgeFixture(t, platform.Endpoints{TokenURL: broker.URL + "/v1/oauth/accesstoken"})
	userID := seedBridgeUser(t, f.store)

	now := time.Now()
	require.NoError(t, f.store.SaveState(t.Context(), &oauth.BrokerState{
		State:        "state-up",
		UserID:       userID,
		Platform:     "tradier",
		Environment:  "production",
		CodeVerifier: "verifier",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/setup/tradier/callback?code=x&state=state-up", nil)
	req.SetPathValue("platform", "tradier")
	rec := httptest.NewRecorder()
	f.bridge.HandleCallback(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_unavailable", resp["error"])
}
