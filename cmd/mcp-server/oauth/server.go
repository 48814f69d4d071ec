package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/marketdesk/trading-mcp/internal/cache"
	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/events"
	"github.com/marketdesk/trading-mcp/internal/oauth"
	"github.com/marketdesk/trading-mcp/internal/pkce"
)

const clientCacheTTL = 5 * time.Minute

// Server provides the OAuth 2.1 authorization endpoints for MCP clients.
type Server struct {
	cfg         oauth.Config
	keys        *oauth.KeyManager
	codec       *oauth.Codec
	store       oauth.Storage
	clientCache *cache.SimpleCache[*oauth.Client]
	publisher   *events.Publisher
	logger      *common.Logger
}

// NewServer creates a new OAuth server.
func NewServer(cfg oauth.Config, keys *oauth.KeyManager, store oauth.Storage, publisher *events.Publisher, logger *common.Logger) *Server {
	return &Server{
		cfg:         cfg,
		keys:        keys,
		codec:       oauth.NewCodec(cfg.Issuer, keys),
		store:       store,
		clientCache: cache.New[*oauth.Client](),
		publisher:   publisher,
		logger:      logger,
	}
}

// Codec exposes the token codec so the auth middleware shares the same
// issuer and keys.
func (s *Server) Codec() *oauth.Codec {
	return s.codec
}

// HandleRegister registers dynamic clients (RFC 7591). Registration is
// public and every call creates a fresh client record.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uris is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}
	if req.ClientName == "" {
		req.ClientName = "Unknown Client"
	}

	clientID, err := randomClientID()
	if err != nil {
		http.Error(w, "Failed to generate client_id", http.StatusInternalServerError)
		return
	}

	var clientSecret, clientSecretHash string
	if req.TokenEndpointAuthMethod != "none" {
		clientSecret, err = oauth.RandomString(48)
		if err != nil {
			http.Error(w, "Failed to generate client_secret", http.StatusInternalServerError)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			http.Error(w, "Failed to hash client_secret", http.StatusInternalServerError)
			return
		}
		clientSecretHash = string(hash)
	}

	client := &oauth.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}
	if err := s.store.SaveClient(r.Context(), client); err != nil {
		s.logger.Error().Err(err).Msg("client registration failed")
		http.Error(w, "Failed to store client", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("client_id", clientID).Str("name", req.ClientName).Msg("registered new client")

	resp := map[string]interface{}{
		"client_id":                  clientID,
		"client_id_issued_at":        time.Now().Unix(),
		"client_name":                req.ClientName,
		"redirect_uris":              req.RedirectURIs,
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
		resp["client_secret_expires_at"] = 0
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleAuthorize validates an authorization request and renders the login
// step. Nothing is persisted until the login completes.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if query.Get("response_type") != "code" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unsupported response_type, only 'code' is supported")
		return
	}
	if strings.ToUpper(query.Get("code_challenge_method")) != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if query.Get("code_challenge") == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_challenge is required")
		return
	}

	resource := query.Get("resource")
	if err := validateResource(resource); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	clientID := query.Get("client_id")
	client, err := s.getClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}

	redirectURI := query.Get("redirect_uri")
	if !redirectAllowed(redirectURI, client.RedirectURIs) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		return
	}

	scope := strings.TrimSpace(query.Get("scope"))
	if scope == "" {
		scope = s.cfg.Scope
	}

	s.renderLoginPage(w, client, authorizeParams{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		State:         query.Get("state"),
		CodeChallenge: query.Get("code_challenge"),
		Resource:      resource,
		Scope:         scope,
	})
}

// HandleAuthorizeLogin checks user credentials and issues the authorization
// code.
func (s *Server) HandleAuthorizeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	clientID := r.PostFormValue("client_id")
	redirectURI := r.PostFormValue("redirect_uri")
	codeChallenge := r.PostFormValue("code_challenge")
	resource := r.PostFormValue("resource")
	scope := r.PostFormValue("scope")
	state := r.PostFormValue("state")

	if email == "" || password == "" || clientID == "" || redirectURI == "" || codeChallenge == "" || resource == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing required parameters")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "invalid email or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", "invalid email or password")
		return
	}

	client, err := s.getClient(r.Context(), clientID)
	if err != nil || !redirectAllowed(redirectURI, client.RedirectURIs) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid client or redirect_uri")
		return
	}

	code, err := oauth.RandomString(32)
	if err != nil {
		http.Error(w, "Failed to generate code", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	record := &oauth.Code{
		CodeHash:            oauth.HashToken(code),
		UserID:              user.UserID,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: "S256",
		Resource:            resource,
		Scope:               scope,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
	}
	if err := s.store.SaveCode(r.Context(), record); err != nil {
		s.logger.Error().Err(err).Msg("failed to store authorization code")
		http.Error(w, "Failed to store authorization code", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("user_id", user.UserID).Str("client_id", clientID).Msg("issued authorization code")

	// 303 so the browser switches from POST to GET on the redirect.
	http.Redirect(w, r, buildRedirect(redirectURI, code, state), http.StatusSeeOther)
}

// HandleToken exchanges authorization codes or refresh tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("unsupported grant_type: %s", grantType))
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")
	resource := r.PostFormValue("resource")

	if code == "" || redirectURI == "" || verifier == "" || resource == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing required parameters")
		return
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	// Validation happens against the unconsumed record. A failed check must
	// leave the code redeemable, so consumption is the last step.
	codeHash := oauth.HashToken(code)
	record, err := s.store.GetCode(ctx, codeHash)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid authorization code")
		return
	}
	if record.Used {
		s.logger.Warn().Str("client_id", client.ClientID).Msg("authorization code replay detected")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}
	if time.Now().After(record.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return
	}
	if record.ClientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if record.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !pkce.Verify(verifier, record.CodeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	if record.Resource != resource {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "resource parameter mismatch")
		return
	}

	// Exactly one concurrent redemption wins here.
	if err := s.store.ConsumeCode(ctx, codeHash); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	s.issueTokenResponse(ctx, w, record.UserID, client.ClientID, record.Resource, record.Scope)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refreshToken := r.PostFormValue("refresh_token")
	resource := r.PostFormValue("resource")

	if refreshToken == "" || resource == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing required parameters")
		return
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	refreshHash := oauth.HashToken(refreshToken)
	stored, err := s.store.GetTokenByRefreshHash(ctx, refreshHash)
	if err != nil || stored.Revoked {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}
	if time.Now().After(stored.RefreshExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}
	if stored.ClientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if stored.Resource != resource {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "resource parameter mismatch")
		return
	}

	accessToken, jti, expiresAt, err := s.codec.Issue(stored.UserID, stored.Resource, stored.Scope, client.ClientID, s.cfg.AccessTokenTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("token issuance failed")
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	newRefresh, err := oauth.RandomString(32)
	if err != nil {
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	next := &oauth.Token{
		JTI:              jti,
		UserID:           stored.UserID,
		ClientID:         client.ClientID,
		Resource:         stored.Resource,
		Scope:            stored.Scope,
		ExpiresAt:        expiresAt,
		RefreshTokenHash: oauth.HashToken(newRefresh),
		RefreshExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}

	// Rotation and revocation of the old pair happen atomically. A replayed
	// refresh token loses the conditional update and gets invalid_grant.
	if err := s.store.RotateRefreshToken(ctx, refreshHash, next); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}

	s.logger.Info().Str("user_id", stored.UserID).Str("client_id", client.ClientID).Msg("rotated refresh token")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.cfg.AccessTokenTTL.Seconds()),
		"refresh_token": newRefresh,
		"scope":         stored.Scope,
	})
}

func (s *Server) issueTokenResponse(ctx context.Context, w http.ResponseWriter, userID, clientID, resource, scope string) {
	accessToken, jti, expiresAt, err := s.codec.Issue(userID, resource, scope, clientID, s.cfg.AccessTokenTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("token issuance failed")
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	refreshToken, err := oauth.RandomString(32)
	if err != nil {
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	if err := s.store.SaveToken(ctx, &oauth.Token{
		JTI:              jti,
		UserID:           userID,
		ClientID:         clientID,
		Resource:         resource,
		Scope:            scope,
		ExpiresAt:        expiresAt,
		RefreshTokenHash: oauth.HashToken(refreshToken),
		RefreshExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to store token")
		http.Error(w, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("user_id", userID).Str("client_id", clientID).Msg("issued token pair")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.cfg.AccessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"scope":         scope,
	})
}

// HandleRevoke revokes an access or refresh token (RFC 7009). It always
// answers 200 so callers cannot probe token validity.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	ctx := r.Context()

	// An access token carries its store identifier in the jti claim.
	if claims, err := s.codec.Verify(token); err == nil && claims.ID != "" {
		if err := s.store.RevokeToken(ctx, claims.ID); err != nil {
			s.logger.Error().Err(err).Msg("revocation by jti failed")
		} else {
			_ = s.publisher.Publish(ctx, events.TokenRevoked, map[string]any{
				"jti":     claims.ID,
				"user_id": claims.Subject,
			})
		}
	} else {
		// Otherwise treat it as a refresh token value.
		if err := s.store.RevokeByRefreshHash(ctx, oauth.HashToken(token)); err != nil {
			s.logger.Error().Err(err).Msg("revocation by refresh hash failed")
		} else {
			_ = s.publisher.Publish(ctx, events.TokenRevoked, map[string]any{
				"kind": "refresh_token",
			})
		}
	}

	w.WriteHeader(http.StatusOK)
}

// HandleAuthServerMetadata serves RFC 8414 discovery metadata.
func (s *Server) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"revocation_endpoint":                   issuer + "/revoke",
		"registration_endpoint":                 issuer + "/register",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      []string{s.cfg.Scope},
	})
}

// HandleProtectedResourceMetadata serves RFC 9728 resource metadata.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 s.cfg.ResourceURL,
		"authorization_servers":    []string{s.cfg.Issuer},
		"scopes_supported":         []string{s.cfg.Scope},
		"bearer_methods_supported": []string{"header"},
	})
}

// HandleJWKS serves the JWKS public keys.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (*oauth.Client, error) {
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		return nil, fmt.Errorf("client_id required")
	}

	client, err := s.getClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid client_id")
	}

	if client.TokenEndpointAuthMethod == "none" {
		return client, nil
	}

	secret := r.PostFormValue("client_secret")
	if secret == "" {
		return nil, fmt.Errorf("client_secret required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid client_secret")
	}
	return client, nil
}

// getClient checks the in-process cache first. Client records are immutable
// after registration, so a short TTL is safe even across instances.
func (s *Server) getClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	if client, ok := s.clientCache.Get(clientID); ok {
		return client, nil
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s.clientCache.Set(clientID, client, clientCacheTTL)
	return client, nil
}

type authorizeParams struct {
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Resource      string
	Scope         string
}

func (s *Server) renderLoginPage(w http.ResponseWriter, client *oauth.Client, params authorizeParams) {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>Authorize Access</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 500px; margin: 50px auto; padding: 20px; }
        .client-info { background: #f8f9fa; padding: 15px; border-radius: 4px; margin: 20px 0; }
        .form-group { margin: 15px 0; }
        label { display: block; margin-bottom: 5px; font-weight: bold; }
        input { width: 100%%; padding: 10px; font-size: 16px; border: 1px solid #ddd; border-radius: 4px; }
        button { background: #28a745; color: white; padding: 12px 24px; border: none; border-radius: 4px; font-size: 16px; cursor: pointer; width: 100%%; margin-top: 10px; }
    </style>
</head>
<body>
    <h1>Authorize Access</h1>

    <div class="client-info">
        <p><strong>Client:</strong> %s</p>
        <p><strong>Requesting access to:</strong> Trading operations</p>
        <p><strong>Resource:</strong> %s</p>
    </div>

    <form method="post" action="/authorize/login">
        <input type="hidden" name="client_id" value="%s">
        <input type="hidden" name="redirect_uri" value="%s">
        <input type="hidden" name="state" value="%s">
        <input type="hidden" name="code_challenge" value="%s">
        <input type="hidden" name="resource" value="%s">
        <input type="hidden" name="scope" value="%s">

        <div class="form-group">
            <label for="email">Email:</label>
            <input type="email" id="email" name="email" required>
        </div>

        <div class="form-group">
            <label for="password">Password:</label>
            <input type="password" id="password" name="password" required>
        </div>

        <button type="submit">Authorize</button>
    </form>
</body>
</html>`,
		html.EscapeString(client.ClientName),
		html.EscapeString(params.Resource),
		html.EscapeString(params.ClientID),
		html.EscapeString(params.RedirectURI),
		html.EscapeString(params.State),
		html.EscapeString(params.CodeChallenge),
		html.EscapeString(params.Resource),
		html.EscapeString(params.Scope),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}

func redirectAllowed(redirectURI string, allowed []string) bool {
	for _, uri := range allowed {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := strings.Split(parsed.Host, ":")[0]
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

func validateResource(raw string) error {
	if raw == "" {
		return fmt.Errorf("resource parameter is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("resource must be an absolute URI")
	}
	return nil
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func randomClientID() (string, error) {
	id, err := oauth.RandomString(18)
	if err != nil {
		return "", err
	}
	return "mcp-" + id, nil
}
