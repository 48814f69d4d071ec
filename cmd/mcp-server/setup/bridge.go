package setup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketdesk/trading-mcp/cmd/mcp-server/auth"
	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/events"
	"github.com/marketdesk/trading-mcp/internal/models"
	"github.com/marketdesk/trading-mcp/internal/oauth"
	"github.com/marketdesk/trading-mcp/internal/pkce"
	"github.com/marketdesk/trading-mcp/internal/platform"
	"github.com/marketdesk/trading-mcp/internal/storage"
)

// exchangeTimeout bounds the brokerage token exchange and account lookup so
// a hung upstream cannot pin a request slot.
const exchangeTimeout = 20 * time.Second

// Bridge onboards brokerage accounts through the platforms' own OAuth
// servers and hands the resulting tokens to the credential store.
type Bridge struct {
	cfg       oauth.Config
	store     oauth.Storage
	creds     storage.CredentialStore
	platforms *platform.Client
	publisher *events.Publisher
	logger    *common.Logger
}

// NewBridge creates the onboarding bridge.
func NewBridge(cfg oauth.Config, store oauth.Storage, creds storage.CredentialStore, platforms *platform.Client, publisher *events.Publisher, logger *common.Logger) *Bridge {
	return &Bridge{
		cfg:       cfg,
		store:     store,
		creds:     creds,
		platforms: platforms,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleAccount registers a user for the local login step. Posting an
// existing email with the matching password succeeds so setup scripts can be
// re-run.
func (b *Bridge) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid_request", "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	user := &oauth.User{
		UserID:       uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	err = b.store.CreateUser(r.Context(), user)
	if errors.Is(err, oauth.ErrConflict) {
		existing, lookupErr := b.store.GetUserByEmail(r.Context(), req.Email)
		if lookupErr != nil || bcrypt.CompareHashAndPassword([]byte(existing.PasswordHash), []byte(req.Password)) != nil {
			writeError(w, http.StatusConflict, "account_exists", "an account with this email already exists")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"user_id": existing.UserID,
			"email":   existing.Email,
		})
		return
	}
	if err != nil {
		b.logger.Error().Err(err).Msg("account creation failed")
		http.Error(w, "Failed to create account", http.StatusInternalServerError)
		return
	}

	b.logger.Info().Str("user_id", user.UserID).Msg("created account")
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": user.UserID,
		"email":   user.Email,
	})
}

// HandleInitiate starts the brokerage OAuth flow for the authenticated user.
func (b *Bridge) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := auth.ExtractUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	env := r.URL.Query().Get("environment")
	if env == "" {
		env = string(platform.Production)
	}
	p, environment, err := platform.Parse(r.PathValue("platform"), env)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !b.platforms.Configured(p) {
		writeError(w, http.StatusServiceUnavailable, "platform_not_configured", "no app credentials configured for "+string(p))
		return
	}

	verifier, err := pkce.GenerateVerifier()
	if err != nil {
		http.Error(w, "Failed to generate verifier", http.StatusInternalServerError)
		return
	}
	challenge, err := pkce.ChallengeFromVerifier(verifier)
	if err != nil {
		http.Error(w, "Failed to generate challenge", http.StatusInternalServerError)
		return
	}
	state, err := oauth.RandomString(32)
	if err != nil {
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	if err := b.store.SaveState(r.Context(), &oauth.BrokerState{
		State:        state,
		UserID:       user.UserID,
		Platform:     string(p),
		Environment:  string(environment),
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.SetupStateTTL),
	}); err != nil {
		b.logger.Error().Err(err).Msg("failed to store onboarding state")
		http.Error(w, "Failed to store state", http.StatusInternalServerError)
		return
	}

	authorizeURL, err := b.platforms.AuthorizeURL(p, environment, state, challenge, b.callbackURL(p))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	b.logger.Info().Str("user_id", user.UserID).Str("platform", string(p)).Str("environment", string(environment)).Msg("starting brokerage onboarding")
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// HandleCallback completes the brokerage OAuth flow. The state record binds
// the callback to the initiating user, so no bearer token is required here.
func (b *Bridge) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	stateValue := r.URL.Query().Get("state")
	if code == "" || stateValue == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	// Consumption is atomic. A replayed or concurrent callback loses and the
	// whole flow must be restarted from initiate.
	state, err := b.store.ConsumeState(r.Context(), stateValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", "state is invalid or already used")
		return
	}
	if time.Now().After(state.ExpiresAt) {
		writeError(w, http.StatusBadRequest, "invalid_state", "state expired, restart the setup flow")
		return
	}
	if state.Platform != r.PathValue("platform") {
		writeError(w, http.StatusBadRequest, "invalid_state", "state was issued for a different platform")
		return
	}

	p, environment, err := platform.Parse(state.Platform, state.Environment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	tokens, err := b.platforms.ExchangeCode(ctx, p, environment, code, state.CodeVerifier, b.callbackURL(p))
	if err != nil {
		b.logger.Error().Err(err).Str("platform", string(p)).Msg("brokerage code exchange failed")
		if errors.Is(err, platform.ErrUpstreamUnavailable) {
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "the brokerage token endpoint is unavailable, try again")
			return
		}
		writeError(w, http.StatusBadRequest, "exchange_failed", "the brokerage rejected the authorization code")
		return
	}

	accountID, err := b.platforms.FetchAccountID(ctx, p, environment, tokens.AccessToken)
	if err != nil {
		b.logger.Error().Err(err).Str("platform", string(p)).Msg("brokerage account lookup failed")
		if errors.Is(err, platform.ErrUpstreamUnavailable) {
			writeError(w, http.StatusBadGateway, "upstream_unavailable", "the brokerage account endpoint is unavailable, try again")
			return
		}
		writeError(w, http.StatusBadGateway, "account_lookup_failed", "could not resolve a brokerage account")
		return
	}

	var tokenExpiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		tokenExpiresAt = &expiry
	}

	eventKey := events.CredentialLinked
	if _, err := b.creds.GetCredentials(r.Context(), state.UserID, string(p), string(environment)); err == nil {
		eventKey = events.CredentialUpdated
	}

	if err := b.creds.SaveCredentials(r.Context(), &models.BrokerCredential{
		UserID:         state.UserID,
		Platform:       string(p),
		Environment:    string(environment),
		AccountID:      accountID,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokenExpiresAt,
	}); err != nil {
		b.logger.Error().Err(err).Msg("failed to store brokerage credentials")
		http.Error(w, "Failed to store credentials", http.StatusInternalServerError)
		return
	}

	_ = b.publisher.Publish(r.Context(), eventKey, map[string]any{
		"user_id":     state.UserID,
		"platform":    string(p),
		"environment": string(environment),
	})

	b.logger.Info().Str("user_id", state.UserID).Str("platform", string(p)).Str("environment", string(environment)).Msg("linked brokerage account")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "linked",
		"platform":    string(p),
		"environment": string(environment),
		"account_id":  accountID,
	})
}

func (b *Bridge) callbackURL(p platform.Platform) string {
	return b.cfg.Issuer + "/setup/" + string(p) + "/callback"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
