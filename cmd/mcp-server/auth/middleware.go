package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/oauth"
)

// Verifier validates access tokens issued by this server's OAuth endpoints.
// Signature and claim checks are stateless, revocation is checked against
// the token store.
type Verifier struct {
	codec    *oauth.Codec
	audience string
	store    oauth.Storage
}

// NewVerifier creates a verifier bound to the server's resource identifier.
func NewVerifier(cfg oauth.Config, codec *oauth.Codec, store oauth.Storage) *Verifier {
	return &Verifier{
		codec:    codec,
		audience: cfg.ResourceURL,
		store:    store,
	}
}

// VerifyToken verifies an access token and resolves its user.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*UserContext, error) {
	claims, err := v.codec.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	if !audienceContains(claims.Audience, v.audience) {
		return nil, fmt.Errorf("audience mismatch")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("missing jti")
	}

	stored, err := v.store.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil, fmt.Errorf("unknown token")
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if stored.Revoked {
		return nil, fmt.Errorf("token revoked")
	}

	user, err := v.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("unknown user")
	}

	return &UserContext{
		UserID:   user.UserID,
		Email:    user.Email,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
	}, nil
}

func audienceContains(values []string, target string) bool {
	for _, val := range values {
		if val == target {
			return true
		}
	}
	return false
}

// Middleware guards protected endpoints with bearer token authentication.
type Middleware struct {
	verifier *Verifier
	issuer   string
	logger   *common.Logger
}

// NewMiddleware creates authentication middleware. The issuer is used to
// point rejected callers at the resource metadata document.
func NewMiddleware(verifier *Verifier, issuer string, logger *common.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		issuer:   issuer,
		logger:   logger,
	}
}

// Handler wraps an HTTP handler with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight carries no credentials.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractTokenFromHeader(r)
		if token == "" {
			token = ExtractTokenFromQuery(r)
		}
		if token == "" {
			m.unauthorized(w, "missing bearer token")
			return
		}

		userCtx, err := m.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			m.logger.Debug().Err(err).Msg("rejected bearer token")
			m.unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc wraps an HTTP handler function with bearer authentication.
func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

// unauthorized answers 401 with the RFC 9728 challenge so clients can
// discover the authorization server.
func (m *Middleware) unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm="MCP Trading", resource_metadata=%q`,
		m.issuer+"/.well-known/oauth-protected-resource",
	))
	http.Error(w, "Unauthorized: "+reason, http.StatusUnauthorized)
}
