package oauth

import "time"

// User is a local account used for the authorize login step. Users are
// created on first registration and never deleted automatically.
type User struct {
	UserID       string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Client represents a registered MCP client. Records are immutable after
// registration; there is no update endpoint.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// Code is a single-use authorization grant. The code value itself is never
// stored; only its SHA-256 hash is.
type Code struct {
	CodeHash            string
	UserID              string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	Scope               string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// Token records an access/refresh token pair. The access token is tracked by
// its jti claim, the refresh token by hash. Revoked rows are retained until
// natural expiry so revocation checks stay valid.
type Token struct {
	JTI              string
	UserID           string
	ClientID         string
	Resource         string
	Scope            string
	ExpiresAt        time.Time
	RefreshTokenHash string
	RefreshExpiresAt time.Time
	Revoked          bool
	CreatedAt        time.Time
}

// BrokerState holds the PKCE state for onboarding one brokerage account via
// the third-party OAuth bridge. Same single-use invariant as Code.
type BrokerState struct {
	State        string
	UserID       string
	Platform     string
	Environment  string
	CodeVerifier string
	ExpiresAt    time.Time
	Used         bool
	CreatedAt    time.Time
}
