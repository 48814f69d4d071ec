package models

import "time"

// BrokerCredential holds one linked brokerage account for a user. Tokens are
// plaintext on this struct; storage encrypts them at rest and list operations
// leave them empty.
type BrokerCredential struct {
	UserID         string     `json:"user_id"`
	Platform       string     `json:"platform"`
	Environment    string     `json:"environment"`
	AccountID      string     `json:"account_id"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the upstream access token is past its expiry. A
// credential without a recorded expiry is treated as live.
func (c *BrokerCredential) Expired(now time.Time) bool {
	return c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(now)
}
