package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the JWT claims carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id,omitempty"`
}

// Codec signs and verifies RS256 access tokens.
type Codec struct {
	issuer string
	keys   *KeyManager
}

// NewCodec creates a token codec bound to one issuer and signing key.
func NewCodec(issuer string, keys *KeyManager) *Codec {
	return &Codec{issuer: issuer, keys: keys}
}

// Issue signs a new access token. The audience is the resource the token is
// scoped to, never the issuer itself.
func (c *Codec) Issue(subject, audience, scope, clientID string, ttl time.Duration) (string, string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	jti := uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Scope:    scope,
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.keys.KID()

	signed, err := token.SignedString(c.keys.PrivateKey())
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, jti, expiresAt, nil
}

// Verify checks the signature, expiry and issuer of an access token. It does
// not consult storage; revocation is the middleware's concern.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.keys.PublicKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Issuer != c.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	return claims, nil
}
