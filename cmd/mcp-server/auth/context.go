package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const UserContextKey contextKey = "user"

// UserContext represents the authenticated user bound to a request.
type UserContext struct {
	UserID   string
	Email    string
	ClientID string
	Scope    string
}

// ExtractUserFromContext extracts user context from request context.
func ExtractUserFromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	return user, ok
}

// ExtractTokenFromHeader extracts a bearer token from the Authorization
// header.
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// ExtractTokenFromQuery extracts a token from the query string. SSE clients
// cannot always set headers.
func ExtractTokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("token")
}
