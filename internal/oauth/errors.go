package oauth

import "errors"

// ErrNotFound is returned by storage implementations when a record does not
// exist. Callers map it to the appropriate OAuth error response.
var ErrNotFound = errors.New("oauth: record not found")

// ErrConflict is returned when a unique constraint would be violated, such as
// registering an email that already has an account.
var ErrConflict = errors.New("oauth: record already exists")
