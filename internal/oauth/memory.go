package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Storage used for development and tests. State
// is lost on restart, so every server sharing a deployment must use Postgres
// instead.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	clients map[string]*Client
	codes   map[string]*Code
	tokens  map[string]*Token
	states  map[string]*BrokerState
}

var _ Storage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		clients: make(map[string]*Client),
		codes:   make(map[string]*Code),
		tokens:  make(map[string]*Token),
		states:  make(map[string]*BrokerState),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.UserID]; ok {
		return ErrConflict
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return ErrConflict
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	clone := *user
	m.users[user.UserID] = &clone
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SaveClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client.ClientID]; ok {
		return ErrConflict
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	clone := *client
	clone.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	m.clients[client.ClientID] = &clone
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *client
	clone.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &clone, nil
}

func (m *MemoryStore) SaveCode(_ context.Context, code *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	clone := *code
	m.codes[code.CodeHash] = &clone
	return nil
}

func (m *MemoryStore) GetCode(_ context.Context, codeHash string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *code
	return &clone, nil
}

func (m *MemoryStore) ConsumeCode(_ context.Context, codeHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[codeHash]
	if !ok || code.Used {
		return ErrNotFound
	}
	code.Used = true
	return nil
}

func (m *MemoryStore) DeleteExpiredCodes(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var deleted int64
	for hash, code := range m.codes {
		if code.ExpiresAt.Before(now) {
			delete(m.codes, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	clone := *token
	m.tokens[token.JTI] = &clone
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, jti string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[jti]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *token
	return &clone, nil
}

func (m *MemoryStore) GetTokenByRefreshHash(_ context.Context, refreshHash string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.findByRefreshHashLocked(refreshHash)
	if token == nil {
		return nil, ErrNotFound
	}
	clone := *token
	return &clone, nil
}

func (m *MemoryStore) RotateRefreshToken(_ context.Context, oldRefreshHash string, next *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.findByRefreshHashLocked(oldRefreshHash)
	if old == nil || old.Revoked {
		return ErrNotFound
	}
	old.Revoked = true
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now()
	}
	clone := *next
	m.tokens[next.JTI] = &clone
	return nil
}

func (m *MemoryStore) RevokeToken(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[jti]; ok {
		token.Revoked = true
	}
	return nil
}

func (m *MemoryStore) RevokeByRefreshHash(_ context.Context, refreshHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token := m.findByRefreshHashLocked(refreshHash); token != nil {
		token.Revoked = true
	}
	return nil
}

func (m *MemoryStore) DeleteExpiredTokens(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var deleted int64
	for jti, token := range m.tokens {
		if token.Revoked && token.ExpiresAt.Before(now) && token.RefreshExpiresAt.Before(now) {
			delete(m.tokens, jti)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) findByRefreshHashLocked(refreshHash string) *Token {
	for _, token := range m.tokens {
		if token.RefreshTokenHash == refreshHash {
			return token
		}
	}
	return nil
}

func (m *MemoryStore) SaveState(_ context.Context, state *BrokerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	clone := *state
	m.states[state.State] = &clone
	return nil
}

func (m *MemoryStore) ConsumeState(_ context.Context, stateValue string) (*BrokerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateValue]
	if !ok || state.Used {
		return nil, ErrNotFound
	}
	state.Used = true
	clone := *state
	return &clone, nil
}

func (m *MemoryStore) DeleteExpiredStates(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var deleted int64
	for key, state := range m.states {
		if state.ExpiresAt.Before(now) {
			delete(m.states, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
