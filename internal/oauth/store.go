package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Storage is the persistence contract for OAuth data. Implementations must
// guarantee that ConsumeCode, ConsumeState and RotateRefreshToken succeed for
// at most one caller per record, even across server instances.
type Storage interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	SaveCode(ctx context.Context, code *Code) error
	GetCode(ctx context.Context, codeHash string) (*Code, error)
	ConsumeCode(ctx context.Context, codeHash string) error
	DeleteExpiredCodes(ctx context.Context) (int64, error)

	SaveToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, jti string) (*Token, error)
	GetTokenByRefreshHash(ctx context.Context, refreshHash string) (*Token, error)
	RotateRefreshToken(ctx context.Context, oldRefreshHash string, next *Token) error
	RevokeToken(ctx context.Context, jti string) error
	RevokeByRefreshHash(ctx context.Context, refreshHash string) error
	DeleteExpiredTokens(ctx context.Context) (int64, error)

	SaveState(ctx context.Context, state *BrokerState) error
	ConsumeState(ctx context.Context, state string) (*BrokerState, error)
	DeleteExpiredStates(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Store provides Postgres-backed persistence with an optional Redis fast
// path for short-lived records (auth codes and broker states).
type Store struct {
	db    *sql.DB
	redis *redis.Client
}

var _ Storage = (*Store)(nil)

// NewStoreFromEnv initializes the OAuth store using Postgres and optional Redis.
func NewStoreFromEnv() (*Store, error) {
	connString := os.Getenv("OAUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return nil, fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
	db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store.redis = redis.NewClient(opts)
		if err := store.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	return store, nil
}

// Close closes connections.
func (s *Store) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database and Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return err
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser stores a new user account.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO oauth_users (user_id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query, user.UserID, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, email, password_hash, created_at
		FROM oauth_users
		WHERE user_id = $1
	`, userID))
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, email, password_hash, created_at
		FROM oauth_users
		WHERE email = $1
	`, email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.UserID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveClient stores an OAuth client.
func (s *Store) SaveClient(ctx context.Context, client *Client) error {
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, client_name, redirect_uris, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		client.ClientID,
		nullableString(client.ClientSecretHash),
		nullableString(client.ClientName),
		pq.Array(client.RedirectURIs),
		client.TokenEndpointAuthMethod,
		client.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetClient fetches an OAuth client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, client_secret_hash, client_name, redirect_uris, token_endpoint_auth_method, created_at
		FROM oauth_clients
		WHERE client_id = $1
	`
	var client Client
	var redirectURIs []string
	var secretHash, clientName sql.NullString

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&secretHash,
		&clientName,
		pq.Array(&redirectURIs),
		&client.TokenEndpointAuthMethod,
		&client.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	client.ClientSecretHash = secretHash.String
	client.ClientName = clientName.String
	client.RedirectURIs = redirectURIs
	return &client, nil
}

// SaveCode stores auth code data in Redis when available, Postgres otherwise.
func (s *Store) SaveCode(ctx context.Context, code *Code) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	if s.redis != nil {
		payload, err := json.Marshal(code)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("oauth:code:%s", code.CodeHash)
		return s.redis.Set(ctx, key, payload, time.Until(code.ExpiresAt)).Err()
	}

	query := `
		INSERT INTO oauth_auth_codes
			(code_hash, user_id, client_id, redirect_uri, code_challenge, code_challenge_method, resource, scope, expires_at, used, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		code.CodeHash,
		code.UserID,
		code.ClientID,
		code.RedirectURI,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Resource,
		code.Scope,
		code.ExpiresAt,
		code.Used,
		code.CreatedAt,
	)
	return err
}

// GetCode retrieves an auth code without consuming it, so that validation
// failures leave the code intact.
func (s *Store) GetCode(ctx context.Context, codeHash string) (*Code, error) {
	if s.redis != nil {
		key := fmt.Sprintf("oauth:code:%s", codeHash)
		val, err := s.redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var code Code
		if err := json.Unmarshal([]byte(val), &code); err != nil {
			return nil, err
		}
		return &code, nil
	}

	query := `
		SELECT code_hash, user_id, client_id, redirect_uri, code_challenge, code_challenge_method, resource, scope, expires_at, used, created_at
		FROM oauth_auth_codes
		WHERE code_hash = $1
	`
	var code Code
	err := s.db.QueryRowContext(ctx, query, codeHash).Scan(
		&code.CodeHash,
		&code.UserID,
		&code.ClientID,
		&code.RedirectURI,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.Resource,
		&code.Scope,
		&code.ExpiresAt,
		&code.Used,
		&code.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// ConsumeCode marks a code used. Exactly one caller wins; everyone else gets
// ErrNotFound.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string) error {
	if s.redis != nil {
		key := fmt.Sprintf("oauth:code:%s", codeHash)
		deleted, err := s.redis.Del(ctx, key).Result()
		if err != nil {
			return err
		}
		if deleted != 1 {
			return ErrNotFound
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_auth_codes SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE
	`, codeHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredCodes removes codes past their expiry. Redis entries expire on
// their own.
func (s *Store) DeleteExpiredCodes(ctx context.Context) (int64, error) {
	if s.redis != nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_auth_codes WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveToken persists an access/refresh token pair.
func (s *Store) SaveToken(ctx context.Context, token *Token) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO oauth_tokens
			(jti, user_id, client_id, resource, scope, expires_at, refresh_token_hash, refresh_expires_at, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		token.JTI,
		token.UserID,
		token.ClientID,
		token.Resource,
		token.Scope,
		token.ExpiresAt,
		token.RefreshTokenHash,
		token.RefreshExpiresAt,
		token.Revoked,
		token.CreatedAt,
	)
	return err
}

// GetToken fetches a token record by jti.
func (s *Store) GetToken(ctx context.Context, jti string) (*Token, error) {
	return s.scanToken(s.db.QueryRowContext(ctx, tokenSelect+` WHERE jti = $1`, jti))
}

// GetTokenByRefreshHash fetches a token record by refresh token hash.
func (s *Store) GetTokenByRefreshHash(ctx context.Context, refreshHash string) (*Token, error) {
	return s.scanToken(s.db.QueryRowContext(ctx, tokenSelect+` WHERE refresh_token_hash = $1`, refreshHash))
}

const tokenSelect = `
	SELECT jti, user_id, client_id, resource, scope, expires_at, refresh_token_hash, refresh_expires_at, revoked, created_at
	FROM oauth_tokens
`

func (s *Store) scanToken(row *sql.Row) (*Token, error) {
	var token Token
	err := row.Scan(
		&token.JTI,
		&token.UserID,
		&token.ClientID,
		&token.Resource,
		&token.Scope,
		&token.ExpiresAt,
		&token.RefreshTokenHash,
		&token.RefreshExpiresAt,
		&token.Revoked,
		&token.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// RotateRefreshToken revokes the pair identified by oldRefreshHash and saves
// the replacement in one transaction. A second rotation attempt with the same
// refresh token loses the conditional update and gets ErrNotFound.
func (s *Store) RotateRefreshToken(ctx context.Context, oldRefreshHash string, next *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked = TRUE
		WHERE refresh_token_hash = $1 AND revoked = FALSE
	`, oldRefreshHash)
	if err != nil {
		return err
	}
	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = ErrNotFound
		return err
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO oauth_tokens
			(jti, user_id, client_id, resource, scope, expires_at, refresh_token_hash, refresh_expires_at, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		next.JTI,
		next.UserID,
		next.ClientID,
		next.Resource,
		next.Scope,
		next.ExpiresAt,
		next.RefreshTokenHash,
		next.RefreshExpiresAt,
		next.Revoked,
		next.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeToken marks a token pair revoked by jti. Already-revoked and unknown
// tokens are not errors.
func (s *Store) RevokeToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_tokens SET revoked = TRUE WHERE jti = $1`, jti)
	return err
}

// RevokeByRefreshHash marks a token pair revoked by refresh token hash.
func (s *Store) RevokeByRefreshHash(ctx context.Context, refreshHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_tokens SET revoked = TRUE WHERE refresh_token_hash = $1`, refreshHash)
	return err
}

// DeleteExpiredTokens removes rows that are revoked and past both the access
// and refresh expiries. Revoked rows that could still match a live JWT are
// kept so revocation checks keep answering correctly.
func (s *Store) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM oauth_tokens
		WHERE revoked = TRUE AND expires_at < NOW() AND refresh_expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveState stores a brokerage onboarding state.
func (s *Store) SaveState(ctx context.Context, state *BrokerState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	if s.redis != nil {
		payload, err := json.Marshal(state)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("oauth:state:%s", state.State)
		return s.redis.Set(ctx, key, payload, time.Until(state.ExpiresAt)).Err()
	}

	query := `
		INSERT INTO broker_oauth_states
			(state, user_id, platform, environment, code_verifier, expires_at, used, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		state.State,
		state.UserID,
		state.Platform,
		state.Environment,
		state.CodeVerifier,
		state.ExpiresAt,
		state.Used,
		state.CreatedAt,
	)
	return err
}

// ConsumeState retrieves a brokerage state and marks it used in one step.
func (s *Store) ConsumeState(ctx context.Context, stateValue string) (*BrokerState, error) {
	if s.redis != nil {
		key := fmt.Sprintf("oauth:state:%s", stateValue)
		val, err := s.redis.GetDel(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var state BrokerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			return nil, err
		}
		return &state, nil
	}

	query := `
		UPDATE broker_oauth_states SET used = TRUE
		WHERE state = $1 AND used = FALSE
		RETURNING state, user_id, platform, environment, code_verifier, expires_at, used, created_at
	`
	var state BrokerState
	err := s.db.QueryRowContext(ctx, query, stateValue).Scan(
		&state.State,
		&state.UserID,
		&state.Platform,
		&state.Environment,
		&state.CodeVerifier,
		&state.ExpiresAt,
		&state.Used,
		&state.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DeleteExpiredStates removes brokerage states past their expiry.
func (s *Store) DeleteExpiredStates(ctx context.Context) (int64, error) {
	if s.redis != nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM broker_oauth_states WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_users (
		user_id VARCHAR(255) PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret_hash TEXT,
		client_name TEXT,
		redirect_uris TEXT[] NOT NULL,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_auth_codes (
		code_hash TEXT PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		redirect_uri TEXT NOT NULL,
		code_challenge TEXT NOT NULL,
		code_challenge_method TEXT NOT NULL,
		resource TEXT NOT NULL,
		scope TEXT,
		expires_at TIMESTAMP NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		jti TEXT PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		resource TEXT NOT NULL,
		scope TEXT,
		expires_at TIMESTAMP NOT NULL,
		refresh_token_hash TEXT NOT NULL UNIQUE,
		refresh_expires_at TIMESTAMP NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS broker_oauth_states (
		state TEXT PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		platform VARCHAR(50) NOT NULL,
		environment VARCHAR(50) NOT NULL,
		code_verifier TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_auth_codes_expires ON oauth_auth_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user ON oauth_tokens(user_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_refresh ON oauth_tokens(refresh_token_hash);
	CREATE INDEX IF NOT EXISTS idx_broker_oauth_states_expires ON broker_oauth_states(expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
