package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/marketdesk/trading-mcp/internal/models"
	"github.com/marketdesk/trading-mcp/internal/vault"
)

// ErrNotFound is returned when no credential exists for the requested
// user/platform/environment.
var ErrNotFound = errors.New("credentials not found")

// CredentialStore handles storage and retrieval of brokerage credentials.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, cred *models.BrokerCredential) error
	GetCredentials(ctx context.Context, userID, platform, environment string) (*models.BrokerCredential, error)
	ListCredentials(ctx context.Context, userID string) ([]models.BrokerCredential, error)
	DeleteCredentials(ctx context.Context, userID, platform, environment string) error
	Ping(ctx context.Context) error
	Close() error
}

// PostgresCredentialStore keeps credentials in Postgres with tokens encrypted
// at rest.
type PostgresCredentialStore struct {
	db    *sql.DB
	vault *vault.Vault
}

var _ CredentialStore = (*PostgresCredentialStore)(nil)

// NewPostgresCredentialStore opens the database and ensures the schema exists.
func NewPostgresCredentialStore(connectionString string, v *vault.Vault) (*PostgresCredentialStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresCredentialStore{db: db, vault: v}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresCredentialStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS broker_credentials (
		user_id VARCHAR(255) NOT NULL,
		platform VARCHAR(50) NOT NULL,
		environment VARCHAR(50) NOT NULL,
		account_id_encrypted TEXT NOT NULL,
		access_token_encrypted TEXT NOT NULL,
		refresh_token_encrypted TEXT,
		token_expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, platform, environment)
	);

	CREATE INDEX IF NOT EXISTS idx_broker_credentials_user ON broker_credentials(user_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveCredentials encrypts tokens and upserts the row. Relinking a platform
// overwrites the previous credential.
func (s *PostgresCredentialStore) SaveCredentials(ctx context.Context, cred *models.BrokerCredential) error {
	encryptedAccount, err := s.vault.Encrypt(cred.AccountID)
	if err != nil {
		return err
	}
	encryptedAccess, err := s.vault.Encrypt(cred.AccessToken)
	if err != nil {
		return err
	}
	var encryptedRefresh sql.NullString
	if cred.RefreshToken != "" {
		val, err := s.vault.Encrypt(cred.RefreshToken)
		if err != nil {
			return err
		}
		encryptedRefresh = sql.NullString{String: val, Valid: true}
	}

	query := `
		INSERT INTO broker_credentials
			(user_id, platform, environment, account_id_encrypted, access_token_encrypted, refresh_token_encrypted, token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, platform, environment)
		DO UPDATE SET
			account_id_encrypted = EXCLUDED.account_id_encrypted,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, query,
		cred.UserID,
		cred.Platform,
		cred.Environment,
		encryptedAccount,
		encryptedAccess,
		encryptedRefresh,
		nullableTime(cred.TokenExpiresAt),
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	return err
}

// GetCredentials retrieves and decrypts credentials for one linked account.
func (s *PostgresCredentialStore) GetCredentials(ctx context.Context, userID, platform, environment string) (*models.BrokerCredential, error) {
	query := `
		SELECT user_id, platform, environment, account_id_encrypted, access_token_encrypted, refresh_token_encrypted, token_expires_at, created_at, updated_at
		FROM broker_credentials
		WHERE user_id = $1 AND platform = $2 AND environment = $3
	`

	var cred models.BrokerCredential
	var encryptedAccount, encryptedAccess string
	var encryptedRefresh sql.NullString
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, userID, platform, environment).Scan(
		&cred.UserID,
		&cred.Platform,
		&cred.Environment,
		&encryptedAccount,
		&encryptedAccess,
		&encryptedRefresh,
		&expiresAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cred.AccountID, err = s.vault.Decrypt(encryptedAccount)
	if err != nil {
		return nil, err
	}
	cred.AccessToken, err = s.vault.Decrypt(encryptedAccess)
	if err != nil {
		return nil, err
	}
	if encryptedRefresh.Valid {
		cred.RefreshToken, err = s.vault.Decrypt(encryptedRefresh.String)
		if err != nil {
			return nil, err
		}
	}
	if expiresAt.Valid {
		cred.TokenExpiresAt = &expiresAt.Time
	}
	return &cred, nil
}

// ListCredentials returns credential metadata for a user. Tokens stay
// encrypted in the database and are not included; the account identifier is
// decrypted since callers display it.
func (s *PostgresCredentialStore) ListCredentials(ctx context.Context, userID string) ([]models.BrokerCredential, error) {
	query := `
		SELECT user_id, platform, environment, account_id_encrypted, token_expires_at, created_at, updated_at
		FROM broker_credentials
		WHERE user_id = $1
		ORDER BY platform, environment
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credentials []models.BrokerCredential
	for rows.Next() {
		var cred models.BrokerCredential
		var encryptedAccount string
		var expiresAt sql.NullTime
		err := rows.Scan(
			&cred.UserID,
			&cred.Platform,
			&cred.Environment,
			&encryptedAccount,
			&expiresAt,
			&cred.CreatedAt,
			&cred.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		cred.AccountID, err = s.vault.Decrypt(encryptedAccount)
		if err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			cred.TokenExpiresAt = &expiresAt.Time
		}
		credentials = append(credentials, cred)
	}

	return credentials, rows.Err()
}

// DeleteCredentials removes one linked account.
func (s *PostgresCredentialStore) DeleteCredentials(ctx context.Context, userID, platform, environment string) error {
	query := `
		DELETE FROM broker_credentials
		WHERE user_id = $1 AND platform = $2 AND environment = $3
	`

	_, err := s.db.ExecContext(ctx, query, userID, platform, environment)
	return err
}

// Ping tests the database connection.
func (s *PostgresCredentialStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresCredentialStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
