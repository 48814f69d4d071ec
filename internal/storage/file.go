package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marketdesk/trading-mcp/internal/models"
	"github.com/marketdesk/trading-mcp/internal/vault"
)

// credentialRecord is the on-disk form of one linked account. Token fields
// hold vault ciphertext, never plaintext.
type credentialRecord struct {
	UserID         string     `json:"user_id"`
	Platform       string     `json:"platform"`
	Environment    string     `json:"environment"`
	AccountID      string     `json:"account_id_encrypted"`
	AccessToken    string     `json:"access_token_encrypted"`
	RefreshToken   string     `json:"refresh_token_encrypted,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FileCredentialStore keeps credentials in a JSON file for single-node
// deployments without Postgres. Tokens are encrypted before they touch disk.
type FileCredentialStore struct {
	filePath    string
	vault       *vault.Vault
	records     map[string]credentialRecord
	lastModTime time.Time
	mu          sync.RWMutex
}

var _ CredentialStore = (*FileCredentialStore)(nil)

// NewFileCredentialStore creates a file-based credential store.
func NewFileCredentialStore(filePath string, v *vault.Vault) (*FileCredentialStore, error) {
	store := &FileCredentialStore{
		filePath: filePath,
		vault:    v,
		records:  make(map[string]credentialRecord),
	}

	if err := store.loadRecords(); err != nil {
		return nil, fmt.Errorf("failed to load credentials file: %w", err)
	}
	return store, nil
}

func recordKey(userID, platform, environment string) string {
	return userID + "/" + platform + "/" + environment
}

func (s *FileCredentialStore) loadRecords() error {
	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		s.records = make(map[string]credentialRecord)
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var records []credentialRecord
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("failed to parse credentials JSON: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]credentialRecord)
	for _, rec := range records {
		s.records[recordKey(rec.UserID, rec.Platform, rec.Environment)] = rec
	}

	if stat, err := os.Stat(absPath); err == nil {
		s.lastModTime = stat.ModTime()
	}
	return nil
}

func (s *FileCredentialStore) saveToFile() error {
	s.mu.RLock()
	var list []credentialRecord
	for _, rec := range s.records {
		list = append(list, rec)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return recordKey(list[i].UserID, list[i].Platform, list[i].Environment) <
			recordKey(list[j].UserID, list[j].Platform, list[j].Environment)
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return err
	}

	return os.WriteFile(absPath, data, 0600)
}

// SaveCredentials encrypts tokens and writes the file.
func (s *FileCredentialStore) SaveCredentials(_ context.Context, cred *models.BrokerCredential) error {
	s.checkAndReload()

	encryptedAccount, err := s.vault.Encrypt(cred.AccountID)
	if err != nil {
		return err
	}
	encryptedAccess, err := s.vault.Encrypt(cred.AccessToken)
	if err != nil {
		return err
	}
	var encryptedRefresh string
	if cred.RefreshToken != "" {
		encryptedRefresh, err = s.vault.Encrypt(cred.RefreshToken)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	s.mu.Lock()
	key := recordKey(cred.UserID, cred.Platform, cred.Environment)
	if existing, ok := s.records[key]; ok {
		cred.CreatedAt = existing.CreatedAt
	}
	s.records[key] = credentialRecord{
		UserID:         cred.UserID,
		Platform:       cred.Platform,
		Environment:    cred.Environment,
		AccountID:      encryptedAccount,
		AccessToken:    encryptedAccess,
		RefreshToken:   encryptedRefresh,
		TokenExpiresAt: cred.TokenExpiresAt,
		CreatedAt:      cred.CreatedAt,
		UpdatedAt:      cred.UpdatedAt,
	}
	s.mu.Unlock()

	return s.saveToFile()
}

// GetCredentials retrieves and decrypts one linked account.
func (s *FileCredentialStore) GetCredentials(_ context.Context, userID, platform, environment string) (*models.BrokerCredential, error) {
	s.checkAndReload()

	s.mu.RLock()
	rec, exists := s.records[recordKey(userID, platform, environment)]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	accountID, err := s.vault.Decrypt(rec.AccountID)
	if err != nil {
		return nil, err
	}
	accessToken, err := s.vault.Decrypt(rec.AccessToken)
	if err != nil {
		return nil, err
	}
	var refreshToken string
	if rec.RefreshToken != "" {
		refreshToken, err = s.vault.Decrypt(rec.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	return &models.BrokerCredential{
		UserID:         rec.UserID,
		Platform:       rec.Platform,
		Environment:    rec.Environment,
		AccountID:      accountID,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		TokenExpiresAt: rec.TokenExpiresAt,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// ListCredentials returns credential metadata for a user without decrypting
// tokens.
func (s *FileCredentialStore) ListCredentials(_ context.Context, userID string) ([]models.BrokerCredential, error) {
	s.checkAndReload()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var credentials []models.BrokerCredential
	for _, rec := range s.records {
		if rec.UserID != userID {
			continue
		}
		accountID, err := s.vault.Decrypt(rec.AccountID)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, models.BrokerCredential{
			UserID:         rec.UserID,
			Platform:       rec.Platform,
			Environment:    rec.Environment,
			AccountID:      accountID,
			TokenExpiresAt: rec.TokenExpiresAt,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
		})
	}

	sort.Slice(credentials, func(i, j int) bool {
		if credentials[i].Platform != credentials[j].Platform {
			return credentials[i].Platform < credentials[j].Platform
		}
		return credentials[i].Environment < credentials[j].Environment
	})
	return credentials, nil
}

// DeleteCredentials removes one linked account from the file.
func (s *FileCredentialStore) DeleteCredentials(_ context.Context, userID, platform, environment string) error {
	s.checkAndReload()

	s.mu.Lock()
	key := recordKey(userID, platform, environment)
	if _, exists := s.records[key]; !exists {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records, key)
	s.mu.Unlock()

	return s.saveToFile()
}

// Ping is a no-op for file-based storage.
func (s *FileCredentialStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for file-based storage.
func (s *FileCredentialStore) Close() error {
	return nil
}

func (s *FileCredentialStore) checkAndReload() {
	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		return
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		return
	}

	s.mu.RLock()
	lastMod := s.lastModTime
	s.mu.RUnlock()

	if stat.ModTime().After(lastMod) {
		_ = s.loadRecords()
	}
}

// NewCredentialStoreFromEnv creates a credential store based on environment
// variables. CREDENTIALS_FILE selects file-based storage; otherwise
// DATABASE_URL selects Postgres.
func NewCredentialStoreFromEnv(v *vault.Vault) (CredentialStore, error) {
	if credentialsFile := os.Getenv("CREDENTIALS_FILE"); credentialsFile != "" {
		return NewFileCredentialStore(credentialsFile, v)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("either CREDENTIALS_FILE or DATABASE_URL must be set")
	}

	return NewPostgresCredentialStore(databaseURL, v)
}
