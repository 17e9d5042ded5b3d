// Package credentials provides secure credential storage for IMAP
// passwords and OAuth2 tokens, preferring the OS keyring and falling
// back to an encrypted database column when no keyring is available.
package credentials

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	archivecrypto "github.com/coldvault/archived/internal/crypto"
	"github.com/coldvault/archived/internal/logging"
)

const serviceName = "coldvault-archived"

// ErrCredentialNotFound is returned when no credential is stored for
// the requested account and purpose.
var ErrCredentialNotFound = errors.New("credentials: not found")

// Store provides credential storage with OS keyring and encrypted DB fallback.
type Store struct {
	db             *sql.DB
	encryptor      *archivecrypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore creates a new credential store. dataDir is used only as the
// location for the master-secret file when the OS keyring is
// unavailable; when the keyring works, nothing touches disk outside
// the database.
func NewStore(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("credentials")

	keyringEnabled := testKeyring()

	masterSecret, err := loadOrCreateMasterSecret(dataDir, keyringEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to establish master secret: %w", err)
	}

	encryptor, err := archivecrypto.NewEncryptor(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary credential storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{
		db:             db,
		encryptor:      encryptor,
		keyringEnabled: keyringEnabled,
		log:            log,
	}, nil
}

// loadOrCreateMasterSecret retrieves the DB-encryption master secret
// from the OS keyring, or from a 0600 file under dataDir if the
// keyring is unavailable, generating it on first run either way.
func loadOrCreateMasterSecret(dataDir string, keyringEnabled bool) ([]byte, error) {
	const keyringKey = "db-master-secret"

	if keyringEnabled {
		if existing, err := gokeyring.Get(serviceName, keyringKey); err == nil {
			return []byte(existing), nil
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if err := gokeyring.Set(serviceName, keyringKey, string(secret)); err != nil {
			return nil, err
		}
		return secret, nil
	}

	path := filepath.Join(dataDir, ".master-secret")
	if existing, err := os.ReadFile(path); err == nil {
		return existing, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}

// testKeyring checks if the OS keyring is available and functional.
func testKeyring() bool {
	testKey := "keyring-check"
	testValue := "test"

	if err := gokeyring.Set(serviceName, testKey, testValue); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// SetPassword stores an IMAP password for an account.
func (s *Store) SetPassword(accountID, password string) error {
	if password == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, "password:"+accountID, password); err == nil {
			s.log.Debug().Str("account_id", accountID).Msg("Password stored in OS keyring")
			s.clearDBColumn("encrypted_password", accountID)
			return nil
		} else {
			s.log.Warn().Err(err).Msg("Failed to store in OS keyring, using fallback")
		}
	}

	encrypted, err := s.encryptor.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	if _, err := s.db.Exec(
		"UPDATE accounts SET encrypted_password = ? WHERE id = ?",
		encrypted, accountID,
	); err != nil {
		return fmt.Errorf("failed to store encrypted password: %w", err)
	}

	s.log.Debug().Str("account_id", accountID).Msg("Password stored in encrypted database")
	return nil
}

// GetPassword retrieves an IMAP password for an account.
func (s *Store) GetPassword(accountID string) (string, error) {
	if s.keyringEnabled {
		password, err := gokeyring.Get(serviceName, "password:"+accountID)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Error reading from OS keyring, trying fallback")
		}
	}

	return s.getDBColumn("encrypted_password", accountID)
}

// DeletePassword removes the IMAP password for an account.
func (s *Store) DeletePassword(accountID string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, "password:"+accountID)
	}
	s.clearDBColumn("encrypted_password", accountID)
	return nil
}

// SetOAuthRefreshToken stores the OAuth2 refresh token for an account.
func (s *Store) SetOAuthRefreshToken(accountID, token string) error {
	return s.setSecret("oauth_refresh:"+accountID, "encrypted_oauth_refresh_token", accountID, token)
}

// GetOAuthRefreshToken retrieves the OAuth2 refresh token for an account.
func (s *Store) GetOAuthRefreshToken(accountID string) (string, error) {
	return s.getSecret("oauth_refresh:"+accountID, "encrypted_oauth_refresh_token", accountID)
}

// SetOAuthAccessToken stores the OAuth2 access token for an account.
// Access tokens are short-lived; callers should also persist their
// expiry separately (see account.Store).
func (s *Store) SetOAuthAccessToken(accountID, token string) error {
	return s.setSecret("oauth_access:"+accountID, "encrypted_oauth_access_token", accountID, token)
}

// GetOAuthAccessToken retrieves the OAuth2 access token for an account.
func (s *Store) GetOAuthAccessToken(accountID string) (string, error) {
	return s.getSecret("oauth_access:"+accountID, "encrypted_oauth_access_token", accountID)
}

// DeleteOAuthTokens removes both OAuth tokens for an account.
func (s *Store) DeleteOAuthTokens(accountID string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, "oauth_refresh:"+accountID)
		gokeyring.Delete(serviceName, "oauth_access:"+accountID)
	}
	s.clearDBColumn("encrypted_oauth_refresh_token", accountID)
	s.clearDBColumn("encrypted_oauth_access_token", accountID)
	return nil
}

// DeleteAllCredentials removes every credential stored for an account:
// the password and both OAuth tokens.
func (s *Store) DeleteAllCredentials(accountID string) error {
	s.DeletePassword(accountID)
	s.DeleteOAuthTokens(accountID)
	return nil
}

// IsKeyringEnabled returns whether the OS keyring is being used.
func (s *Store) IsKeyringEnabled() bool {
	return s.keyringEnabled
}

func (s *Store) setSecret(keyringKey, column, accountID, value string) error {
	if value == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, keyringKey, value); err == nil {
			s.clearDBColumn(column, accountID)
			return nil
		} else {
			s.log.Warn().Err(err).Str("column", column).Msg("Failed to store in OS keyring, using fallback")
		}
	}

	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", column, err)
	}

	query := fmt.Sprintf("UPDATE accounts SET %s = ? WHERE id = ?", column)
	if _, err := s.db.Exec(query, encrypted, accountID); err != nil {
		return fmt.Errorf("failed to store encrypted %s: %w", column, err)
	}
	return nil
}

func (s *Store) getSecret(keyringKey, column, accountID string) (string, error) {
	if s.keyringEnabled {
		value, err := gokeyring.Get(serviceName, keyringKey)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Err(err).Str("column", column).Msg("Error reading from OS keyring, trying fallback")
		}
	}
	return s.getDBColumn(column, accountID)
}

func (s *Store) getDBColumn(column, accountID string) (string, error) {
	var encrypted sql.NullString
	query := fmt.Sprintf("SELECT %s FROM accounts WHERE id = ?", column)
	err := s.db.QueryRow(query, accountID).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", column, err)
	}
	if !encrypted.Valid || encrypted.String == "" {
		return "", ErrCredentialNotFound
	}

	value, err := s.encryptor.Decrypt(encrypted.String)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", column, err)
	}
	return value, nil
}

func (s *Store) clearDBColumn(column, accountID string) {
	query := fmt.Sprintf("UPDATE accounts SET %s = NULL WHERE id = ?", column)
	s.db.Exec(query, accountID)
}
