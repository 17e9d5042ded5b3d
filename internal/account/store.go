// Package account persists remote mailstore configuration. Secrets are
// never stored here — only a logical reference resolved through
// internal/credentials.
package account

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/logging"
)

// AuthKind selects how an account authenticates to its IMAP server.
type AuthKind string

const (
	AuthKindPassword AuthKind = "password"
	AuthKindOAuth2   AuthKind = "oauth2"
)

// Account identifies a remote mailstore. An account row is never
// deleted — it is marked disabled — so historical message locations
// keep a valid foreign key.
type Account struct {
	ID            string
	Label         string
	EmailAddress  string
	Host          string
	Port          int
	Username      string
	AuthKind      AuthKind
	OAuthProvider string
	Disabled      bool
	CreatedAt     time.Time
}

// ErrNotFound is returned when an account id does not exist.
var ErrNotFound = errors.New("account: not found")

// Store provides CRUD access to the accounts table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("account")}
}

// Create inserts a new account, generating its id.
func (s *Store) Create(a Account) (*Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AuthKind == "" {
		a.AuthKind = AuthKindPassword
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO accounts (id, label, email_address, host, port, username, auth_kind, oauth_provider, disabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.Label, a.EmailAddress, a.Host, a.Port, a.Username, string(a.AuthKind), nullableString(a.OAuthProvider), a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("account: create failed: %w", err)
	}

	s.log.Info().Str("account_id", a.ID).Str("host", a.Host).Msg("Account created")
	return &a, nil
}

// Get retrieves an account by id.
func (s *Store) Get(id string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, label, email_address, host, port, username, auth_kind, oauth_provider, disabled, created_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// List returns every account, including disabled ones.
func (s *Store) List() ([]*Account, error) {
	rows, err := s.db.Query(
		`SELECT id, label, email_address, host, port, username, auth_kind, oauth_provider, disabled, created_at
		 FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("account: list failed: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListEnabled returns every account with disabled = 0, the set the
// scheduler dispatches sync tasks for.
func (s *Store) ListEnabled() ([]*Account, error) {
	rows, err := s.db.Query(
		`SELECT id, label, email_address, host, port, username, auth_kind, oauth_provider, disabled, created_at
		 FROM accounts WHERE disabled = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("account: list enabled failed: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Disable marks an account disabled without deleting its row, per the
// archive's never-destroy lifecycle for accounts.
func (s *Store) Disable(id string) error {
	res, err := s.db.Exec("UPDATE accounts SET disabled = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("account: disable failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOAuthAccessTokenExpiry records when the cached OAuth access token
// (held by the credentials store, not here) expires, so the token
// manager can decide whether a login needs a refresh first.
func (s *Store) SetOAuthAccessTokenExpiry(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE accounts SET oauth_access_token_expires_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("account: set oauth expiry failed: %w", err)
	}
	return nil
}

// GetOAuthAccessTokenExpiry returns the stored expiry, or nil if none
// has been recorded yet (e.g. before the first token mint).
func (s *Store) GetOAuthAccessTokenExpiry(id string) (*time.Time, error) {
	var expiresAt sql.NullTime
	err := s.db.QueryRow("SELECT oauth_access_token_expires_at FROM accounts WHERE id = ?", id).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account: get oauth expiry failed: %w", err)
	}
	if !expiresAt.Valid {
		return nil, nil
	}
	t := expiresAt.Time
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a, err := scanAccountRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAccountRows(row scanner) (*Account, error) {
	var (
		a             Account
		authKind      string
		oauthProvider sql.NullString
		disabled      int
	)
	if err := row.Scan(&a.ID, &a.Label, &a.EmailAddress, &a.Host, &a.Port, &a.Username, &authKind, &oauthProvider, &disabled, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.AuthKind = AuthKind(authKind)
	a.OAuthProvider = oauthProvider.String
	a.Disabled = disabled != 0
	return &a, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
