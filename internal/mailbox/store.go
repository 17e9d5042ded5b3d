// Package mailbox persists remote folder state: sync flags and the
// cursor fields consumed by internal/cursor.
package mailbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/logging"
)

// Mailbox is a remote folder within an account.
type Mailbox struct {
	ID              string
	AccountID       string
	ServerName      string
	SyncEnabled     bool
	HardExcluded    bool
	GoBDRecommended bool
	UIDValidity     *uint32
	LastSeenUID     uint32
	LastSyncAt      *time.Time
	LastError       string
}

// ErrNotFound is returned when a mailbox id does not exist.
var ErrNotFound = errors.New("mailbox: not found")

// Store provides CRUD access to the mailboxes table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("mailbox")}
}

// EnsureDiscovered inserts a mailbox row for a server folder name if
// one does not already exist for the account, matching the
// discovered-on-connect lifecycle: the row persists across sessions
// once created.
func (s *Store) EnsureDiscovered(accountID, serverName string, hardExcluded bool) (*Mailbox, error) {
	existing, err := s.GetByServerName(accountID, serverName)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mb := &Mailbox{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		ServerName:   serverName,
		SyncEnabled:  !hardExcluded,
		HardExcluded: hardExcluded,
	}

	_, err = s.db.Exec(
		`INSERT INTO mailboxes (id, account_id, server_name, sync_enabled, hard_excluded, gobd_recommended, last_seen_uid)
		 VALUES (?, ?, ?, ?, ?, 0, 0)`,
		mb.ID, mb.AccountID, mb.ServerName, boolToInt(mb.SyncEnabled), boolToInt(mb.HardExcluded),
	)
	if err != nil {
		return nil, fmt.Errorf("mailbox: discover failed: %w", err)
	}
	return mb, nil
}

// GetByServerName finds a mailbox by (account, server folder name).
func (s *Store) GetByServerName(accountID, serverName string) (*Mailbox, error) {
	row := s.db.QueryRow(
		`SELECT id, account_id, server_name, sync_enabled, hard_excluded, gobd_recommended, uidvalidity, last_seen_uid, last_sync_at, last_error
		 FROM mailboxes WHERE account_id = ? AND server_name = ?`, accountID, serverName)
	return scanMailbox(row)
}

// ListForAccount returns every mailbox row for an account.
func (s *Store) ListForAccount(accountID string) ([]*Mailbox, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, server_name, sync_enabled, hard_excluded, gobd_recommended, uidvalidity, last_seen_uid, last_sync_at, last_error
		 FROM mailboxes WHERE account_id = ? ORDER BY server_name ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("mailbox: list failed: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		mb, err := scanMailboxRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

// SetSyncEnabled toggles whether the scheduler includes this mailbox.
func (s *Store) SetSyncEnabled(id string, enabled bool) error {
	res, err := s.db.Exec("UPDATE mailboxes SET sync_enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("mailbox: set sync enabled failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetCursor clears uidvalidity and last_seen_uid, forcing a full
// rescan on the mailbox's next sync. Historical locations are left in
// place: only the cursor is touched.
func (s *Store) ResetCursor(id string) error {
	res, err := s.db.Exec("UPDATE mailboxes SET uidvalidity = NULL, last_seen_uid = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mailbox: reset cursor failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastError records the last sync failure, or clears it on success
// when msg is empty.
func (s *Store) SetLastError(id, msg string) error {
	_, err := s.db.Exec("UPDATE mailboxes SET last_error = ? WHERE id = ?", nullableString(msg), id)
	if err != nil {
		return fmt.Errorf("mailbox: set last error failed: %w", err)
	}
	return nil
}

// MarkSynced stamps last_sync_at and clears last_error.
func (s *Store) MarkSynced(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE mailboxes SET last_sync_at = ?, last_error = NULL WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("mailbox: mark synced failed: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMailbox(row scanner) (*Mailbox, error) {
	mb, err := scanMailboxRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mb, err
}

func scanMailboxRows(row scanner) (*Mailbox, error) {
	var (
		mb           Mailbox
		syncEnabled  int
		hardExcluded int
		gobd         int
		uidValidity  sql.NullInt64
		lastSeenUID  int64
		lastSyncAt   sql.NullTime
		lastError    sql.NullString
	)
	if err := row.Scan(&mb.ID, &mb.AccountID, &mb.ServerName, &syncEnabled, &hardExcluded, &gobd, &uidValidity, &lastSeenUID, &lastSyncAt, &lastError); err != nil {
		return nil, err
	}
	mb.SyncEnabled = syncEnabled != 0
	mb.HardExcluded = hardExcluded != 0
	mb.GoBDRecommended = gobd != 0
	if uidValidity.Valid {
		v := uint32(uidValidity.Int64)
		mb.UIDValidity = &v
	}
	mb.LastSeenUID = uint32(lastSeenUID)
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		mb.LastSyncAt = &t
	}
	mb.LastError = lastError.String
	return &mb, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
