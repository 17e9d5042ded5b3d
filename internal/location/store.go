// Package location implements the location index (C4): the mapping
// from (account, mailbox, uidvalidity epoch, UID) to a blob, including
// server-side disappearance tracking.
package location

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/logging"
)

// Location is one placement of a blob at a mailbox coordinate.
type Location struct {
	ID               string
	BlobID           string
	AccountID        string
	MailboxID        string
	UIDValidityEpoch uint32
	UID              uint32
	FirstSeenAt      time.Time
	GoneFromServerAt *time.Time
}

// Store provides access to the message_locations table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("location")}
}

// RecordLocation inserts a location row inside tx, enforcing the
// (account, mailbox, uidvalidity_epoch, uid) uniqueness invariant. If
// the coordinate is already recorded (re-sync of an already-ingested
// UID), the existing row is returned unchanged rather than erroring.
func (s *Store) RecordLocation(tx *sql.Tx, accountID, mailboxID string, uidValidityEpoch, uid uint32, blobID string) (*Location, error) {
	existing, err := s.getByCoordinate(tx, accountID, mailboxID, uidValidityEpoch, uid)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	loc := &Location{
		ID:               uuid.NewString(),
		BlobID:           blobID,
		AccountID:        accountID,
		MailboxID:        mailboxID,
		UIDValidityEpoch: uidValidityEpoch,
		UID:              uid,
		FirstSeenAt:      time.Now().UTC(),
	}

	_, err = tx.Exec(
		`INSERT INTO message_locations (id, blob_id, account_id, mailbox_id, uidvalidity_epoch, uid, first_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		loc.ID, loc.BlobID, loc.AccountID, loc.MailboxID, loc.UIDValidityEpoch, loc.UID, loc.FirstSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("location: insert failed: %w", err)
	}

	return loc, nil
}

func (s *Store) getByCoordinate(tx *sql.Tx, accountID, mailboxID string, epoch, uid uint32) (*Location, error) {
	row := tx.QueryRow(
		`SELECT id, blob_id, account_id, mailbox_id, uidvalidity_epoch, uid, first_seen_at, gone_from_server_at
		 FROM message_locations WHERE account_id = ? AND mailbox_id = ? AND uidvalidity_epoch = ? AND uid = ?`,
		accountID, mailboxID, epoch, uid,
	)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return loc, err
}

// MarkGone sets gone_from_server_at = now for every location under the
// given (account, mailbox, epoch) whose UID is not in stillPresent.
// Blobs are never deleted — only the location row is annotated.
func (s *Store) MarkGone(accountID, mailboxID string, epoch uint32, stillPresent map[uint32]bool) (int, error) {
	rows, err := s.db.Query(
		`SELECT uid FROM message_locations
		 WHERE account_id = ? AND mailbox_id = ? AND uidvalidity_epoch = ? AND gone_from_server_at IS NULL`,
		accountID, mailboxID, epoch,
	)
	if err != nil {
		return 0, fmt.Errorf("location: mark-gone query failed: %w", err)
	}
	var toMark []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("location: mark-gone scan failed: %w", err)
		}
		if !stillPresent[uid] {
			toMark = append(toMark, uid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, uid := range toMark {
		if _, err := s.db.Exec(
			`UPDATE message_locations SET gone_from_server_at = ?
			 WHERE account_id = ? AND mailbox_id = ? AND uidvalidity_epoch = ? AND uid = ?`,
			now, accountID, mailboxID, epoch, uid,
		); err != nil {
			return 0, fmt.Errorf("location: mark-gone update failed: %w", err)
		}
	}

	return len(toMark), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(row scanner) (*Location, error) {
	var (
		loc         Location
		goneAt      sql.NullTime
		epoch       int64
		uid         int64
	)
	if err := row.Scan(&loc.ID, &loc.BlobID, &loc.AccountID, &loc.MailboxID, &epoch, &uid, &loc.FirstSeenAt, &goneAt); err != nil {
		return nil, err
	}
	loc.UIDValidityEpoch = uint32(epoch)
	loc.UID = uint32(uid)
	if goneAt.Valid {
		t := goneAt.Time
		loc.GoneFromServerAt = &t
	}
	return &loc, nil
}
