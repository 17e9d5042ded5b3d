// Package cursor implements the per-mailbox (uidvalidity, last_seen_uid)
// bookkeeping described in spec §4.5: cursor advance happens inside the
// same transaction as the blob and location writes, and a server-side
// UIDVALIDITY change resets the cursor to a fresh epoch.
package cursor

import (
	"database/sql"
	"fmt"
)

// State is the cursor for one mailbox.
type State struct {
	UIDValidity uint32
	LastSeenUID uint32
}

// Load reads the persisted cursor for a mailbox.
func Load(db *sql.DB, mailboxID string) (State, error) {
	var (
		uidValidity sql.NullInt64
		lastSeenUID int64
	)
	err := db.QueryRow("SELECT uidvalidity, last_seen_uid FROM mailboxes WHERE id = ?", mailboxID).
		Scan(&uidValidity, &lastSeenUID)
	if err != nil {
		return State{}, fmt.Errorf("cursor: load failed: %w", err)
	}

	var v uint32
	if uidValidity.Valid {
		v = uint32(uidValidity.Int64)
	}
	return State{UIDValidity: v, LastSeenUID: uint32(lastSeenUID)}, nil
}

// ResetEpoch persists a new uidvalidity and resets last_seen_uid to 0,
// inside tx, when the server reports a uidvalidity that differs from
// what is on record (or none was on record yet).
func ResetEpoch(tx *sql.Tx, mailboxID string, newUIDValidity uint32) error {
	_, err := tx.Exec(
		"UPDATE mailboxes SET uidvalidity = ?, last_seen_uid = 0 WHERE id = ?",
		newUIDValidity, mailboxID,
	)
	if err != nil {
		return fmt.Errorf("cursor: reset epoch failed: %w", err)
	}
	return nil
}

// Advance moves last_seen_uid forward to max(current, uid), inside
// tx, so it commits atomically with the blob/location writes for that
// message.
func Advance(tx *sql.Tx, mailboxID string, uid uint32) error {
	_, err := tx.Exec(
		"UPDATE mailboxes SET last_seen_uid = MAX(last_seen_uid, ?) WHERE id = ?",
		uid, mailboxID,
	)
	if err != nil {
		return fmt.Errorf("cursor: advance failed: %w", err)
	}
	return nil
}
