// Package search implements the archive's read-only query surface
// (C11): paginated listing, FTS5 full-text search, message detail
// reconstruction, and the aggregate stats an auditor or the shell asks
// for. Nothing here mutates the archive — all of it reads state
// maintained by blob, location, and eventlog.
package search

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/blob"
	"github.com/coldvault/archived/internal/logging"
)

// defaultSearchLimit caps FTS result count for UI responsiveness, per
// spec §4.11.
const defaultSearchLimit = 50

// ListRow is one row of a paginated, date-ordered listing.
type ListRow struct {
	BlobID         string
	AccountID      string
	MailboxID      string
	MailboxName    string
	UID            uint32
	Subject        string
	FromAddress    string
	DateNormalized *time.Time
	Snippet        string
	HasAttachments bool
	GoneFromServer bool
}

// SearchRow is one FTS5 match, BM25-ranked.
type SearchRow struct {
	ListRow
	Snippet string
	Rank    float64
}

// LocationRef is one placement of a blob, returned as part of Detail
// so a reader can see every mailbox a message was observed in.
type LocationRef struct {
	AccountID        string
	MailboxID        string
	MailboxName      string
	UID              uint32
	FirstSeenAt      time.Time
	GoneFromServerAt *time.Time
}

// Detail is the full reconstructed view of one message.
type Detail struct {
	Blob      *blob.Blob
	Locations []LocationRef
}

// Stats is an aggregate over the archive, optionally scoped to one account.
type Stats struct {
	MessageCount int64
	ByteSize     int64
}

// DateRange is the earliest and latest normalized message date in the archive.
type DateRange struct {
	Oldest *time.Time
	Newest *time.Time
}

// Store answers read-only queries over the archive.
type Store struct {
	db    *sql.DB
	blobs *blob.Store
	log   zerolog.Logger
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB, blobs *blob.Store) *Store {
	return &Store{db: db, blobs: blobs, log: logging.WithComponent("search")}
}

// ListMessages returns a page of messages, newest first, optionally
// scoped to an account and/or mailbox and filtered by an FTS query.
func (s *Store) ListMessages(accountID, mailboxName, query string, limit, offset int) ([]ListRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		clauses []string
		args    []any
	)
	from := `FROM message_locations l
		JOIN message_blobs b ON b.id = l.blob_id
		JOIN mailboxes mb ON mb.id = l.mailbox_id`

	if query != "" {
		from += ` JOIN messages_fts fts ON fts.rowid = b.rowid`
		clauses = append(clauses, "messages_fts MATCH ?")
		args = append(args, prepareFTSQuery(query))
	}
	if accountID != "" {
		clauses = append(clauses, "l.account_id = ?")
		args = append(args, accountID)
	}
	if mailboxName != "" {
		clauses = append(clauses, "mb.server_name = ?")
		args = append(args, mailboxName)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	stmt := fmt.Sprintf(`
		SELECT l.blob_id, l.account_id, l.mailbox_id, mb.server_name, l.uid,
			b.subject, b.from_address, b.date_normalized, b.snippet,
			b.attachments_json, l.gone_from_server_at
		%s
		%s
		ORDER BY b.date_normalized DESC, b.rowid DESC
		LIMIT ? OFFSET ?`, from, where)
	args = append(args, limit, offset)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("search: list query failed: %w", err)
	}
	defer rows.Close()

	var out []ListRow
	for rows.Next() {
		row, err := scanListRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SearchMessages runs an FTS5 MATCH query across subject, sender,
// recipients, and plaintext body, returning up to defaultSearchLimit
// hits ordered by BM25 relevance.
func (s *Store) SearchMessages(query string) ([]SearchRow, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ftsQuery := prepareFTSQuery(query)

	rows, err := s.db.Query(`
		SELECT l.blob_id, l.account_id, l.mailbox_id, mb.server_name, l.uid,
			b.subject, b.from_address, b.date_normalized,
			snippet(messages_fts, 3, '[', ']', '…', 12),
			b.attachments_json, l.gone_from_server_at,
			bm25(messages_fts) AS rank
		FROM messages_fts fts
		JOIN message_blobs b ON b.rowid = fts.rowid
		JOIN message_locations l ON l.blob_id = b.id
		JOIN mailboxes mb ON mb.id = l.mailbox_id
		WHERE messages_fts MATCH ?
		GROUP BY b.id
		ORDER BY rank
		LIMIT ?`, ftsQuery, defaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search: fts query failed: %w", err)
	}
	defer rows.Close()

	var out []SearchRow
	for rows.Next() {
		var (
			sr              SearchRow
			attachmentsJSON string
			dateNormalized  sql.NullTime
			goneAt          sql.NullTime
		)
		if err := rows.Scan(
			&sr.BlobID, &sr.AccountID, &sr.MailboxID, &sr.MailboxName, &sr.UID,
			&sr.Subject, &sr.FromAddress, &dateNormalized, &sr.Snippet,
			&attachmentsJSON, &goneAt, &sr.Rank,
		); err != nil {
			return nil, fmt.Errorf("search: fts scan failed: %w", err)
		}
		if dateNormalized.Valid {
			t := dateNormalized.Time
			sr.DateNormalized = &t
		}
		sr.GoneFromServer = goneAt.Valid
		sr.HasAttachments = attachmentsJSON != "[]" && attachmentsJSON != ""
		sr.ListRow.Snippet = sr.Snippet
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetMessageDetail returns the full parsed view of a blob plus every
// location it has ever been observed at.
func (s *Store) GetMessageDetail(blobID string) (*Detail, error) {
	b, err := s.blobs.Get(blobID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT l.account_id, l.mailbox_id, mb.server_name, l.uid, l.first_seen_at, l.gone_from_server_at
		FROM message_locations l
		JOIN mailboxes mb ON mb.id = l.mailbox_id
		WHERE l.blob_id = ?
		ORDER BY l.first_seen_at ASC`, blobID)
	if err != nil {
		return nil, fmt.Errorf("search: detail locations query failed: %w", err)
	}
	defer rows.Close()

	var locs []LocationRef
	for rows.Next() {
		var (
			ref    LocationRef
			uid    int64
			goneAt sql.NullTime
		)
		if err := rows.Scan(&ref.AccountID, &ref.MailboxID, &ref.MailboxName, &uid, &ref.FirstSeenAt, &goneAt); err != nil {
			return nil, fmt.Errorf("search: detail location scan failed: %w", err)
		}
		ref.UID = uint32(uid)
		if goneAt.Valid {
			t := goneAt.Time
			ref.GoneFromServerAt = &t
		}
		locs = append(locs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Detail{Blob: b, Locations: locs}, nil
}

// GetArchiveStats returns message count and total raw byte size,
// optionally scoped to one account.
func (s *Store) GetArchiveStats(accountID string) (Stats, error) {
	var stats Stats
	if accountID == "" {
		err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(byte_length), 0) FROM message_blobs`).
			Scan(&stats.MessageCount, &stats.ByteSize)
		if err != nil {
			return Stats{}, fmt.Errorf("search: stats query failed: %w", err)
		}
		return stats, nil
	}

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(byte_length), 0) FROM message_blobs
		WHERE id IN (SELECT DISTINCT blob_id FROM message_locations WHERE account_id = ?)`,
		accountID).Scan(&stats.MessageCount, &stats.ByteSize)
	if err != nil {
		return Stats{}, fmt.Errorf("search: scoped stats query failed: %w", err)
	}
	return stats, nil
}

// GetArchiveDateRange returns the oldest and newest normalized message
// dates in the archive.
func (s *Store) GetArchiveDateRange() (DateRange, error) {
	var oldest, newest sql.NullTime
	err := s.db.QueryRow(`SELECT MIN(date_normalized), MAX(date_normalized) FROM message_blobs`).
		Scan(&oldest, &newest)
	if err != nil {
		return DateRange{}, fmt.Errorf("search: date range query failed: %w", err)
	}
	var dr DateRange
	if oldest.Valid {
		t := oldest.Time
		dr.Oldest = &t
	}
	if newest.Valid {
		t := newest.Time
		dr.Newest = &t
	}
	return dr, nil
}

func scanListRow(rows *sql.Rows) (ListRow, error) {
	var (
		row             ListRow
		uid             int64
		dateNormalized  sql.NullTime
		snippet         sql.NullString
		attachmentsJSON string
		goneAt          sql.NullTime
	)
	if err := rows.Scan(
		&row.BlobID, &row.AccountID, &row.MailboxID, &row.MailboxName, &uid,
		&row.Subject, &row.FromAddress, &dateNormalized, &snippet,
		&attachmentsJSON, &goneAt,
	); err != nil {
		return ListRow{}, fmt.Errorf("search: list scan failed: %w", err)
	}
	row.UID = uint32(uid)
	row.Snippet = snippet.String
	row.HasAttachments = attachmentsJSON != "[]" && attachmentsJSON != ""
	row.GoneFromServer = goneAt.Valid
	if dateNormalized.Valid {
		t := dateNormalized.Time
		row.DateNormalized = &t
	}
	return row, nil
}

// prepareFTSQuery turns free-form user input into an FTS5 MATCH
// expression: each word is quoted and prefix-matched so a partial word
// still returns results, and embedded quotes are escaped rather than
// breaking the query.
func prepareFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	words := strings.Fields(query)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		escaped := strings.ReplaceAll(w, `"`, `""`)
		terms = append(terms, `"`+escaped+`"*`)
	}
	return strings.Join(terms, " ")
}

// EventRow is one row returned by ListEvents, a trimmed projection of
// eventlog.Event suitable for the list/CSV surfaces.
type EventRow struct {
	ID         int64
	OccurredAt time.Time
	Kind       string
	AccountID  string
	MailboxID  string
	Detail     string
}

// ListEvents returns a page of audit log events, optionally filtered
// by kind, newest first, along with the total matching count.
func (s *Store) ListEvents(kind string, limit, offset int) ([]EventRow, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := ""
	args := []any{}
	if kind != "" {
		where = "WHERE kind = ?"
		args = append(args, kind)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search: event count failed: %w", err)
	}

	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.Query(
		`SELECT id, occurred_at, kind, COALESCE(account_id, ''), COALESCE(mailbox_id, ''), detail_json
		 FROM events `+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search: event list failed: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Kind, &e.AccountID, &e.MailboxID, &e.Detail); err != nil {
			return nil, 0, fmt.Errorf("search: event scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ExportEventsCSV writes every event to a CSV file at path, ordered by
// id ascending so the file reads as history in order.
func (s *Store) ExportEventsCSV(path string) error {
	rows, err := s.db.Query(`
		SELECT id, occurred_at, kind, COALESCE(account_id, ''), COALESCE(mailbox_id, ''), detail_json, prev_hash, self_hash
		FROM events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("search: csv export query failed: %w", err)
	}
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("search: csv export create failed: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "occurred_at", "kind", "account_id", "mailbox_id", "detail_json", "prev_hash", "self_hash"}); err != nil {
		return err
	}

	for rows.Next() {
		var (
			id                                                    int64
			occurredAt                                            time.Time
			k, accountID, mailboxID, detail, prevHash, selfHash string
		)
		if err := rows.Scan(&id, &occurredAt, &k, &accountID, &mailboxID, &detail, &prevHash, &selfHash); err != nil {
			return fmt.Errorf("search: csv export scan failed: %w", err)
		}
		record := []string{
			fmt.Sprintf("%d", id), occurredAt.Format(time.RFC3339Nano), k,
			accountID, mailboxID, detail, prevHash, selfHash,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("search: csv export write failed: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}
