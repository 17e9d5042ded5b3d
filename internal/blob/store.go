// Package blob implements the content-addressed message store (C3):
// insert-once raw bytes keyed by SHA-256, with a parsed-metadata cache
// that is a pure function of those bytes and may be rebuilt at any
// time.
package blob

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/logging"
)

// Store provides content-addressed insert and lookup of raw messages.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("blob")}
}

// IngestResult reports whether ingest created a new row or deduped to
// an existing one.
type IngestResult struct {
	BlobID  string
	WasNew  bool
	Partial bool
}

// Ingest computes the SHA-256 of raw, dedups against existing rows,
// and otherwise parses and inserts both the raw bytes and the parsed
// cache in a single statement (I-B1/I-B2/I-B3). tx ties the insert to
// the caller's location/cursor writes so all three commit atomically.
func (s *Store) Ingest(tx *sql.Tx, raw []byte) (*IngestResult, error) {
	if len(raw) > maxMessageBytes {
		return nil, archiveerr.New(archiveerr.KindTooLarge,
			fmt.Sprintf("message is %d bytes, exceeds limit of %d", len(raw), maxMessageBytes))
	}

	sum := sha256.Sum256(raw)
	sha256Hex := hex.EncodeToString(sum[:])

	existingID, err := s.findBySHA(tx, sha256Hex)
	if err != nil {
		return nil, err
	}
	if existingID != "" {
		return &IngestResult{BlobID: existingID, WasNew: false}, nil
	}

	parsed := parseMessage(raw)

	attachmentsJSON, err := json.Marshal(parsed.Attachments)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to marshal attachments: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.Exec(
		`INSERT INTO message_blobs (
			id, sha256_hex, byte_length, raw_bytes,
			subject, from_address, to_addresses, cc_addresses,
			date_header, date_normalized, plaintext_body, html_body_sanitized,
			attachments_json, snippet, parse_partial, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sha256Hex, len(raw), raw,
		nullableString(parsed.Subject), nullableString(parsed.FromAddress),
		nullableString(parsed.ToAddresses), nullableString(parsed.CCAddresses),
		nullableString(parsed.DateHeader), parsed.DateNormalized,
		nullableString(parsed.PlaintextBody), nullableString(parsed.HTMLBodySanitized),
		string(attachmentsJSON), nullableString(parsed.Snippet),
		boolToInt(parsed.Partial), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: insert failed: %w", err)
	}

	if parsed.Partial {
		s.log.Warn().Str("blob_id", id).Msg("Message stored with partial MIME parse")
	}

	return &IngestResult{BlobID: id, WasNew: true, Partial: parsed.Partial}, nil
}

// VerifyResult is the outcome of a full blob-integrity probe.
type VerifyResult struct {
	Checked int
	Corrupt []string
}

// VerifyAll recomputes SHA-256 over every stored blob's raw bytes and
// compares it against the recorded sha256_hex, detecting any byte-level
// tamper to the immutable store (I-B1/I-B2). It streams rows rather
// than loading the whole table, since raw_bytes can be large.
func (s *Store) VerifyAll() (VerifyResult, error) {
	var result VerifyResult

	rows, err := s.db.Query("SELECT id, sha256_hex, raw_bytes FROM message_blobs")
	if err != nil {
		return result, fmt.Errorf("blob: verify query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, want string
		var raw []byte
		if err := rows.Scan(&id, &want, &raw); err != nil {
			return result, fmt.Errorf("blob: verify scan failed: %w", err)
		}
		result.Checked++
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != want {
			result.Corrupt = append(result.Corrupt, id)
			s.log.Warn().Str("blob_id", id).Msg("Blob failed SHA-256 integrity probe")
		}
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("blob: verify iteration failed: %w", err)
	}

	return result, nil
}

func (s *Store) findBySHA(tx *sql.Tx, sha256Hex string) (string, error) {
	var id string
	err := tx.QueryRow("SELECT id FROM message_blobs WHERE sha256_hex = ?", sha256Hex).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blob: dedup lookup failed: %w", err)
	}
	return id, nil
}

// Get retrieves the full blob row, including raw bytes, by id.
func (s *Store) Get(id string) (*Blob, error) {
	var (
		b               Blob
		subject         sql.NullString
		from            sql.NullString
		to              sql.NullString
		cc              sql.NullString
		dateHeader      sql.NullString
		dateNormalized  sql.NullTime
		plaintext       sql.NullString
		html            sql.NullString
		attachmentsJSON string
		snippet         sql.NullString
		partial         int
	)

	err := s.db.QueryRow(
		`SELECT id, sha256_hex, byte_length, raw_bytes,
			subject, from_address, to_addresses, cc_addresses,
			date_header, date_normalized, plaintext_body, html_body_sanitized,
			attachments_json, snippet, parse_partial, created_at
		 FROM message_blobs WHERE id = ?`, id,
	).Scan(
		&b.ID, &b.SHA256Hex, &b.ByteLength, &b.RawBytes,
		&subject, &from, &to, &cc,
		&dateHeader, &dateNormalized, &plaintext, &html,
		&attachmentsJSON, &snippet, &partial, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob: %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get failed: %w", err)
	}

	b.Parsed = ParsedMessage{
		Subject:           subject.String,
		FromAddress:       from.String,
		ToAddresses:       to.String,
		CCAddresses:       cc.String,
		DateHeader:        dateHeader.String,
		PlaintextBody:     plaintext.String,
		HTMLBodySanitized: html.String,
		Snippet:           snippet.String,
		Partial:           partial != 0,
	}
	if dateNormalized.Valid {
		t := dateNormalized.Time
		b.Parsed.DateNormalized = &t
	}
	if err := json.Unmarshal([]byte(attachmentsJSON), &b.Parsed.Attachments); err != nil {
		return nil, fmt.Errorf("blob: failed to unmarshal attachments: %w", err)
	}

	return &b, nil
}

// RawEML returns the raw message bytes for a blob id, for .eml export.
func (s *Store) RawEML(id string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRow("SELECT raw_bytes FROM message_blobs WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob: %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: raw eml fetch failed: %w", err)
	}
	return raw, nil
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
