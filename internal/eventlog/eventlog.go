// Package eventlog implements the archive's append-only, hash-chained
// audit trail. Every mutating operation elsewhere in the archive
// appends one event here; the chain lets a later verification pass, or
// an external auditor, detect any edit to history.
package eventlog

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/logging"
)

// Kind is the closed set of recognized event kinds. A new kind
// requires a schema/version bump, not a free-form string.
type Kind string

const (
	KindAppStarted             Kind = "app_started"
	KindSyncFinished           Kind = "sync_finished"
	KindCoverageGap            Kind = "coverage_gap"
	KindAccountCreated         Kind = "account_created"
	KindAccountRemoved         Kind = "account_removed"
	KindMailboxSyncChanged     Kind = "mailbox_sync_changed"
	KindMessageEMLExported     Kind = "message_eml_exported"
	KindAuditorExport          Kind = "auditor_export"
	KindDocumentationGenerated Kind = "documentation_generated"
	KindIntegrityCheck         Kind = "integrity_check"
)

// ZeroHash is the well-known prev_hash for the first event in a chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one row of the audit log.
type Event struct {
	ID         int64
	OccurredAt time.Time
	Kind       Kind
	AccountID  *string
	MailboxID  *string
	Detail     json.RawMessage
	PrevHash   string
	SelfHash   string
}

// Log appends and verifies events against a SQLite events table.
type Log struct {
	db  *sql.DB
	log zerolog.Logger

	// mu serializes Append across every caller so the tail-hash read
	// and the next-id insert never race between two concurrent
	// appenders (see Append).
	mu sync.Mutex
}

// New returns a Log backed by db.
func New(db *sql.DB) *Log {
	return &Log{db: db, log: logging.WithComponent("eventlog")}
}

// Append computes the next event's hash and inserts it inside the
// given transaction, so a caller can tie the audit entry to the same
// atomic commit as the mutation that triggered it (per spec.md's
// atomicity guarantee on ingest). Pass nil to use the log's own db
// directly for events with no co-committed mutation.
func (l *Log) Append(tx *sql.Tx, kind Kind, accountID, mailboxID *string, detail any) (*Event, error) {
	canonical, err := canonicalJSON(detail)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to canonicalize detail: %w", err)
	}

	exec := execer(l.db)
	if tx != nil {
		exec = tx
	}

	// The tail-hash read and the id-assigning insert must be atomic
	// with respect to every other Append call, not just the caller's
	// own transaction: concurrent account syncs each append their own
	// sync_finished event on the shared database, and SQLite's WAL
	// isolation does not by itself serialize two transactions' reads
	// of MAX(id) against each other's pending inserts. The in-process
	// mutex is the serialization point instead.
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.appendLocked(exec, kind, accountID, mailboxID, canonical)
}

func (l *Log) appendLocked(exec execer, kind Kind, accountID, mailboxID *string, canonical json.RawMessage) (*Event, error) {
	prevHash, err := l.tailHash(exec)
	if err != nil {
		return nil, err
	}

	occurredAt := time.Now().UTC()

	var nextID int64
	row := exec.QueryRow("SELECT COALESCE(MAX(id), 0) + 1 FROM events")
	if err := row.Scan(&nextID); err != nil {
		return nil, fmt.Errorf("eventlog: failed to compute next id: %w", err)
	}

	selfHash := computeHash(prevHash, nextID, occurredAt, kind, canonical)

	res, err := exec.Exec(
		`INSERT INTO events (id, occurred_at, kind, account_id, mailbox_id, detail_json, prev_hash, self_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nextID, occurredAt, string(kind), accountID, mailboxID, string(canonical), prevHash, selfHash,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: insert failed: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		nextID = id
	}

	return &Event{
		ID:         nextID,
		OccurredAt: occurredAt,
		Kind:       kind,
		AccountID:  accountID,
		MailboxID:  mailboxID,
		Detail:     canonical,
		PrevHash:   prevHash,
		SelfHash:   selfHash,
	}, nil
}

// execer is the subset of *sql.DB / *sql.Tx that Append needs.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (l *Log) tailHash(exec execer) (string, error) {
	var hash sql.NullString
	row := exec.QueryRow("SELECT self_hash FROM events ORDER BY id DESC LIMIT 1")
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return ZeroHash, nil
		}
		return "", fmt.Errorf("eventlog: failed to read tail hash: %w", err)
	}
	if !hash.Valid {
		return ZeroHash, nil
	}
	return hash.String, nil
}

func computeHash(prevHash string, id int64, occurredAt time.Time, kind Kind, detail json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	fmt.Fprintf(h, "%d", id)
	h.Write([]byte(occurredAt.Format(time.RFC3339Nano)))
	h.Write([]byte(kind))
	h.Write(detail)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON marshals v with sorted object keys and no insignificant
// whitespace so hashes are reproducible regardless of map iteration
// order or formatting.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	OK       bool
	BrokenAt int64
}

// VerifyChain recomputes every event hash from fromID to the tail and
// compares it against the stored self_hash, and checks that each
// prev_hash matches the preceding event's self_hash.
func (l *Log) VerifyChain(fromID int64) (VerifyResult, error) {
	if fromID < 1 {
		fromID = 1
	}

	rows, err := l.db.Query(
		`SELECT id, occurred_at, kind, detail_json, prev_hash, self_hash
		 FROM events WHERE id >= ? ORDER BY id ASC`, fromID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("eventlog: query failed: %w", err)
	}
	defer rows.Close()

	expectedPrev := ZeroHash
	if fromID > 1 {
		if err := l.db.QueryRow("SELECT self_hash FROM events WHERE id = ?", fromID-1).Scan(&expectedPrev); err != nil {
			return VerifyResult{}, fmt.Errorf("eventlog: failed to read preceding hash: %w", err)
		}
	}

	for rows.Next() {
		var (
			id         int64
			occurredAt time.Time
			kind       string
			detail     string
			prevHash   string
			selfHash   string
		)
		if err := rows.Scan(&id, &occurredAt, &kind, &detail, &prevHash, &selfHash); err != nil {
			return VerifyResult{}, fmt.Errorf("eventlog: scan failed: %w", err)
		}

		if prevHash != expectedPrev {
			return VerifyResult{OK: false, BrokenAt: id}, nil
		}

		recomputed := computeHash(prevHash, id, occurredAt, Kind(kind), json.RawMessage(detail))
		if recomputed != selfHash {
			return VerifyResult{OK: false, BrokenAt: id}, nil
		}

		expectedPrev = selfHash
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("eventlog: row iteration failed: %w", err)
	}

	return VerifyResult{OK: true}, nil
}

// ProofSnapshot is a portable, comparable checkpoint of chain state.
type ProofSnapshot struct {
	EventID        int64
	SelfHash       string
	TakenAt        time.Time
	RowCountDigest string
}

// SnapshotProof captures the current tail id/hash plus a digest of
// table row counts, and persists it to proof_snapshots.
func (l *Log) SnapshotProof() (*ProofSnapshot, error) {
	var tailID sql.NullInt64
	var tailHash sql.NullString
	if err := l.db.QueryRow("SELECT id, self_hash FROM events ORDER BY id DESC LIMIT 1").Scan(&tailID, &tailHash); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("eventlog: failed to read tail: %w", err)
	}

	digest, err := l.rowCountDigest()
	if err != nil {
		return nil, err
	}

	snap := &ProofSnapshot{
		EventID:        tailID.Int64,
		SelfHash:       tailHash.String,
		TakenAt:        time.Now().UTC(),
		RowCountDigest: digest,
	}

	if _, err := l.db.Exec(
		`INSERT INTO proof_snapshots (event_id, self_hash, taken_at, row_count_digest) VALUES (?, ?, ?, ?)`,
		snap.EventID, snap.SelfHash, snap.TakenAt, snap.RowCountDigest,
	); err != nil {
		return nil, fmt.Errorf("eventlog: failed to persist proof snapshot: %w", err)
	}

	return snap, nil
}

func (l *Log) rowCountDigest() (string, error) {
	tables := []string{"accounts", "mailboxes", "message_blobs", "message_locations", "events"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := l.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return "", fmt.Errorf("eventlog: failed to count %s: %w", table, err)
		}
		counts[table] = count
	}

	canonical, err := canonicalJSON(counts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// LatestProofSnapshot returns the most recently persisted snapshot, if any.
func (l *Log) LatestProofSnapshot() (*ProofSnapshot, error) {
	snap := &ProofSnapshot{}
	err := l.db.QueryRow(
		`SELECT event_id, self_hash, taken_at, row_count_digest FROM proof_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&snap.EventID, &snap.SelfHash, &snap.TakenAt, &snap.RowCountDigest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to read latest proof snapshot: %w", err)
	}
	return snap, nil
}
