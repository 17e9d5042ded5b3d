package integrity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coldvault/archived/internal/blob"
	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/search"
)

// ManifestEntry is one row of the auditor export's index manifest,
// keyed by the same SHA-256 an auditor can independently recompute
// from the accompanying .eml file.
type ManifestEntry struct {
	SHA256  string `json:"sha256"`
	Account string `json:"account"`
	Mailbox string `json:"mailbox"`
	UID     uint32 `json:"uid"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
	Path    string `json:"path"`
}

// ExportResult reports where each constituent of the auditor bundle
// was written. Zipping the directory into a single archive, if
// desired, is left to the caller.
type ExportResult struct {
	Dir               string
	ManifestPath      string
	EventsCSVPath     string
	ProofSnapshotPath string
	MessageCount      int
}

// Exporter assembles the auditor export bundle: every raw message
// grouped by account/mailbox, an index manifest, the full event log,
// and the latest proof snapshot. The bundle does not contain a
// procedural-documentation file: neither Export nor its RPC caller
// copies one into the export directory.
type Exporter struct {
	db     *sql.DB
	blobs  *blob.Store
	search *search.Store
	events *eventlog.Log
}

// NewExporter builds an Exporter over the archive's stores.
func NewExporter(db *sql.DB, blobs *blob.Store, searchStore *search.Store, events *eventlog.Log) *Exporter {
	return &Exporter{db: db, blobs: blobs, search: searchStore, events: events}
}

// Export writes the bundle to dir, creating it if necessary. A fresh
// proof snapshot is taken first so the bundle's certificate reflects
// the exact state being exported, and an auditor_export event is
// appended once every file is written.
func (e *Exporter) Export(dir string) (*ExportResult, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("integrity: failed to create export dir: %w", err)
	}

	snap, err := e.events.SnapshotProof()
	if err != nil {
		return nil, fmt.Errorf("integrity: failed to take proof snapshot before export: %w", err)
	}

	messagesDir := filepath.Join(dir, "messages")
	if err := os.MkdirAll(messagesDir, 0o700); err != nil {
		return nil, fmt.Errorf("integrity: failed to create messages dir: %w", err)
	}

	manifest, err := e.writeRawMessages(messagesDir)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	if err := writeJSON(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("integrity: failed to write manifest: %w", err)
	}

	eventsCSVPath := filepath.Join(dir, "events.csv")
	if err := e.search.ExportEventsCSV(eventsCSVPath); err != nil {
		return nil, fmt.Errorf("integrity: failed to export events csv: %w", err)
	}

	proofPath := filepath.Join(dir, "proof_snapshot.json")
	if err := writeJSON(proofPath, snap); err != nil {
		return nil, fmt.Errorf("integrity: failed to write proof snapshot: %w", err)
	}

	detail := map[string]any{
		"dir":           dir,
		"message_count": len(manifest),
		"event_id":      snap.EventID,
	}
	if _, err := e.events.Append(nil, eventlog.KindAuditorExport, nil, nil, detail); err != nil {
		return nil, fmt.Errorf("integrity: failed to append auditor_export event: %w", err)
	}

	return &ExportResult{
		Dir:               dir,
		ManifestPath:      manifestPath,
		EventsCSVPath:     eventsCSVPath,
		ProofSnapshotPath: proofPath,
		MessageCount:      len(manifest),
	}, nil
}

// writeRawMessages streams every message location out to
// messages/<account>/<mailbox>/<uid>-<sha256prefix>.eml and returns
// the manifest entry for each.
func (e *Exporter) writeRawMessages(messagesDir string) ([]ManifestEntry, error) {
	rows, err := e.db.Query(`
		SELECT l.uid, a.label, mb.server_name, b.id, b.sha256_hex, b.subject, b.date_header
		FROM message_locations l
		JOIN accounts a ON a.id = l.account_id
		JOIN mailboxes mb ON mb.id = l.mailbox_id
		JOIN message_blobs b ON b.id = l.blob_id
		ORDER BY a.label, mb.server_name, l.uid`)
	if err != nil {
		return nil, fmt.Errorf("integrity: failed to list locations for export: %w", err)
	}
	defer rows.Close()

	var manifest []ManifestEntry
	for rows.Next() {
		var (
			uid                                int64
			accountLabel, mailboxName, blobID string
			sha256Hex, subject, dateHeader    sql.NullString
		)
		if err := rows.Scan(&uid, &accountLabel, &mailboxName, &blobID, &sha256Hex, &subject, &dateHeader); err != nil {
			return nil, fmt.Errorf("integrity: failed to scan export row: %w", err)
		}

		raw, err := e.blobs.RawEML(blobID)
		if err != nil {
			return nil, fmt.Errorf("integrity: failed to read raw bytes for %s: %w", blobID, err)
		}

		accountDir := filepath.Join(messagesDir, sanitizeSegment(accountLabel), sanitizeSegment(mailboxName))
		if err := os.MkdirAll(accountDir, 0o700); err != nil {
			return nil, fmt.Errorf("integrity: failed to create %s: %w", accountDir, err)
		}

		filename := fmt.Sprintf("%06d-%s.eml", uid, sha256Hex.String[:12])
		fullPath := filepath.Join(accountDir, filename)
		if err := os.WriteFile(fullPath, raw, 0o600); err != nil {
			return nil, fmt.Errorf("integrity: failed to write %s: %w", fullPath, err)
		}

		rel, err := filepath.Rel(filepath.Dir(messagesDir), fullPath)
		if err != nil {
			rel = fullPath
		}

		manifest = append(manifest, ManifestEntry{
			SHA256:  sha256Hex.String,
			Account: accountLabel,
			Mailbox: mailboxName,
			UID:     uint32(uid),
			Date:    dateHeader.String,
			Subject: subject.String,
			Path:    rel,
		})
	}
	return manifest, rows.Err()
}

// sanitizeSegment strips path separators from a label so it can be
// used as a directory component without escaping the export root.
func sanitizeSegment(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '/', '\\', 0:
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 || isAllDots(out) {
		return "_"
	}
	return string(out)
}

// isAllDots reports whether a sanitized segment is "." or ".." (or a
// longer run of dots) — neither contains a path separator, so the
// separator strip above lets them through unchanged, but either one
// still resolves to a parent or the directory itself when joined.
func isAllDots(runes []rune) bool {
	for _, r := range runes {
		if r != '.' {
			return false
		}
	}
	return true
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExportSingleEML writes one message's raw bytes to path for the
// single-message .eml export command, and appends the corresponding
// event.
func (e *Exporter) ExportSingleEML(blobID, path string) error {
	raw, err := e.blobs.RawEML(blobID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("integrity: failed to write eml: %w", err)
	}

	detail := map[string]any{"blob_id": blobID, "path": path}
	if _, err := e.events.Append(nil, eventlog.KindMessageEMLExported, nil, nil, detail); err != nil {
		return fmt.Errorf("integrity: failed to append message_eml_exported event: %w", err)
	}
	return nil
}

// Timestamped returns a default export directory name under base,
// stamped with the given time so repeated exports don't collide.
func Timestamped(base string, at time.Time) string {
	return filepath.Join(base, "auditor-export-"+at.UTC().Format("20060102-150405"))
}
