package blob

import (
	"bytes"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const sampleMessage = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: Hello\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\n\r\nBody text.\r\n"

func TestIngest_NewMessageIsStoredAndRetrievable(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db.DB)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin() = %v", err)
	}
	defer tx.Rollback()

	result, err := store.Ingest(tx, []byte(sampleMessage))
	if err != nil {
		t.Fatalf("Ingest() = %v", err)
	}
	if !result.WasNew {
		t.Error("WasNew = false on first ingest")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}

	got, err := store.Get(result.BlobID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !bytes.Equal(got.RawBytes, []byte(sampleMessage)) {
		t.Error("RawBytes round-trip mismatch")
	}
	if got.Parsed.Subject != "Hello" {
		t.Errorf("Parsed.Subject = %q, want %q", got.Parsed.Subject, "Hello")
	}
}

func TestIngest_DuplicateBytesDedupeToSameID(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db.DB)

	ingestOnce := func() *IngestResult {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("Begin() = %v", err)
		}
		defer tx.Rollback()
		r, err := store.Ingest(tx, []byte(sampleMessage))
		if err != nil {
			t.Fatalf("Ingest() = %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit() = %v", err)
		}
		return r
	}

	first := ingestOnce()
	second := ingestOnce()

	if second.WasNew {
		t.Error("WasNew = true on duplicate ingest, want false")
	}
	if first.BlobID != second.BlobID {
		t.Errorf("duplicate ingest produced a different id: %s vs %s", first.BlobID, second.BlobID)
	}
}

func TestIngest_OversizeMessageRejected(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db.DB)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin() = %v", err)
	}
	defer tx.Rollback()

	oversize := make([]byte, maxMessageBytes+1)
	_, err = store.Ingest(tx, oversize)
	if err == nil {
		t.Fatal("Ingest() = nil error for oversize message, want error")
	}
	if !archiveerr.Is(err, archiveerr.KindTooLarge) {
		t.Errorf("Ingest() error kind = %v, want KindTooLarge", err)
	}
}

func TestRawEML_MissingIDReturnsNoRows(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db.DB)

	_, err := store.RawEML("does-not-exist")
	if err == nil {
		t.Fatal("RawEML() = nil error for missing id, want error")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("RawEML() error = %v, want one wrapping sql.ErrNoRows", err)
	}
}
