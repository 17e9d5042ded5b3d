package database

// Migration is one versioned, transactional schema change.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the strictly ordered list of schema upgrades. Entries
// are never edited after release; a new requirement gets a new,
// higher-numbered entry.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE accounts (
				id TEXT PRIMARY KEY,
				label TEXT NOT NULL,
				email_address TEXT NOT NULL,
				host TEXT NOT NULL,
				port INTEGER NOT NULL,
				username TEXT NOT NULL,
				auth_kind TEXT NOT NULL CHECK (auth_kind IN ('password','oauth2')),
				oauth_provider TEXT,
				disabled INTEGER NOT NULL DEFAULT 0,
				encrypted_password TEXT,
				encrypted_oauth_refresh_token TEXT,
				encrypted_oauth_access_token TEXT,
				oauth_access_token_expires_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE mailboxes (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				server_name TEXT NOT NULL,
				sync_enabled INTEGER NOT NULL DEFAULT 1,
				hard_excluded INTEGER NOT NULL DEFAULT 0,
				gobd_recommended INTEGER NOT NULL DEFAULT 0,
				uidvalidity INTEGER,
				last_seen_uid INTEGER NOT NULL DEFAULT 0,
				last_sync_at DATETIME,
				last_error TEXT,
				UNIQUE (account_id, server_name)
			);

			CREATE TABLE message_blobs (
				id TEXT PRIMARY KEY,
				sha256_hex TEXT NOT NULL UNIQUE,
				byte_length INTEGER NOT NULL,
				raw_bytes BLOB NOT NULL,
				subject TEXT,
				from_address TEXT,
				to_addresses TEXT,
				cc_addresses TEXT,
				date_header TEXT,
				date_normalized DATETIME,
				plaintext_body TEXT,
				html_body_sanitized TEXT,
				attachments_json TEXT NOT NULL DEFAULT '[]',
				snippet TEXT,
				parse_partial INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE message_locations (
				id TEXT PRIMARY KEY,
				blob_id TEXT NOT NULL REFERENCES message_blobs(id),
				account_id TEXT NOT NULL REFERENCES accounts(id),
				mailbox_id TEXT NOT NULL REFERENCES mailboxes(id),
				uidvalidity_epoch INTEGER NOT NULL,
				uid INTEGER NOT NULL,
				first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				gone_from_server_at DATETIME,
				UNIQUE (account_id, mailbox_id, uidvalidity_epoch, uid)
			);

			CREATE INDEX idx_message_locations_blob ON message_locations(blob_id);
			CREATE INDEX idx_message_blobs_date ON message_blobs(date_normalized);

			CREATE TABLE events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at DATETIME NOT NULL,
				kind TEXT NOT NULL,
				account_id TEXT REFERENCES accounts(id),
				mailbox_id TEXT REFERENCES mailboxes(id),
				detail_json TEXT NOT NULL,
				prev_hash TEXT NOT NULL,
				self_hash TEXT NOT NULL
			);

			CREATE TABLE proof_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id INTEGER NOT NULL REFERENCES events(id),
				self_hash TEXT NOT NULL,
				taken_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				row_count_digest TEXT NOT NULL
			);

			CREATE TABLE app_state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE VIRTUAL TABLE messages_fts USING fts5(
				subject,
				from_address,
				to_addresses,
				plaintext_body,
				content='message_blobs',
				content_rowid='rowid'
			);

			CREATE TRIGGER messages_fts_insert AFTER INSERT ON message_blobs BEGIN
				INSERT INTO messages_fts(rowid, subject, from_address, to_addresses, plaintext_body)
				VALUES (new.rowid, new.subject, new.from_address, new.to_addresses, new.plaintext_body);
			END;

			CREATE TRIGGER messages_fts_delete AFTER DELETE ON message_blobs BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, subject, from_address, to_addresses, plaintext_body)
				VALUES ('delete', old.rowid, old.subject, old.from_address, old.to_addresses, old.plaintext_body);
			END;

			CREATE TRIGGER messages_fts_update AFTER UPDATE ON message_blobs BEGIN
				INSERT INTO messages_fts(messages_fts, rowid, subject, from_address, to_addresses, plaintext_body)
				VALUES ('delete', old.rowid, old.subject, old.from_address, old.to_addresses, old.plaintext_body);
				INSERT INTO messages_fts(rowid, subject, from_address, to_addresses, plaintext_body)
				VALUES (new.rowid, new.subject, new.from_address, new.to_addresses, new.plaintext_body);
			END;
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE INDEX idx_events_kind ON events(kind);
			CREATE INDEX idx_mailboxes_account ON mailboxes(account_id);
		`,
	},
}
