// Package sync drives the per-mailbox synchronization loop: select the
// remote folder, discover new UIDs since the last cursor, fetch each
// message with BODY.PEEK[], ingest it into the content-addressed store,
// record its location, advance the cursor, and detect server-side
// deletions — all inside one set of transactions per batch so a crash
// mid-sync never leaves the blob/location/cursor state inconsistent.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/account"
	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/blob"
	"github.com/coldvault/archived/internal/cursor"
	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/imap"
	"github.com/coldvault/archived/internal/location"
	"github.com/coldvault/archived/internal/logging"
	"github.com/coldvault/archived/internal/mailbox"
)

// batchSize is the default number of UIDs fetched per FETCH command.
const batchSize = 50

// maxAttempts is how many attempts in total (the first try plus up to
// two retries) a mailbox sync makes when it keeps failing with a
// transient connection error, before giving up for this run.
const maxAttempts = 3

// Engine orchestrates sync for one account at a time. It is safe to
// call Account concurrently for different account ids, but the caller
// (the scheduler) is responsible for not overlapping calls for the
// same account.
type Engine struct {
	db       *sql.DB
	pool     *imap.Pool
	accounts *account.Store
	mailboxes *mailbox.Store
	blobs    *blob.Store
	locations *location.Store
	events   *eventlog.Log
	log      zerolog.Logger

	onProgress ProgressCallback
}

// NewEngine builds a sync engine wired to the archive's stores and an
// IMAP connection pool.
func NewEngine(db *sql.DB, pool *imap.Pool, accounts *account.Store, mailboxes *mailbox.Store, blobs *blob.Store, locations *location.Store, events *eventlog.Log) *Engine {
	return &Engine{
		db:        db,
		pool:      pool,
		accounts:  accounts,
		mailboxes: mailboxes,
		blobs:     blobs,
		locations: locations,
		events:    events,
		log:       logging.WithComponent("sync"),
	}
}

// SetProgressCallback installs a callback invoked once after each
// fetched batch of UIDs, not after every single message.
func (e *Engine) SetProgressCallback(cb ProgressCallback) {
	e.onProgress = cb
}

// Account syncs every sync-enabled mailbox discovered for an account.
// Mailboxes not yet discovered are found via LIST and created with
// EnsureDiscovered before their turn to sync.
func (e *Engine) Account(ctx context.Context, accountID string) error {
	acc, err := e.accounts.Get(accountID)
	if err != nil {
		return fmt.Errorf("sync: failed to load account: %w", err)
	}
	if acc.Disabled {
		return nil
	}

	conn, err := e.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("sync: failed to acquire connection: %w", err)
	}
	client := conn.Client()

	if err := e.discoverMailboxes(accountID, client); err != nil {
		e.pool.Release(conn)
		return fmt.Errorf("sync: mailbox discovery failed: %w", err)
	}

	boxes, err := e.mailboxes.ListForAccount(accountID)
	if err != nil {
		e.pool.Release(conn)
		return fmt.Errorf("sync: failed to list mailboxes: %w", err)
	}

	var toSync []*mailbox.Mailbox
	for _, mb := range boxes {
		if mb.SyncEnabled && !mb.HardExcluded {
			toSync = append(toSync, mb)
		}
	}

	var firstErr error
	for i, mb := range toSync {
		if err := ctx.Err(); err != nil {
			e.pool.Discard(conn)
			return err
		}

		if err := e.syncMailboxWithRetry(ctx, client, acc, mb, i, len(toSync)); err != nil {
			e.log.Error().Err(err).Str("mailbox", mb.ServerName).Msg("Mailbox sync failed")
			e.mailboxes.SetLastError(mb.ID, err.Error())
			if imap.IsConnectionError(err) {
				e.pool.Discard(conn)
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.mailboxes.SetLastError(mb.ID, "")
		e.mailboxes.MarkSynced(mb.ID, time.Now().UTC())
	}

	e.pool.Release(conn)

	return firstErr
}

func (e *Engine) discoverMailboxes(accountID string, client *imap.Client) error {
	remote, err := client.ListMailboxes()
	if err != nil {
		return err
	}
	for _, mb := range remote {
		hardExcluded := isHardExcluded(mb.Attributes)
		if _, err := e.mailboxes.EnsureDiscovered(accountID, mb.Name, hardExcluded); err != nil {
			return err
		}
	}
	return nil
}

// isHardExcluded reports whether a mailbox attribute marks a folder
// the archive must never select, per the no-write contract: \Noselect
// folders have no messages to read in the first place.
func isHardExcluded(attrs []string) bool {
	for _, a := range attrs {
		if a == `\Noselect` {
			return true
		}
	}
	return false
}

func (e *Engine) syncMailboxWithRetry(ctx context.Context, client *imap.Client, acc *account.Account, mb *mailbox.Mailbox, index, count int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = e.syncMailbox(ctx, client, acc, mb, index, count)
		if lastErr == nil {
			return nil
		}
		if !imap.IsConnectionError(lastErr) {
			return lastErr
		}
		e.log.Warn().Err(lastErr).Int("attempt", attempt+1).Str("mailbox", mb.ServerName).Msg("Transient sync error, retrying")
		select {
		case <-time.After(time.Duration(attempt+1) * 2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// syncMailbox runs one full pass: select, detect epoch changes, fetch
// new UIDs in batches, and detect server-side deletions of messages
// this archive previously recorded.
func (e *Engine) syncMailbox(ctx context.Context, client *imap.Client, acc *account.Account, mb *mailbox.Mailbox, index, count int) error {
	status, err := client.SelectMailbox(ctx, mb.ServerName)
	if err != nil {
		return fmt.Errorf("select %s: %w", mb.ServerName, err)
	}

	if err := e.reconcileEpoch(mb, status.UIDValidity); err != nil {
		return err
	}

	cur, err := cursor.Load(e.db, mb.ID)
	if err != nil {
		return err
	}

	uids, err := client.SearchUIDsSince(ctx, cur.LastSeenUID)
	if err != nil {
		return fmt.Errorf("search %s: %w", mb.ServerName, err)
	}

	fetched, ingested := 0, 0
	for start := 0; start < len(uids); start += batchSize {
		end := start + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		n, err := e.fetchAndIngestBatch(ctx, client, acc.ID, mb, cur.UIDValidity, batch)
		fetched += len(batch)
		ingested += n
		if err != nil {
			return err
		}

		if e.onProgress != nil {
			e.onProgress(Progress{
				AccountID:        acc.ID,
				MailboxName:      mb.ServerName,
				MailboxIndex:     index,
				MailboxCount:     count,
				MessagesFetched:  fetched,
				MessagesIngested: ingested,
			})
		}
	}

	if err := e.detectDeletions(ctx, client, acc.ID, mb, cur.UIDValidity); err != nil {
		return err
	}

	detail := map[string]any{"mailbox_id": mb.ID, "fetched": fetched, "ingested": ingested}
	if _, err := e.events.Append(nil, eventlog.KindSyncFinished, &acc.ID, &mb.ID, detail); err != nil {
		e.log.Warn().Err(err).Msg("Failed to append sync_finished event")
	}

	return nil
}

// reconcileEpoch resets the mailbox's cursor when the server reports a
// UIDVALIDITY different from what is on record, per the epoch-change
// invariant: UIDs from a prior epoch are no longer comparable to the
// new ones.
func (e *Engine) reconcileEpoch(mb *mailbox.Mailbox, serverUIDValidity uint32) error {
	if mb.UIDValidity != nil && *mb.UIDValidity == serverUIDValidity {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := cursor.ResetEpoch(tx, mb.ID, serverUIDValidity); err != nil {
		return err
	}

	detail := map[string]any{
		"reason":          "uidvalidity_reset",
		"mailbox_id":      mb.ID,
		"server_name":     mb.ServerName,
		"old_uidvalidity": derefEpoch(mb.UIDValidity),
		"new_uidvalidity": serverUIDValidity,
	}
	if _, err := e.events.Append(tx, eventlog.KindMailboxSyncChanged, &mb.AccountID, &mb.ID, detail); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	mb.UIDValidity = &serverUIDValidity
	return nil
}

func derefEpoch(v *uint32) uint32 {
	if v == nil {
		return 0
	}
	return *v
}

// fetchAndIngestBatch fetches one batch of UIDs and, for each message,
// ingests the blob and records its location and cursor advance in a
// single transaction so the three commit atomically.
func (e *Engine) fetchAndIngestBatch(ctx context.Context, client *imap.Client, accountID string, mb *mailbox.Mailbox, epoch uint32, uids []goimap.UID) (int, error) {
	ingested := 0

	err := client.FetchMessages(ctx, uids, func(msg imap.FetchedMessage) error {
		tx, err := e.db.Begin()
		if err != nil {
			return err
		}

		result, err := e.blobs.Ingest(tx, msg.RawMessage)
		if err != nil {
			tx.Rollback()
			if archiveerr.Is(err, archiveerr.KindTooLarge) {
				// The cursor must never advance past a UID whose blob
				// was never durably written (I-A1), so an oversized
				// message cannot simply be skipped and left behind:
				// that would permanently lose it once a later UID in
				// this batch advances the cursor past it. Treat it as
				// a permanent failure for this mailbox run instead —
				// last_error surfaces it, and the next sync retries
				// the same UID rather than silently forgetting it.
				e.log.Error().Uint32("uid", uint32(msg.UID)).Msg("Oversized message, aborting mailbox sync")
			}
			return err
		}

		if _, err := e.locations.RecordLocation(tx, accountID, mb.ID, epoch, uint32(msg.UID), result.BlobID); err != nil {
			tx.Rollback()
			return err
		}

		if err := cursor.Advance(tx, mb.ID, uint32(msg.UID)); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		if result.WasNew {
			ingested++
		}
		return nil
	})

	return ingested, err
}

// detectDeletions compares the set of UIDs still present on the server
// against every UID this archive has recorded for the mailbox's
// current epoch, marking the ones no longer present as gone. Blobs are
// never removed — only the location row is annotated.
func (e *Engine) detectDeletions(ctx context.Context, client *imap.Client, accountID string, mb *mailbox.Mailbox, epoch uint32) error {
	allUIDs, err := client.SearchUIDsSince(ctx, 0)
	if err != nil {
		return fmt.Errorf("deletion scan %s: %w", mb.ServerName, err)
	}

	present := make(map[uint32]bool, len(allUIDs))
	for _, uid := range allUIDs {
		present[uint32(uid)] = true
	}

	n, err := e.locations.MarkGone(accountID, mb.ID, epoch, present)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info().Str("mailbox", mb.ServerName).Int("count", n).Msg("Marked messages as gone from server")
	}
	return nil
}
