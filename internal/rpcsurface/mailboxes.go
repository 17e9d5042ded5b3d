package rpcsurface

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coldvault/archived/internal/mailbox"
)

type mailboxResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	ServerName      string     `json:"server_name"`
	SyncEnabled     bool       `json:"sync_enabled"`
	HardExcluded    bool       `json:"hard_excluded"`
	GoBDRecommended bool       `json:"gobd_recommended"`
	UIDValidity     *uint32    `json:"uid_validity,omitempty"`
	LastSeenUID     uint32     `json:"last_seen_uid"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

func toMailboxResponse(mb *mailbox.Mailbox) mailboxResponse {
	return mailboxResponse{
		ID:              mb.ID,
		AccountID:       mb.AccountID,
		ServerName:      mb.ServerName,
		SyncEnabled:     mb.SyncEnabled,
		HardExcluded:    mb.HardExcluded,
		GoBDRecommended: mb.GoBDRecommended,
		UIDValidity:     mb.UIDValidity,
		LastSeenUID:     mb.LastSeenUID,
		LastSyncAt:      mb.LastSyncAt,
		LastError:       mb.LastError,
	}
}

// listMailboxes handles GET /mailboxes?account_id=...
func (s *Server) listMailboxes(c echo.Context) error {
	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return badRequest(c, "account_id query parameter is required")
	}

	mailboxes, err := s.app.Mailboxes.ListForAccount(accountID)
	if err != nil {
		return fail(c, err)
	}
	out := make([]mailboxResponse, 0, len(mailboxes))
	for _, mb := range mailboxes {
		out = append(out, toMailboxResponse(mb))
	}
	return ok(c, out)
}

type toggleMailboxRequest struct {
	Enabled bool `json:"enabled"`
}

// toggleMailbox handles POST /mailboxes/:id/toggle.
func (s *Server) toggleMailbox(c echo.Context) error {
	id := c.Param("id")
	var req toggleMailboxRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := s.app.Mailboxes.SetSyncEnabled(id, req.Enabled); err != nil {
		return fail(c, err)
	}

	detail := map[string]any{"mailbox_id": id, "sync_enabled": req.Enabled}
	if _, err := s.app.Events.Append(nil, eventKindMailboxSyncChanged, nil, &id, detail); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append mailbox_sync_changed event")
	}

	return ok(c, map[string]string{"status": "updated"})
}

// resetMailboxCursor handles POST /mailboxes/:id/reset-cursor, forcing
// a full rescan of the mailbox on its next sync without touching
// already-archived history.
func (s *Server) resetMailboxCursor(c echo.Context) error {
	id := c.Param("id")
	if err := s.app.Mailboxes.ResetCursor(id); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"status": "reset"})
}

// syncStatus handles GET /sync/status, reporting whether each enabled
// account currently has a sync in progress.
func (s *Server) syncStatus(c echo.Context) error {
	accounts, err := s.app.Accounts.ListEnabled()
	if err != nil {
		return fail(c, err)
	}

	type accountStatus struct {
		AccountID string `json:"account_id"`
		Syncing   bool   `json:"syncing"`
	}

	out := make([]accountStatus, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountStatus{AccountID: a.ID, Syncing: s.app.Scheduler.IsSyncing(a.ID)})
	}
	return ok(c, out)
}

// parseIntParam is a small helper for limit/offset query parameters
// that default rather than error on a missing or malformed value.
func parseIntParam(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
