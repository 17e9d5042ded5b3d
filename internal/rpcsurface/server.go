// Package rpcsurface exposes the archive's command and event surface to
// an external shell over localhost HTTP: one JSON endpoint per command
// in spec.md §6, plus a WebSocket event stream for sync status and
// progress. It reaches the core through internal/app and the types of
// the packages it exposes — the core itself never imports this
// package, so the daemon stays runnable headless.
package rpcsurface

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/app"
	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/logging"
	"github.com/coldvault/archived/internal/oauth2"
	"github.com/coldvault/archived/internal/sync"
)

// shutdownGrace bounds how long Start waits for in-flight requests to
// finish once ctx is cancelled.
const shutdownGrace = 5 * time.Second

type oauthProvider = oauth2.Provider

const (
	eventKindAccountCreated     = eventlog.KindAccountCreated
	eventKindAccountRemoved     = eventlog.KindAccountRemoved
	eventKindMailboxSyncChanged = eventlog.KindMailboxSyncChanged
)

// Server hosts the echo router and the WebSocket hub over one *app.App.
type Server struct {
	app *app.App
	hub *Hub
	log zerolog.Logger
	e   *echo.Echo
}

// New builds a Server wired to a, but does not start listening.
func New(a *app.App) *Server {
	log := logging.WithComponent("rpcsurface")
	s := &Server{
		app: a,
		hub: NewHub(log),
		log: log,
	}

	s.e = echo.New()
	s.e.HideBanner = true
	s.e.HidePort = true
	s.registerRoutes()

	a.Scheduler.SetStatusCallback(s.onSyncStatus)
	a.Scheduler.SetProgressCallback(s.onSyncProgress)

	return s
}

func (s *Server) googleProvider() oauthProvider {
	return oauth2.GoogleProvider()
}

func (s *Server) registerRoutes() {
	s.e.POST("/accounts", s.createAccount)
	s.e.GET("/accounts", s.listAccounts)
	s.e.POST("/accounts/:id/authorize", s.authorizeAccount)
	s.e.POST("/accounts/:id/disable", s.disableAccount)
	s.e.POST("/accounts/:id/sync", s.triggerSync)

	s.e.GET("/mailboxes", s.listMailboxes)
	s.e.POST("/mailboxes/:id/toggle", s.toggleMailbox)
	s.e.POST("/mailboxes/:id/reset-cursor", s.resetMailboxCursor)

	s.e.GET("/sync/status", s.syncStatus)

	s.e.GET("/messages/:id", s.getMessage)
	s.e.GET("/messages/:id/eml", s.exportMessageEML)

	s.e.GET("/search", s.searchMessages)
	s.e.GET("/stats", s.archiveStats)
	s.e.GET("/stats/date-range", s.archiveDateRange)

	s.e.GET("/events", s.listEvents)
	s.e.GET("/events/export.csv", s.exportEventsCSV)

	s.e.POST("/export/auditor", s.exportAuditor)
	s.e.POST("/export/documentation", s.exportDocumentation)

	s.e.GET("/integrity", s.runIntegrityCheck)

	s.e.GET("/events/stream", s.streamEvents)
}

// streamEvents upgrades GET /events/stream to a WebSocket connection.
// echo does not need to mediate the upgrade itself; the hub takes the
// raw http.ResponseWriter/Request pair straight from echo's context.
func (s *Server) streamEvents(c echo.Context) error {
	s.hub.ServeWS(c.Response(), c.Request())
	return nil
}

func (s *Server) onSyncStatus(accountID string, err error) {
	payload := map[string]any{"account_id": accountID, "ok": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.hub.Publish(TopicSyncStatusUpdated, payload)
}

func (s *Server) onSyncProgress(p sync.Progress) {
	s.hub.Publish(TopicSyncProgress, p)
}

// Start runs the hub's event loop and serves HTTP on addr until ctx is
// cancelled, at which point the server shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.e.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
