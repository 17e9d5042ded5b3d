// Package app wires together every store, engine, and background
// routine into one process-lifetime object. It replaces the desktop
// binding layer: a running App here has no window, just a database, an
// IMAP pool, a sync scheduler, and the services an RPC front end calls
// into.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/account"
	"github.com/coldvault/archived/internal/appstate"
	"github.com/coldvault/archived/internal/blob"
	"github.com/coldvault/archived/internal/config"
	"github.com/coldvault/archived/internal/credentials"
	"github.com/coldvault/archived/internal/database"
	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/imap"
	"github.com/coldvault/archived/internal/integrity"
	"github.com/coldvault/archived/internal/location"
	"github.com/coldvault/archived/internal/logging"
	"github.com/coldvault/archived/internal/mailbox"
	"github.com/coldvault/archived/internal/oauth2"
	"github.com/coldvault/archived/internal/platform"
	"github.com/coldvault/archived/internal/search"
	"github.com/coldvault/archived/internal/sync"
)

// App is the fully wired archive daemon: every package in internal/ is
// reachable from here, and nothing below this layer knows about RPC,
// HTTP, or any other shell-facing concern.
type App struct {
	Config config.Config

	DB          *database.DB
	Accounts    *account.Store
	Mailboxes   *mailbox.Store
	Blobs       *blob.Store
	Locations   *location.Store
	Events      *eventlog.Log
	AppState    *appstate.Store
	Credentials *credentials.Store

	OAuth *oauth2.Manager
	Pool  *imap.Pool

	Engine    *sync.Engine
	Scheduler *sync.Scheduler
	Integrity *integrity.Checker
	Search    *search.Store
	Exporter  *integrity.Exporter

	dataDir string
	log     zerolog.Logger
}

// Open builds an App from OS-appropriate data directories: the
// database is opened and migrated, every store is constructed, and the
// sync engine/scheduler are wired to a credential-resolving IMAP pool.
// The scheduler is not started; call Start once the caller is ready to
// begin background sync.
func Open(cfg config.Config) (*App, error) {
	log := logging.WithComponent("app")

	dataDir, err := platform.DataDir()
	if err != nil {
		return nil, fmt.Errorf("app: failed to resolve data dir: %w", err)
	}

	dbPath, err := platform.DatabasePath()
	if err != nil {
		return nil, fmt.Errorf("app: failed to resolve database path: %w", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("app: failed to migrate database: %w", err)
	}

	credsStore, err := credentials.NewStore(db.DB, dataDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: failed to open credential store: %w", err)
	}

	accounts := account.NewStore(db.DB)
	mailboxes := mailbox.NewStore(db.DB)
	blobs := blob.NewStore(db.DB)
	locations := location.NewStore(db.DB)
	events := eventlog.New(db.DB)
	appstateStore := appstate.NewStore(db.DB)
	searchStore := search.NewStore(db.DB, blobs)
	oauthMgr := oauth2.NewManager(credsStore)

	a := &App{
		Config:      cfg,
		DB:          db,
		Accounts:    accounts,
		Mailboxes:   mailboxes,
		Blobs:       blobs,
		Locations:   locations,
		Events:      events,
		AppState:    appstateStore,
		Credentials: credsStore,
		OAuth:       oauthMgr,
		Search:      searchStore,
		dataDir:     dataDir,
		log:         log,
	}

	a.Pool = imap.NewPool(imap.DefaultPoolConfig(), a.resolveCredentials)
	a.Engine = sync.NewEngine(db.DB, a.Pool, accounts, mailboxes, blobs, locations, events)
	a.Scheduler = sync.NewScheduler(a.Engine, accounts, appstateStore, events, cfg)
	a.Integrity = integrity.NewChecker(events, blobs, appstateStore, cfg)
	a.Exporter = integrity.NewExporter(db.DB, blobs, searchStore, events)

	if existing, err := accounts.List(); err != nil {
		log.Warn().Err(err).Msg("Failed to list accounts for pool sizing, defaulting to zero")
	} else {
		db.UpdateIdleConns(len(existing))
	}

	return a, nil
}

// resolveCredentials is the imap.Pool credential callback: it loads the
// account row, then resolves either a stored password or a freshly
// minted OAuth2 access token depending on the account's AuthKind.
func (a *App) resolveCredentials(accountID string) (*imap.ClientConfig, error) {
	acc, err := a.Accounts.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("app: failed to load account %s: %w", accountID, err)
	}

	cfg := imap.DefaultConfig()
	cfg.Host = acc.Host
	cfg.Port = acc.Port
	cfg.Username = acc.Username

	switch acc.AuthKind {
	case account.AuthKindOAuth2:
		provider := oauth2.GoogleProvider()
		token, err := a.OAuth.AccessToken(context.Background(), a.Accounts, acc.ID, provider)
		if err != nil {
			return nil, err
		}
		cfg.AuthType = imap.AuthTypeOAuth2
		cfg.AccessToken = token
	default:
		password, err := a.Credentials.GetPassword(acc.ID)
		if err != nil {
			return nil, err
		}
		cfg.AuthType = imap.AuthTypePassword
		cfg.Password = password
	}

	return &cfg, nil
}

// Start runs the one-time startup integrity report, then begins the
// background sync scheduler and connection pool maintenance routine.
func (a *App) Start(ctx context.Context) (integrity.StartupReport, error) {
	report, err := a.Integrity.RunStartupChecks()
	if err != nil {
		return report, fmt.Errorf("app: startup integrity checks failed: %w", err)
	}

	a.Pool.StartCleanupRoutine(ctx)
	go a.DB.StartCheckpointRoutine(ctx)
	a.Scheduler.Start(ctx)

	return report, nil
}

// Shutdown stops the scheduler, closes every pooled IMAP connection,
// and closes the database. Safe to call once during process exit.
func (a *App) Shutdown() error {
	a.Scheduler.Stop()
	a.Pool.CloseAll()
	return a.DB.Close()
}

// DataDir returns the directory the database and blob store live
// under, for callers (the export command) that need a default
// destination alongside the archive itself.
func (a *App) DataDir() string {
	return a.dataDir
}
