package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/account"
	"github.com/coldvault/archived/internal/appstate"
	"github.com/coldvault/archived/internal/config"
	"github.com/coldvault/archived/internal/eventlog"
	"github.com/coldvault/archived/internal/logging"
)

// StatusCallback is called whenever an account's sync status changes,
// mirrored to the shell as the sync_status_updated event topic.
type StatusCallback func(accountID string, err error)

// Scheduler drives periodic background sync across every enabled
// account: a single ticker plus a manual-trigger path, at most one
// sync per account at a time (I-S1), manual triggers coalescing with
// an in-progress sync instead of queuing a duplicate (I-S2), and
// cooperative cancellation via a per-account context (I-S3).
type Scheduler struct {
	engine   *Engine
	accounts *account.Store
	appstate *appstate.Store
	events   *eventlog.Log
	cfg      config.Config
	log      zerolog.Logger

	onProgress ProgressCallback
	onStatus   StatusCallback
	isConnected func() bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runningMu sync.Mutex

	sem chan struct{}

	syncing   map[string]bool
	syncingMu sync.Mutex

	syncCancels  map[string]context.CancelFunc
	syncCancelMu sync.Mutex
}

// NewScheduler builds a scheduler over engine using cfg's cadence and
// concurrency bounds.
func NewScheduler(engine *Engine, accounts *account.Store, appstateStore *appstate.Store, events *eventlog.Log, cfg config.Config) *Scheduler {
	cfg.Normalize()
	return &Scheduler{
		engine:      engine,
		accounts:    accounts,
		appstate:    appstateStore,
		events:      events,
		cfg:         cfg,
		log:         logging.WithComponent("sync-scheduler"),
		sem:         make(chan struct{}, cfg.MaxConcurrentAccounts),
		syncing:     make(map[string]bool),
		syncCancels: make(map[string]context.CancelFunc),
	}
}

// SetProgressCallback installs a callback forwarded to the engine for
// every mailbox's sync_progress events.
func (s *Scheduler) SetProgressCallback(cb ProgressCallback) {
	s.onProgress = cb
	s.engine.SetProgressCallback(cb)
}

// SetStatusCallback installs a callback fired once when an account's
// sync finishes, with the error it failed with or nil; nothing is
// fired when a sync starts.
func (s *Scheduler) SetStatusCallback(cb StatusCallback) {
	s.onStatus = cb
}

// SetConnectivityCheck installs a function consulted before each tick;
// when it returns false the tick is skipped entirely.
func (s *Scheduler) SetConnectivityCheck(check func() bool) {
	s.isConnected = check
}

// Start begins the recurring tick. It also appends the app_started
// event, per C10's role as that event's source.
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		s.log.Warn().Msg("Scheduler already running")
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if _, err := s.events.Append(nil, eventlog.KindAppStarted, nil, nil, map[string]any{}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append app_started event")
	}

	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.cfg.SyncInterval).Msg("Sync scheduler started")
}

// Stop cancels every running sync and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.running = false

	s.log.Info().Msg("Sync scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	select {
	case <-time.After(10 * time.Second):
		s.tick()
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			return
		}
	}
}

// tick enumerates enabled accounts and dispatches a sync task for each,
// bounded by the concurrency semaphore, then records a heartbeat.
func (s *Scheduler) tick() {
	if s.isConnected != nil && !s.isConnected() {
		s.log.Debug().Msg("Skipping sync tick — offline")
		return
	}

	accounts, err := s.accounts.ListEnabled()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list accounts for sync tick")
		return
	}

	var tickWg sync.WaitGroup
	for _, acc := range accounts {
		acc := acc
		tickWg.Add(1)
		go func() {
			defer tickWg.Done()
			s.syncAccount(acc.ID)
		}()
	}
	tickWg.Wait()

	if s.appstate != nil {
		if err := s.appstate.RecordHeartbeat(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to record heartbeat")
		}
	}
}

// syncAccount runs Engine.Account for one account id, coalescing with
// any already-running sync for the same account and bounding overall
// concurrency with the scheduler's semaphore.
func (s *Scheduler) syncAccount(accountID string) {
	s.syncingMu.Lock()
	if s.syncing[accountID] {
		s.syncingMu.Unlock()
		s.log.Debug().Str("account", accountID).Msg("Sync already in progress, coalescing")
		return
	}
	s.syncing[accountID] = true
	s.syncingMu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		s.syncingMu.Lock()
		delete(s.syncing, accountID)
		s.syncingMu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Minute)
	s.syncCancelMu.Lock()
	s.syncCancels[accountID] = cancel
	s.syncCancelMu.Unlock()

	defer func() {
		cancel()
		s.syncCancelMu.Lock()
		delete(s.syncCancels, accountID)
		s.syncCancelMu.Unlock()

		s.syncingMu.Lock()
		delete(s.syncing, accountID)
		s.syncingMu.Unlock()

		<-s.sem
	}()

	s.log.Info().Str("account", accountID).Msg("Starting sync")

	err := s.engine.Account(ctx, accountID)
	if err != nil && ctx.Err() != nil {
		s.log.Info().Str("account", accountID).Msg("Sync cancelled")
		err = nil
	} else if err != nil {
		s.log.Error().Err(err).Str("account", accountID).Msg("Sync failed")
	}

	if s.onStatus != nil {
		s.onStatus(accountID, err)
	}
}

// TriggerSync manually triggers a sync for one account, non-blocking.
// It coalesces with any already-running sync for the account.
func (s *Scheduler) TriggerSync(accountID string) {
	go s.syncAccount(accountID)
}

// TriggerSyncAll manually triggers a sync for every enabled account.
func (s *Scheduler) TriggerSyncAll() {
	accounts, err := s.accounts.ListEnabled()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list accounts for manual sync")
		return
	}
	for _, acc := range accounts {
		go s.syncAccount(acc.ID)
	}
}

// CancelSync cancels any running sync for the specified account.
func (s *Scheduler) CancelSync(accountID string) {
	s.syncCancelMu.Lock()
	if cancel, ok := s.syncCancels[accountID]; ok {
		s.log.Info().Str("account", accountID).Msg("Cancelling running sync")
		cancel()
	}
	s.syncCancelMu.Unlock()
}

// IsSyncing reports whether a sync is currently in progress for the account.
func (s *Scheduler) IsSyncing(accountID string) bool {
	s.syncingMu.Lock()
	defer s.syncingMu.Unlock()
	return s.syncing[accountID]
}
