// Package appstate is a generic key-value store for small pieces of
// daemon state that need to survive a restart — heartbeat timestamps,
// the last integrity check time — backed by the same database as
// everything else rather than a separate file.
package appstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldvault/archived/internal/logging"
)

// Store handles persistence of small daemon state values.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new app state store.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("appstate"),
	}
}

// Get retrieves a value by key. Returns "" if the key is unset.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("appstate: failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value by key.
func (s *Store) Set(key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("appstate: failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from the store.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("appstate: failed to delete key %s: %w", key, err)
	}
	return nil
}

// RecordHeartbeat stamps KeyLastHeartbeat with the current time, called
// by the scheduler after each completed tick.
func (s *Store) RecordHeartbeat() error {
	data, err := json.Marshal(Heartbeat{At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.Set(KeyLastHeartbeat, string(data))
}

// LastHeartbeat returns the most recently recorded heartbeat, or the
// zero time if none has ever been recorded.
func (s *Store) LastHeartbeat() (time.Time, error) {
	value, err := s.Get(KeyLastHeartbeat)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	var hb Heartbeat
	if err := json.Unmarshal([]byte(value), &hb); err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse stored heartbeat")
		return time.Time{}, nil
	}
	return hb.At, nil
}

// RecordIntegrityCheck stamps KeyLastIntegrityCheck with the current time.
func (s *Store) RecordIntegrityCheck() error {
	return s.Set(KeyLastIntegrityCheck, time.Now().UTC().Format(time.RFC3339))
}
