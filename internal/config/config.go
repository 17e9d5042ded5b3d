// Package config holds the small set of daemon-wide settings that are
// not per-account: sync cadence, concurrency bounds, and the HTML
// remote-image policy applied when rendering a message.
package config

import "time"

// RemoteImagePolicy controls whether sanitized HTML bodies are allowed
// to reference remote image URLs.
type RemoteImagePolicy string

const (
	RemoteImagesBlock RemoteImagePolicy = "block"
	RemoteImagesAllow RemoteImagePolicy = "allow"
)

// minSyncInterval is the floor below which the configured sync
// interval is clamped, preventing a misconfiguration from hammering
// the remote server.
const minSyncInterval = 60 * time.Second

// Config is the daemon's tunable configuration.
type Config struct {
	SyncInterval        time.Duration     `json:"sync_interval_seconds"`
	MaxConcurrentAccounts int             `json:"max_concurrent_accounts"`
	BatchSize            int               `json:"batch_size"`
	RemoteImagePolicy    RemoteImagePolicy `json:"remote_image_policy"`
	CoverageGapThreshold time.Duration     `json:"coverage_gap_threshold_seconds"`

	OAuthClientID     string `json:"-"`
	OAuthClientSecret string `json:"-"`
}

// Default returns the archive's baseline configuration.
func Default() Config {
	return Config{
		SyncInterval:          300 * time.Second,
		MaxConcurrentAccounts: 4,
		BatchSize:             50,
		RemoteImagePolicy:     RemoteImagesBlock,
		CoverageGapThreshold:  30 * time.Minute,
	}
}

// Normalize clamps fields to their documented bounds. Call after
// loading user-supplied values so a bad config value degrades safely
// instead of producing a runaway scheduler.
func (c *Config) Normalize() {
	if c.SyncInterval < minSyncInterval {
		c.SyncInterval = minSyncInterval
	}
	if c.MaxConcurrentAccounts <= 0 {
		c.MaxConcurrentAccounts = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RemoteImagePolicy != RemoteImagesAllow {
		c.RemoteImagePolicy = RemoteImagesBlock
	}
	if c.CoverageGapThreshold <= 0 {
		c.CoverageGapThreshold = 30 * time.Minute
	}
}
