// Package config holds the sync kernel's static configuration: where the
// local database and attachment cache live, the cloud base URL, and the
// tunable timeouts/retry knobs used throughout the kernel.
//
// A plain struct with ApplyDefaults and Validate methods, defaulting
// local paths under XDG_CONFIG_HOME / the user's home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the sync kernel's full runtime configuration.
type Config struct {
	// AppSupportDir is the application-support directory under which the
	// database, images/, and pending_uploads/ live.
	AppSupportDir string

	// CloudBaseURL is the cloud API base URL.
	CloudBaseURL string

	// HTTPTimeout bounds every outbound HTTP request (default 30s).
	HTTPTimeout time.Duration

	// TokenCacheTTL is how long a cached service token is trusted before
	// a refresh is required (default 10 minutes).
	TokenCacheTTL time.Duration

	// TokenRefreshTimeout bounds the three-step refresh handshake
	// (default 30s).
	TokenRefreshTimeout time.Duration

	// MaxConsecutiveAuthFailures defaults to 3. No component reads it:
	// consecutive token-refresh failures are not counted, and none of
	// them changes the online state.
	MaxConsecutiveAuthFailures int

	// ProcessorBaseBackoff and ProcessorMaxBackoff bound the processor's
	// exponential backoff.
	ProcessorBaseBackoff time.Duration
	ProcessorMaxBackoff  time.Duration
	ProcessorMaxRetries  int

	// NetworkRequestManager tunables.
	MaxConcurrentRequests int
	DedupeWindow          time.Duration

	// FileIDRemapPollCount and FileIDRemapPollInterval default to 10 and
	// 500ms. No component reads them: IdMappingRegistry's
	// RemapFileReference takes its bounds from the FileRemapPoller its
	// caller passes, and nothing outside its tests calls it.
	FileIDRemapPollCount    int
	FileIDRemapPollInterval time.Duration

	// AttachmentDownloadRetries and AttachmentRetryDelays bound
	// SyncEngine's attachment fetch retries.
	AttachmentDownloadRetries int
	AttachmentRetryDelays     []time.Duration

	// AdminListenAddr is the loopback address for the diagnostics server
	// (ambient; ApplyDefaults fills an empty value with 127.0.0.1:0).
	AdminListenAddr string

	// AdminTokenSecret is not read by the diagnostics server, which signs
	// its bearer token with a secret generated at process start.
	AdminTokenSecret string
}

// ApplyDefaults fills in every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.AppSupportDir == "" {
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, _ := os.UserHomeDir()
			dir = filepath.Join(home, ".config")
		}
		c.AppSupportDir = filepath.Join(dir, "xiaomi-note-sync")
	}
	if c.CloudBaseURL == "" {
		c.CloudBaseURL = "https://i.mi.com"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.TokenCacheTTL == 0 {
		c.TokenCacheTTL = 10 * time.Minute
	}
	if c.TokenRefreshTimeout == 0 {
		c.TokenRefreshTimeout = 30 * time.Second
	}
	if c.MaxConsecutiveAuthFailures == 0 {
		c.MaxConsecutiveAuthFailures = 3
	}
	if c.ProcessorBaseBackoff == 0 {
		c.ProcessorBaseBackoff = 1 * time.Second
	}
	if c.ProcessorMaxBackoff == 0 {
		c.ProcessorMaxBackoff = 2 * time.Minute
	}
	if c.ProcessorMaxRetries == 0 {
		c.ProcessorMaxRetries = 8
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 5
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 500 * time.Millisecond
	}
	if c.FileIDRemapPollCount == 0 {
		c.FileIDRemapPollCount = 10
	}
	if c.FileIDRemapPollInterval == 0 {
		c.FileIDRemapPollInterval = 500 * time.Millisecond
	}
	if c.AttachmentDownloadRetries == 0 {
		c.AttachmentDownloadRetries = 3
	}
	if len(c.AttachmentRetryDelays) == 0 {
		c.AttachmentRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
	}
	if c.AdminListenAddr == "" {
		c.AdminListenAddr = "127.0.0.1:0"
	}
}

// Validate reports whether the configuration is usable.
func (c *Config) Validate() error {
	if c.AppSupportDir == "" {
		return fmt.Errorf("config: app support dir is required")
	}
	if c.CloudBaseURL == "" {
		return fmt.Errorf("config: cloud base url is required")
	}
	return nil
}

// DatabasePath returns the path of the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.AppSupportDir, "sync.db")
}

// ImagesDir returns the cached-attachment directory.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.AppSupportDir, "images")
}

// PendingUploadsDir returns the directory for attachments awaiting commit.
func (c *Config) PendingUploadsDir() string {
	return filepath.Join(c.AppSupportDir, "pending_uploads")
}
