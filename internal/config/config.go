// Package config holds the agent/client configuration surface: a flat
// struct built by DefaultConfig and overridden by flags. The repository
// passphrase is never a field here — it is threaded explicitly into
// repo.Open by the caller, so it cannot leak through config dumps or logs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/validation"
)

// Config is the agent's process configuration.
type Config struct {
	RepoRoot     string
	ListenAddr   string
	TLSCertPath  string
	TLSKeyPath   string
	RetentionAge time.Duration

	// DebounceWindow is the per-path idle window the change debouncer
	// waits before flushing; UploadWindow bounds in-flight chunk uploads.
	DebounceWindow time.Duration
	UploadWindow   int

	// EventBufferSize bounds the watcher-to-debouncer channel.
	EventBufferSize int

	// AcceptRatePerSec/AcceptBurst bound how fast the agent admits new
	// connections, absorbing reconnect storms.
	AcceptRatePerSec float64
	AcceptBurst      int
}

// DefaultConfig returns the process defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		RepoRoot:         filepath.Join(home, ".local", "share", "sauvegarde", "repo"),
		ListenAddr:       ":4433",
		RetentionAge:     30 * 24 * time.Hour,
		DebounceWindow:   250 * time.Millisecond,
		UploadWindow:     8,
		EventBufferSize:  1024,
		AcceptRatePerSec: 5,
		AcceptBurst:      10,
	}
}

// Validate checks the configuration is complete enough to open or serve a
// repository, reusing internal/validation's sentinel validators
// (ValidateAddr, ValidateStringNonEmpty, ValidateRangeInt) instead of
// re-deriving field checks ad hoc.
func (c *Config) Validate() error {
	if err := validation.ValidateStringNonEmpty(c.RepoRoot); err != nil {
		return fmt.Errorf("%w: repo_root: %v", apperrors.ErrConfig, err)
	}
	if err := validation.ValidateAddr(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen_addr: %v", apperrors.ErrConfig, err)
	}
	if err := validation.ValidateRangeInt(c.UploadWindow, 1, 256); err != nil {
		return fmt.Errorf("%w: upload_window: %v", apperrors.ErrConfig, err)
	}
	if err := validation.ValidateRangeInt(c.EventBufferSize, 1, 1<<20); err != nil {
		return fmt.Errorf("%w: event_buffer_size: %v", apperrors.ErrConfig, err)
	}
	if err := validation.ValidateDurationNonNegative(c.RetentionAge); err != nil {
		return fmt.Errorf("%w: retention_age: %v", apperrors.ErrConfig, err)
	}
	if err := validation.ValidateDurationNonNegative(c.DebounceWindow); err != nil {
		return fmt.Errorf("%w: debounce_window: %v", apperrors.ErrConfig, err)
	}
	return nil
}
