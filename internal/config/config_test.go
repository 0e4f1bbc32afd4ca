package config

import (
	"errors"
	"testing"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestValidateRejectsEmptyRepoRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RepoRoot = ""
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidateRejectsMalformedListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "not-an-address"
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidateRejectsUploadWindowOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadWindow = 0
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero upload window, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.UploadWindow = 1000
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("expected ErrConfig for oversized upload window, got %v", err)
	}
}

func TestValidateRejectsNegativeRetentionAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionAge = -1
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
