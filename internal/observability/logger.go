package observability

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging, attached once at process
// start with service/version/host fields and specialized with With*
// helpers for request-scoped context (repo, path, opcode).
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithRepo adds repo_root context to the logger.
func (l *Logger) WithRepo(root string) *Logger {
	return &Logger{logger: l.logger.With().Str("repo", root).Logger()}
}

// WithPath adds a repository-relative path to the logger. Never attach an
// absolute filesystem path here: user-visible failures carry the
// already-sandboxed repository path, not local disk layout.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{logger: l.logger.With().Str("path", path).Logger()}
}

// WithOpcode adds the RPC opcode name to the logger, so every failure line
// names the operation it came from.
func (l *Logger) WithOpcode(opcode string) *Logger {
	return &Logger{logger: l.logger.With().Str("opcode", opcode).Logger()}
}

// WithConnection tags every log line from one accepted transport connection
// with a random correlation id, so an operator grepping the agent's log can
// separate interleaved sessions without relying on transport-level
// identifiers the connection itself may not expose.
func (l *Logger) WithConnection(id uuid.UUID) *Logger {
	return &Logger{logger: l.logger.With().Str("conn", id.String()).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message with its error kind, never the passphrase or
// key material.
func (l *Logger) Error(err error, kind, msg string) {
	l.logger.Error().Err(err).Str("error_kind", kind).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// CommitStarted logs the start of a version commit.
func (l *Logger) CommitStarted(path string, planChunks, missingChunks int) {
	l.logger.Info().
		Str("path", path).
		Int("plan_chunks", planChunks).
		Int("missing_chunks", missingChunks).
		Msg("version commit started")
}

// CommitCompleted logs a successful version commit.
func (l *Logger) CommitCompleted(path string, versionID int64, plainSize, storedSize int64, duration time.Duration) {
	l.logger.Info().
		Str("path", path).
		Int64("version_id", versionID).
		Int64("plain_size", plainSize).
		Int64("stored_size", storedSize).
		Float64("duration_seconds", duration.Seconds()).
		Msg("version commit completed")
}

// ChunkUploadFailed logs a chunk upload attempt that failed and will be
// retried under the delta engine's bounded backoff.
func (l *Logger) ChunkUploadFailed(path string, hash string, attempt int, err error) {
	l.logger.Warn().
		Str("path", path).
		Str("chunk_hash", hash).
		Int("attempt", attempt).
		Err(err).
		Msg("chunk upload failed, retrying")
}

// RestoreFailed logs a restore that aborted — an authentication failure on
// any block kills the whole restore, so the abort is always worth a line.
func (l *Logger) RestoreFailed(path string, versionID int64, err error) {
	l.logger.Error().
		Str("path", path).
		Int64("version_id", versionID).
		Err(err).
		Msg("restore aborted")
}

// GCCompleted logs the outcome of a retention sweep.
func (l *Logger) GCCompleted(expiredVersions, freedBlocks int, freedBytes int64, dryRun bool, duration time.Duration) {
	l.logger.Info().
		Int("expired_versions", expiredVersions).
		Int("freed_blocks", freedBlocks).
		Int64("freed_bytes", freedBytes).
		Bool("dry_run", dryRun).
		Float64("duration_seconds", duration.Seconds()).
		Msg("garbage collection completed")
}

// ConnectionEstablished logs a new agent connection.
func (l *Logger) ConnectionEstablished(remoteAddr string) {
	l.logger.Info().Str("remote_addr", remoteAddr).Msg("agent connection established")
}

// ConnectionFailed logs a failed or dropped agent connection.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().Str("remote_addr", remoteAddr).Err(err).Msg("agent connection failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
