// Package apperrors defines the sentinel error kinds shared across the
// repository engine, the agent dispatcher and the CLI front end.
package apperrors

import "errors"

var (
	// ErrConfig signals a malformed or missing configuration value.
	ErrConfig = errors.New("configuration error")

	// ErrPathEscape signals a path argument that resolves outside the
	// repository root, or contains a null byte.
	ErrPathEscape = errors.New("path escapes repository root")

	// ErrNotFound signals a missing block, chunk, version or file row.
	ErrNotFound = errors.New("not found")

	// ErrAuthFailure signals a failed AES-GCM tag verification.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrMalformedRecord signals a truncated or structurally invalid
	// sealed record.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrHashMismatch signals a block whose content does not match its
	// announced hash.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrMissingBlock signals a version_chunks row referencing a block
	// the client never uploaded.
	ErrMissingBlock = errors.New("missing block")

	// ErrCatalogConflict signals a unique-constraint race in the
	// metadata catalog (e.g. a (path, timestamp) collision).
	ErrCatalogConflict = errors.New("catalog conflict")

	// ErrTransportError signals a failure of the underlying byte-duplex.
	ErrTransportError = errors.New("transport error")

	// ErrRetryExhausted signals that bounded retry attempts were
	// exhausted without success.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrIntegrityViolation signals a broken referential invariant
	// detected during commit, GC or audit. Always surfaces and halts GC.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrCancelled signals a caller-initiated cancellation.
	ErrCancelled = errors.New("cancelled")
)

// Kind returns the short name of the first recognized sentinel err wraps,
// for inclusion in an RPC error response body — the error kind reaches the
// caller, key material and ciphertext never do.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "Config"
	case errors.Is(err, ErrPathEscape):
		return "PathEscape"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAuthFailure):
		return "AuthFailure"
	case errors.Is(err, ErrMalformedRecord):
		return "MalformedRecord"
	case errors.Is(err, ErrHashMismatch):
		return "HashMismatch"
	case errors.Is(err, ErrMissingBlock):
		return "MissingBlock"
	case errors.Is(err, ErrCatalogConflict):
		return "CatalogConflict"
	case errors.Is(err, ErrTransportError):
		return "TransportError"
	case errors.Is(err, ErrRetryExhausted):
		return "RetryExhausted"
	case errors.Is(err, ErrIntegrityViolation):
		return "IntegrityViolation"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// FromKind is the inverse of Kind: it returns the sentinel a short kind
// name denotes, or nil for an empty or unrecognized name. The RPC client
// uses it to rehydrate an ErrorResponse into an error callers can test with
// errors.Is, keeping exit-code mapping working across the wire.
func FromKind(kind string) error {
	switch kind {
	case "Config":
		return ErrConfig
	case "PathEscape":
		return ErrPathEscape
	case "NotFound":
		return ErrNotFound
	case "AuthFailure":
		return ErrAuthFailure
	case "MalformedRecord":
		return ErrMalformedRecord
	case "HashMismatch":
		return ErrHashMismatch
	case "MissingBlock":
		return ErrMissingBlock
	case "CatalogConflict":
		return ErrCatalogConflict
	case "TransportError":
		return ErrTransportError
	case "RetryExhausted":
		return ErrRetryExhausted
	case "IntegrityViolation":
		return ErrIntegrityViolation
	case "Cancelled":
		return ErrCancelled
	default:
		return nil
	}
}

// ExitCode maps an error kind to the tooling exit codes: 0 success,
// 2 configuration error, 3 transport failure, 4 integrity violation,
// 5 retention conflict.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 2
	case errors.Is(err, ErrTransportError):
		return 3
	case errors.Is(err, ErrIntegrityViolation):
		return 4
	case errors.Is(err, ErrCatalogConflict):
		return 5
	default:
		return 1
	}
}
