package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Session state machine
	ErrStaleRevision     = errors.New("session revision is stale")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSessionTerminal   = errors.New("session is in a terminal phase")

	// Job store
	ErrDuplicateInFlight = errors.New("a job with this idempotency key is already in flight")
	ErrAlreadyTerminal   = errors.New("job already reached a terminal state")
	ErrNotJobOwner       = errors.New("job is not leased by this worker")

	// Provider gateway
	ErrProviderCall            = errors.New("provider call failed")
	ErrCircuitOpen             = errors.New("provider circuit is open")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")

	// Scheduler
	ErrJobTimeout = errors.New("job exceeded its wall-clock budget")

	// Infra
	ErrInvalidExecContext = errors.New("invalid executor context (expected pgx.Tx, *pgxpool.Conn or *pgxpool.Pool)")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrLockNotAcquired    = errors.New("could not acquire lock")
)

// ErrorKind classifies a failure for retry decisions and for the redacted
// summary stored on a failed session. Raw provider payloads never leave the
// gateway.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindProvider    ErrorKind = "provider"
	KindUnavailable ErrorKind = "all_providers_unavailable"
	KindTimeout     ErrorKind = "job_timeout"
	KindCancelled   ErrorKind = "user_cancelled"
	KindInternal    ErrorKind = "internal"
)

// KindOf maps an error to its taxonomy kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrJobTimeout):
		return KindTimeout
	case errors.Is(err, ErrAllProvidersUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrProviderCall), errors.Is(err, ErrCircuitOpen):
		return KindProvider
	case errors.Is(err, ErrStaleRevision), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidArgument):
		return KindValidation
	default:
		return KindInternal
	}
}
