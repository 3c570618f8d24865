package brain

import "errors"

// ErrorKind categorizes storage and facade failures so callers can react
// without string matching.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindDuplicate          ErrorKind = "duplicate"
	KindTimeout            ErrorKind = "timeout"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindSchemaVersion      ErrorKind = "schema_version"
	KindEmbedding          ErrorKind = "embedding"
)

// Error is the module-wide typed error. Backends wrap driver errors in one of
// these; the facade passes them through unchanged.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error // underlying driver/library error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewValidationError reports malformed input. Never retried.
func NewValidationError(message string, err error) *Error {
	return newError(KindValidation, message, err)
}

// NewNotFoundError reports an absent id or session.
func NewNotFoundError(message string, err error) *Error {
	return newError(KindNotFound, message, err)
}

// NewDuplicateError reports an id collision on create.
func NewDuplicateError(message string, err error) *Error {
	return newError(KindDuplicate, message, err)
}

// NewTimeoutError reports an operation that exceeded the caller's deadline.
func NewTimeoutError(message string, err error) *Error {
	return newError(KindTimeout, message, err)
}

// NewBackendUnavailableError reports an unreachable or corrupt durable store.
func NewBackendUnavailableError(message string, err error) *Error {
	return newError(KindBackendUnavailable, message, err)
}

// NewSchemaVersionError reports an on-disk schema mismatch requiring an
// explicit migration step.
func NewSchemaVersionError(message string, err error) *Error {
	return newError(KindSchemaVersion, message, err)
}

// NewEmbeddingError reports a failure from the embedding collaborator.
func NewEmbeddingError(message string, err error) *Error {
	return newError(KindEmbedding, message, err)
}

func isKind(err error, kind ErrorKind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsDuplicate checks if an error is a duplicate-id error.
func IsDuplicate(err error) bool { return isKind(err, KindDuplicate) }

// IsTimeout checks if an error is a deadline error.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// IsBackendUnavailable checks if an error is a backend-unavailable error.
func IsBackendUnavailable(err error) bool { return isKind(err, KindBackendUnavailable) }

// IsSchemaVersion checks if an error is a schema-version error.
func IsSchemaVersion(err error) bool { return isKind(err, KindSchemaVersion) }

// IsEmbedding checks if an error came from the embedding collaborator.
func IsEmbedding(err error) bool { return isKind(err, KindEmbedding) }
