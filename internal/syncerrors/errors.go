// Package syncerrors defines the error classes shared across the sync
// pipeline. Callers classify failures with errors.Is against these
// sentinels; the concrete cause is always wrapped alongside them.
package syncerrors

import "errors"

// Remote delivery errors.
var (
	// ErrTransport reports that every delivery mechanism in the sender
	// chain was exhausted without reaching the remote record.
	ErrTransport = errors.New("all transports failed")

	// ErrRemoteNotFound reports that the remote record does not exist
	// (deleted gist, wrong id, or first use before init).
	ErrRemoteNotFound = errors.New("remote record not found")
)

// Local document and storage errors.
var (
	// ErrParse reports that a configuration document failed structured
	// parsing or validation.
	ErrParse = errors.New("configuration document is not valid")

	// ErrIntegrity reports that a document written by a sync or restore
	// operation failed its post-write validation.
	ErrIntegrity = errors.New("post-write validation failed")

	// ErrBackup reports that a safety snapshot could not be captured.
	// Operations that would overwrite local state abort on this error.
	ErrBackup = errors.New("backup snapshot failed")

	// ErrMetadata reports unreadable sync metadata. Callers treat this
	// as "no prior state" and re-sync conservatively instead of failing.
	ErrMetadata = errors.New("sync metadata unreadable")
)

// TransientError marks failures worth retrying on a later cycle, such
// as network timeouts or 5xx responses from the gist API.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
