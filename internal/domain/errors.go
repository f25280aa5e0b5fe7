package domain

import "github.com/cockroachdb/errors"

var (
	// ErrStorageUnavailable marks any failure talking to the database.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrHandlerFailure     = errors.New("handler failure")
	ErrNotFound           = errors.New("not found")
	// ErrLockExpired reports a lock that lapsed and was, or may be, taken over.
	ErrLockExpired = errors.New("lock expired")
)

// Unavailable marks err as a storage failure, keeping its message and cause.
func Unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrStorageUnavailable)
}
