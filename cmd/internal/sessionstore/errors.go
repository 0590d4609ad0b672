package sessionstore

import "errors"

var (
	// ErrNotFound is returned by backends when the path holds no blob.
	// Client.Get turns it into found=false; it is never a failure there.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when the supplied version no longer matches the stored one.
	ErrConflict = errors.New("version conflict")

	// ErrContainerMissing is returned by backends when the backing repository/table does not exist.
	ErrContainerMissing = errors.New("container missing")

	// ErrUnavailable wraps every other transport or backend failure.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidBundle is returned when a bundle is not a JSON document.
	ErrInvalidBundle = errors.New("invalid credential bundle")
)

// IsUnavailable reports whether err is (or wraps) ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
