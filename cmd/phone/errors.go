package phone

import (
	"errors"
	"fmt"
)

// ErrInvalid is the sentinel kind for every normalization failure.
var ErrInvalid = errors.New("invalid_identifier")

// Rejection reasons. Stable strings, safe to show to callers.
const (
	ReasonEmpty              = "empty"
	ReasonInvalidCharacters  = "invalid_characters"
	ReasonInvalidCountryCode = "invalid_country_code"
	ReasonTooShort           = "too_short"
	ReasonTooLong            = "too_long"
	ReasonInvalidLength      = "invalid_length"
	ReasonLocalOnly          = "local_only"
	ReasonNotValid           = "not_valid"
)

// InvalidError reports why an input could not be normalized.
type InvalidError struct {
	Reason string
}

func (e InvalidError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalid, e.Reason)
}

func (e InvalidError) Unwrap() error { return ErrInvalid }

// IsInvalid reports whether err is a normalization failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }

// ReasonOf extracts the rejection reason, or "" when err is not an InvalidError.
func ReasonOf(err error) string {
	var ie InvalidError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}
