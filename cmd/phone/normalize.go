package phone

import (
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// Normalizer validates raw input against phone number metadata.
//
// With Strict unset a number only needs a known country calling code and a
// possible length for that country; Strict additionally requires the number to
// fall inside an allocated range.
type Normalizer struct {
	Strict bool
}

// Normalize canonicalizes raw with the default (lenient) policy.
func Normalize(raw string) (string, error) {
	return Normalizer{}.Normalize(raw)
}

// Normalize returns the canonical digit-only identifier for raw.
func (n Normalizer) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", InvalidError{Reason: ReasonEmpty}
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r), strings.ContainsRune("+-.()/", r):
			// formatting noise
		default:
			// Letters would be read as vanity digits by the metadata parser.
			return "", InvalidError{Reason: ReasonInvalidCharacters}
		}
	}

	digits := b.String()
	if digits == "" {
		return "", InvalidError{Reason: ReasonEmpty}
	}
	if digits[0] == '0' {
		// National trunk prefix: the country calling code is missing.
		return "", InvalidError{Reason: ReasonInvalidCountryCode}
	}

	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil {
		return "", InvalidError{Reason: parseReason(err)}
	}
	if phonenumbers.GetRegionCodeForCountryCode(int(num.GetCountryCode())) == "ZZ" {
		return "", InvalidError{Reason: ReasonInvalidCountryCode}
	}

	switch phonenumbers.IsPossibleNumberWithReason(num) {
	case phonenumbers.IS_POSSIBLE:
	case phonenumbers.INVALID_COUNTRY_CODE:
		return "", InvalidError{Reason: ReasonInvalidCountryCode}
	case phonenumbers.TOO_SHORT:
		return "", InvalidError{Reason: ReasonTooShort}
	case phonenumbers.TOO_LONG:
		return "", InvalidError{Reason: ReasonTooLong}
	case phonenumbers.IS_POSSIBLE_LOCAL_ONLY:
		return "", InvalidError{Reason: ReasonLocalOnly}
	default:
		return "", InvalidError{Reason: ReasonInvalidLength}
	}

	if n.Strict && !phonenumbers.IsValidNumber(num) {
		return "", InvalidError{Reason: ReasonNotValid}
	}

	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}

func parseReason(err error) string {
	switch err {
	case phonenumbers.ErrInvalidCountryCode:
		return ReasonInvalidCountryCode
	case phonenumbers.ErrTooShortNSN, phonenumbers.ErrTooShortAfterIDD:
		return ReasonTooShort
	case phonenumbers.ErrNumTooLong:
		return ReasonTooLong
	default:
		return ReasonInvalidLength
	}
}

// Mask hides the middle of an identifier for logs: 15551234567 -> 1555****567.
func Mask(id string) string {
	if len(id) <= 7 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + strings.Repeat("*", len(id)-7) + id[len(id)-3:]
}
