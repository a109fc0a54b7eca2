package domain

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used when a number is given without a country code.
const DefaultPhoneRegion = "US"

// NormalizePhone parses raw input and returns the E.164 form.
func NormalizePhone(raw string, defaultRegion string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: phone is required", ErrValidation)
	}
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = DefaultPhoneRegion
	}

	num, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return "", fmt.Errorf("%w: malformed phone %q: %v", ErrValidation, raw, err)
	}
	// Fictional ranges such as 555 are accepted; only the shape is enforced.
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: invalid phone %q", ErrValidation, raw)
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// PhoneParts splits an E.164 number into country calling code and national number.
func PhoneParts(e164 string) (countryCode int, national string, err error) {
	num, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed phone %q: %v", ErrValidation, e164, err)
	}
	return int(num.GetCountryCode()), phonenumbers.GetNationalSignificantNumber(num), nil
}
