package validation

import (
	"errors"
	"strings"
	"unicode"
)

// Default length bounds in runes.
const (
	DefaultMaxCityLen    = 100
	DefaultMaxCountryLen = 64
)

// ErrLocationEmpty is returned when the city is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("city is required")

// ErrLocationTooLong is returned when a value exceeds its maximum length.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when a value contains control characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ValidateCity trims the input, requires it to be non-empty, enforces maxLen (in runes, 0 means
// unbounded) and rejects control characters. Returns the trimmed city. Case is preserved;
// normalization for cache keys is left to the service layer.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrLocationEmpty
	}
	if err := checkValue(s, maxLen); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateCountry trims the input. An empty or whitespace-only country is valid and returns "",
// meaning no country filter.
func ValidateCountry(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", nil
	}
	if err := checkValue(s, maxLen); err != nil {
		return "", err
	}
	return s, nil
}

func checkValue(s string, maxLen int) error {
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) {
			return ErrLocationInvalidChars
		}
		n++
	}
	if maxLen > 0 && n > maxLen {
		return ErrLocationTooLong
	}
	return nil
}
