package validation

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRegionLen is the rune limit applied when none is configured.
// The longest prefecture name is four characters; the slack allows romanized names.
const DefaultMaxRegionLen = 32

// ErrRegionTooLong is returned when the region exceeds the maximum length.
var ErrRegionTooLong = errors.New("region too long")

// ErrRegionInvalidChars is returned when the region contains a path separator,
// is a dot segment, or holds control characters. Everything else is escaped
// into the upstream path as-is.
var ErrRegionInvalidChars = errors.New("region contains invalid characters")

// ErrRegionInvalidEncoding is returned for input that is not valid UTF-8.
var ErrRegionInvalidEncoding = errors.New("region is not valid UTF-8")

// ValidateRegion checks a region query value. The empty string is valid and
// selects the national average. The value is returned unchanged: regions are
// case-sensitive and never trimmed.
func ValidateRegion(input string, maxLen int) (string, error) {
	if input == "" {
		return "", nil
	}
	if !utf8.ValidString(input) {
		return "", ErrRegionInvalidEncoding
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxRegionLen
	}
	if utf8.RuneCountInString(input) > maxLen {
		return "", ErrRegionTooLong
	}
	if input == "." || input == ".." {
		return "", ErrRegionInvalidChars
	}
	if strings.IndexFunc(input, isDisallowedRegionRune) >= 0 {
		return "", ErrRegionInvalidChars
	}
	return input, nil
}

// isDisallowedRegionRune rejects path separators and control characters.
// Spaces, '%', '?' and '#' are allowed; the client path-escapes them.
func isDisallowedRegionRune(r rune) bool {
	switch r {
	case '/', '\\':
		return true
	}
	return unicode.IsControl(r)
}
