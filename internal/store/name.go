package store

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName is returned for names that are empty after normalization or
// that cannot be used as a directory name.
var ErrInvalidName = errors.New("invalid identity name")

// NormalizeName applies NFC normalization and trims surrounding whitespace.
// Case is preserved, "alice" and "Alice" are different identities.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return "", ErrInvalidName
		}
	}
	return name, nil
}
