package text

import (
	"errors"
	"strings"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Normalize prepares raw input text for tokenization. Line breaks become
// spaces, runs of whitespace collapse to one space and the result is
// trimmed.
func Normalize(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")

	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}
