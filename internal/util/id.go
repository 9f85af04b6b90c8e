package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// CompactID strips the hyphens from a UUID string.
func CompactID(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
