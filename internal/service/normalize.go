package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidSource is returned for submissions that are not absolute http(s) URLs.
var ErrInvalidSource = errors.New("invalid source url")

// NormalizeSourceKey turns a submitted URL into the key used for deduplication.
// Scheme and host are lower-cased and the fragment dropped; path and query are kept as given.
func NormalizeSourceKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidSource)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSource)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
