package processor

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/jo-hoe/podqueue/internal/common"
)

// DeriveTitle builds a display title from a source URL: the last path segment
// in title case followed by the domain, "Podcast from <domain>" for bare
// domains, or a fixed fallback when the URL cannot be parsed.
func DeriveTitle(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return common.FallbackTitle
	}
	domain := strings.ReplaceAll(u.Host, "www.", "")

	var last string
	for _, p := range strings.Split(rawPath(rawURL), "/") {
		if p != "" {
			last = p
		}
	}
	if last == "" {
		return "Podcast from " + domain
	}
	last = strings.NewReplacer("-", " ", "_", " ").Replace(last)
	return titleCase(last) + " - " + domain
}

// rawPath returns the path of rawURL exactly as written, without decoding
// percent escapes.
func rawPath(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i:]
	}
	return ""
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		isLetter := unicode.IsLetter(r)
		switch {
		case isLetter && !prevLetter:
			b.WriteRune(unicode.ToUpper(r))
		case isLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}
