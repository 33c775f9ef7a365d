// Package openchat fetches and parses LINE OpenChat ticket pages.
package openchat

import (
	"net/url"
	"strings"
)

// ticketPagePrefixes are the only accepted ticket page URL shapes.
var ticketPagePrefixes = []string{
	"https://line.me/ti/g2/",
	"https://line.me/R/ti/g2/",
	"https://line.naver.jp/ti/g2/",
	"https://line.naver.jp/R/ti/g2/",
}

// IsValidTicketPageURL reports whether pageURL starts with one of the known
// ticket page prefixes. The comparison is exact and case-sensitive.
func IsValidTicketPageURL(pageURL string) bool {
	for _, p := range ticketPagePrefixes {
		if strings.HasPrefix(pageURL, p) {
			return true
		}
	}
	return false
}

// CanonicalURL rewrites a valid ticket page URL onto https://line.me, keeping
// path and query. Rooms are keyed by the canonical form so the same page
// cannot be registered twice under different hosts.
func CanonicalURL(pageURL string) (string, error) {
	if !IsValidTicketPageURL(pageURL) {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", ErrInvalidURL
	}
	u.Host = "line.me"
	u.Fragment = ""
	return u.String(), nil
}
