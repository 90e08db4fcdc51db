// Package network validates upstream base URLs before they enter the
// routing table.
package network

import (
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"
)

// ValidateBaseURL parses and vets an upstream base URL. Only http/https
// schemes are accepted, user-info is rejected, and a trailing slash is
// stripped so path joining stays predictable.
func ValidateBaseURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, errors.New("base url is empty")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.Errorf("unsupported base url scheme: %q", parsed.Scheme)
	}
	if parsed.User != nil {
		return nil, errors.New("base url must not include user info")
	}
	if parsed.Hostname() == "" {
		return nil, errors.New("base url host is empty")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, errors.New("base url must not carry a query or fragment")
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed, nil
}
