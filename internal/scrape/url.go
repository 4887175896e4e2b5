package scrape

import (
	"net/url"
	"strings"
)

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: "url", Reason: "url required"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "url", Reason: "malformed url"}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" {
		return "", &ValidationError{Field: "url", Reason: "url must be an absolute http or https address"}
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

// Hostname extracts a lowercase host, or "invalid-url" when parsing fails.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "invalid-url"
	}
	return strings.ToLower(u.Hostname())
}
