// Package urlx provides small URL utilities used across the project.
package urlx

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotAbsolute is returned for URLs without a scheme or host.
var ErrNotAbsolute = errors.New("url must be absolute")

// Normalize canonicalizes a target URL for dedup purposes: scheme and host
// are lowercased, default ports and trailing slashes dropped, fragments
// stripped. The query string is kept as-is since it can carry search state.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q: %w", raw, ErrNotAbsolute)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// Dedupe normalizes the given URLs and drops duplicates while preserving the
// order of first appearance. Unparseable entries are returned in bad.
func Dedupe(raws []string) (distinct []string, bad []string) {
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		n, err := Normalize(raw)
		if err != nil {
			bad = append(bad, raw)
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		distinct = append(distinct, n)
	}
	return distinct, bad
}

// HostAllowed reports whether the URL targets the given host family: the
// apex domain itself or any subdomain of it. Comparison is case-insensitive
// and ignores an explicit port.
func HostAllowed(raw, apex string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	apex = strings.ToLower(apex)
	return host == apex || strings.HasSuffix(host, "."+apex)
}
