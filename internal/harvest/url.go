package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL standardizes a URL so duplicates collapse to one key.
// It lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return "", fmt.Errorf("parse url: unsupported scheme %q", u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	if u.RawQuery == "" {
		u.ForceQuery = false
	}

	return u.String(), nil
}

// Domain extracts the lowercase hostname of a URL, without any port.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ResolveRef makes ref absolute against base. Empty or unparsable refs
// resolve to "".
func ResolveRef(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := b.ResolveReference(r)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// BaseDomain reduces a hostname to its last two labels, with a leading
// "www." stripped first. It is a heuristic, not a public-suffix lookup.
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// SameSite reports whether two URLs belong to the same site, comparing base
// domains so subdomains and CDN hosts of the seed still qualify.
func SameSite(a, b string) bool {
	da, db := Domain(a), Domain(b)
	if da == "" || db == "" {
		return false
	}
	return BaseDomain(da) == BaseDomain(db)
}
