package dns

import (
	"strings"

	mdns "github.com/miekg/dns"
)

// SplitHostname splits an FQDN into subdomain and domain parts.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub", "app.example.com")
func SplitHostname(fqdn string) (hostname, domain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) < 2 {
		return fqdn, ""
	}
	return parts[0], parts[1]
}

// CanonicalHostname lower-cases name and strips the trailing root dot.
// Records and resolved hosts are joined on this form.
func CanonicalHostname(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSuffix(mdns.CanonicalName(name), ".")
}

// JoinHostname builds "{label}[.{subdomain}].{zone}" in canonical form. Empty
// parts are omitted.
func JoinHostname(label, subdomain, zone string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{label, subdomain, zone} {
		if p = strings.Trim(strings.TrimSpace(p), "."); p != "" {
			parts = append(parts, p)
		}
	}
	return CanonicalHostname(strings.Join(parts, "."))
}

// ManagedSuffix returns the name suffix ("." + subdomain + "." + zone) that
// every managed record ends with.
func ManagedSuffix(subdomain, zone string) string {
	s := JoinHostname("", subdomain, zone)
	if s == "" {
		return ""
	}
	return "." + s
}

// IsValidHostname reports whether name is a syntactically valid domain name.
func IsValidHostname(name string) bool {
	_, ok := mdns.IsDomainName(name)
	return ok
}
