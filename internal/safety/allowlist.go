package safety

import "strings"

// Allowlist holds host patterns: exact names or "*.example.com" wildcards.
// A wildcard matches any subdomain depth but not the bare domain.
type Allowlist []string

// Allows reports whether host matches any pattern.
func (a Allowlist) Allows(host string) bool {
	host = normalizeHost(host)
	for _, p := range a {
		p = normalizeHost(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			if strings.HasSuffix(host, p[1:]) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

// CheckAllowlist is stage three: the host must appear on the global list or the
// creator's own list.
func CheckAllowlist(host string, global, creator Allowlist) error {
	if global.Allows(host) || creator.Allows(host) {
		return nil
	}
	return blocked(StageAllowlist, "host %s is not allowlisted", normalizeHost(host))
}
