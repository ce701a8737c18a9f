package safety

import (
	"net/netip"
	"net/url"
	"strings"
)

// localhostAliases resolve to the local machine or a cloud metadata service on
// common platforms.
var localhostAliases = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"instance-data":            true,
	"kubernetes":               true,
	"kubernetes.default":       true,
}

var internalSuffixes = []string{
	".localhost", ".local", ".localdomain", ".internal", ".intranet", ".corp",
	".home", ".lan", ".private", ".arpa", ".svc", ".cluster.local",
}

// ValidateURL is stage two: it parses a fully expanded URL and rejects anything
// that is not a plain https URL naming a public DNS host.
func ValidateURL(raw string, ports []string) (*url.URL, error) {
	if strings.ContainsAny(raw, "\\\r\n\t ") {
		return nil, blocked(StageURL, "url contains whitespace or backslashes")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, blocked(StageURL, "url does not parse")
	}
	if u.Scheme != "https" {
		return nil, blocked(StageURL, "scheme %q is not https", u.Scheme)
	}
	if u.Opaque != "" || u.Host == "" {
		return nil, blocked(StageURL, "url has no host")
	}
	if u.User != nil || strings.Contains(u.Host, "@") {
		return nil, blocked(StageURL, "url carries credentials")
	}
	if port := u.Port(); port != "" && !contains(ports, port) {
		return nil, blocked(StageURL, "port %s is not allowed", port)
	}
	if strings.HasSuffix(u.Host, ":") {
		return nil, blocked(StageURL, "url has an empty port")
	}
	if err := checkHostname(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

func checkHostname(host string) error {
	host = normalizeHost(host)
	if host == "" {
		return blocked(StageURL, "url has no host")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return blocked(StageURL, "literal ip address %s", host)
	}
	for _, r := range host {
		if r != '.' && r != '-' && !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return blocked(StageURL, "hostname contains %q", r)
		}
	}
	labels := strings.Split(host, ".")
	if numericLabels(labels) {
		return blocked(StageURL, "numeric host %s", host)
	}
	if len(labels) < 2 {
		return blocked(StageURL, "single-label host %s", host)
	}
	if localhostAliases[host] {
		return blocked(StageURL, "local host alias %s", host)
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return blocked(StageURL, "internal domain %s", host)
		}
	}
	return nil
}

// numericLabels catches IPv4 written in decimal, octal or hex forms such as
// 2130706433, 0177.0.0.1, 0x7f.1 or 127.1. A numeric final label is never a
// valid top-level domain.
func numericLabels(labels []string) bool {
	last := labels[len(labels)-1]
	if isNumberish(last) {
		return true
	}
	for _, l := range labels {
		if !isNumberish(l) {
			return false
		}
	}
	return true
}

func isNumberish(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "0x") {
		s = s[2:]
		if s == "" {
			return true
		}
		for _, r := range s {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return false
			}
		}
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
