// Package safety decides whether an outbound request to a creator-supplied URL
// may be made. Every stage is a hard gate: a failure aborts with a
// BlockedError naming the stage and never falls through.
package safety

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Policy configures a Validator.
type Policy struct {
	// Allowlist is the global host allowlist shared by all creators.
	Allowlist Allowlist
	// Ports allowed in URLs besides the default https port.
	Ports []string
	// DNSTimeout bounds each stage four lookup.
	DNSTimeout time.Duration
}

// Validator runs stages two to four, and the redirect stage, for expanded URLs.
type Validator struct {
	policy   Policy
	resolver Resolver
}

// NewValidator builds a validator. A nil resolver uses net.DefaultResolver.
func NewValidator(policy Policy, resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if policy.DNSTimeout <= 0 {
		policy.DNSTimeout = 2 * time.Second
	}
	policy.Ports = append([]string{"443"}, policy.Ports...)
	return &Validator{policy: policy, resolver: resolver}
}

// ValidateURL runs stage two with the validator's port policy.
func (v *Validator) ValidateURL(raw string) (*url.URL, error) {
	return ValidateURL(raw, v.policy.Ports)
}

// Check runs stages two, three and four against a fully expanded URL.
func (v *Validator) Check(ctx context.Context, raw string, creator Allowlist) (*url.URL, error) {
	u, err := v.ValidateURL(raw)
	if err != nil {
		return nil, err
	}
	if err := CheckAllowlist(u.Hostname(), v.policy.Allowlist, creator); err != nil {
		return nil, err
	}
	if err := v.CheckDNS(ctx, u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckDNS re-runs stage four on its own, e.g. right before a retry.
func (v *Validator) CheckDNS(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, v.policy.DNSTimeout)
	defer cancel()
	_, err := CheckDNS(ctx, v.resolver, host)
	return err
}

// CheckRedirect is stage five: a redirect target must clear stages two to four
// again before it may be followed. Failures are reported as redirect blocks.
func (v *Validator) CheckRedirect(ctx context.Context, target *url.URL, creator Allowlist) error {
	if _, err := v.Check(ctx, target.String(), creator); err != nil {
		if be, ok := err.(*BlockedError); ok {
			return blocked(StageRedirect, "%s (%s stage)", be.Reason, be.Stage)
		}
		return err
	}
	return nil
}

// CheckStatic runs stages two and three without resolving the host. It is used
// when a quiz is validated, before any request exists.
func (v *Validator) CheckStatic(raw string, creator Allowlist) (*url.URL, error) {
	u, err := v.ValidateURL(raw)
	if err != nil {
		return nil, err
	}
	if err := CheckAllowlist(u.Hostname(), v.policy.Allowlist, creator); err != nil {
		return nil, err
	}
	return u, nil
}
