package safety

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/placeholder"
)

// Tier is a creator's trust level. Higher tiers unlock more integration features.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierTrusted  Tier = "trusted"
	TierAdvanced Tier = "advanced"
)

// Capabilities is what a tier may use.
type Capabilities struct {
	MaxIntegrations int
	// Methods lists allowed HTTP methods; nil allows all standard methods.
	Methods       []string
	PathVariables bool
	Body          bool
}

var tiers = map[Tier]Capabilities{
	TierBasic:    {MaxIntegrations: 2, Methods: []string{http.MethodGet}},
	TierStandard: {MaxIntegrations: 5, Methods: []string{http.MethodGet, http.MethodPost}, Body: true},
	TierTrusted:  {MaxIntegrations: 10, Methods: []string{http.MethodGet, http.MethodPost}, PathVariables: true, Body: true},
	TierAdvanced: {MaxIntegrations: 25, PathVariables: true, Body: true},
}

var standardMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead,
}

// ParseTier validates a tier name. An empty name is the basic tier.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierBasic, nil
	}
	t := Tier(strings.ToLower(s))
	if _, ok := tiers[t]; !ok {
		return "", fmt.Errorf("unknown trust tier %q", s)
	}
	return t, nil
}

// Capabilities returns what the tier allows. Unknown tiers get basic capabilities.
func (t Tier) Capabilities() Capabilities {
	if c, ok := tiers[t]; ok {
		return c
	}
	return tiers[TierBasic]
}

func (c Capabilities) allowsMethod(m string) bool {
	allowed := c.Methods
	if allowed == nil {
		allowed = standardMethods
	}
	for _, a := range allowed {
		if a == m {
			return true
		}
	}
	return false
}

// spoofHeaders may never be set by a quiz.
var spoofHeaders = map[string]bool{
	"Host":                true,
	"Forwarded":           true,
	"X-Forwarded-For":     true,
	"X-Forwarded-Host":    true,
	"X-Forwarded-Proto":   true,
	"X-Real-Ip":           true,
	"X-Client-Ip":         true,
	"True-Client-Ip":      true,
	"Via":                 true,
	"Proxy-Authorization": true,
	"Connection":          true,
	"Transfer-Encoding":   true,
	"Content-Length":      true,
}

// IsSpoofHeader reports whether name is a forwarding or hop-by-hop header.
func IsSpoofHeader(name string) bool {
	return spoofHeaders[http.CanonicalHeaderKey(name)]
}

// CheckCount enforces the tier's integration limit for one quiz.
func CheckCount(tier Tier, n int) error {
	if max := tier.Capabilities().MaxIntegrations; n > max {
		return blocked(StageStructure, "%d integrations exceed the %s tier limit of %d", n, tier, max)
	}
	return nil
}

// CheckStructure is stage one: the integration's shape must be allowed for the tier.
// It returns every problem found.
func CheckStructure(tier Tier, in domain.APIIntegration) []error {
	caps := tier.Capabilities()
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, blocked(StageStructure, format, args...))
	}

	method := Method(in.Method)
	if !caps.allowsMethod(method) {
		fail("method %s is not allowed for the %s tier", method, tier)
	}

	tpl := placeholder.Parse(in.URL)
	hostEnd, ok := authorityEnd(in.URL)
	if !ok {
		fail("url must be absolute")
	} else {
		pathEnd := len(in.URL)
		if i := strings.IndexAny(in.URL[hostEnd:], "?#"); i >= 0 {
			pathEnd = hostEnd + i
		}
		for _, ref := range tpl.Refs() {
			switch {
			case ref.Start < hostEnd:
				fail("placeholder %s may not appear in the url scheme or host", ref)
			case ref.Start < pathEnd && !caps.PathVariables:
				fail("placeholder %s in the url path requires the trusted tier", ref)
			}
		}
	}

	if len(in.Body) > 0 {
		if !caps.Body {
			fail("request bodies are not allowed for the %s tier", tier)
		}
		if method == http.MethodGet || method == http.MethodHead {
			fail("%s requests cannot carry a body", method)
		}
	}

	names := make([]string, 0, len(in.Headers))
	for name := range in.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if IsSpoofHeader(name) {
			fail("header %s may not be set", http.CanonicalHeaderKey(name))
		}
	}

	for _, field := range []string{in.Auth.Value, in.Auth.Username, in.Auth.Password, in.Auth.TokenURL, in.Auth.ClientID, in.Auth.ClientSecret} {
		if !placeholder.Parse(field).Static() {
			fail("authentication fields may not contain placeholders")
			break
		}
	}
	return errs
}

// Method normalizes an HTTP method; empty means GET.
func Method(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

// authorityEnd returns the offset just past the host[:port] of an absolute URL template.
func authorityEnd(raw string) (int, bool) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return 0, false
	}
	start := i + 3
	end := strings.IndexAny(raw[start:], "/?#")
	if end < 0 {
		return len(raw), true
	}
	return start + end, true
}
