// Package headercomp builds the outbound header set for an upstream attempt
// and the audit diff that explains what happened to every inbound header.
package headercomp

import (
	"net/http"
	"strings"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/capability"
)

// hopByHop headers never cross the proxy. Host and Content-Length are
// regenerated by the outbound client.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

// AuthReplacement records the credential substitution on one attempt.
type AuthReplacement struct {
	// InboundHeader is the downstream credential header that was dropped.
	InboundHeader string `json:"inbound_header"`
	// OutboundHeader is where the upstream credential went; "query:key" for
	// families that authenticate through the query string.
	OutboundHeader string `json:"outbound_header"`
}

// CompensatedHeader is one header added because the client did not send it.
type CompensatedHeader struct {
	Name string `json:"name"`
	// Source is the rule source that supplied the value, e.g.
	// "cookie:causeway_session" or "default".
	Source string `json:"source"`
}

// Diff partitions the header work of one attempt. Values are sanitized at
// record time so the diff is always safe to persist.
type Diff struct {
	Dropped      map[string]string   `json:"dropped,omitempty"`
	AuthReplaced *AuthReplacement    `json:"auth_replaced,omitempty"`
	Compensated  []CompensatedHeader `json:"compensated,omitempty"`
	Unchanged    map[string]string   `json:"unchanged,omitempty"`
}

// SessionCompensated reports whether the session header was synthesized.
func (d *Diff) SessionCompensated() bool {
	for _, c := range d.Compensated {
		if strings.EqualFold(c.Name, "X-Session-Id") {
			return true
		}
	}
	return false
}

// Builder evaluates the merged rule list. Rules are matched in position
// order and the first match per header wins; disabled rules are skipped.
type Builder struct {
	rules []*model.CompensationRule
}

// NewBuilder builds over the loaded rule rows. An empty list falls back to
// the code-defined builtins so a fresh database still gets sane behavior.
func NewBuilder(rules []*model.CompensationRule) *Builder {
	if len(rules) == 0 {
		rules = BuiltinRules()
	}
	return &Builder{rules: rules}
}

// Build computes the outbound headers for one attempt. The upstream
// credential itself is attached by the proxy through the family profile;
// Build only records the substitution in the diff.
func (b *Builder) Build(inbound http.Header, cap capability.Capability) (http.Header, *Diff) {
	profile := capability.ProfileFor(cap)
	diff := &Diff{
		Dropped:   map[string]string{},
		Unchanged: map[string]string{},
	}
	outbound := http.Header{}

	for name, values := range inbound {
		canonical := http.CanonicalHeaderKey(name)
		value := strings.Join(values, ", ")
		if hopByHop[canonical] {
			diff.Dropped[canonical] = common.SanitizeHeaderValue(canonical, value)
			continue
		}
		rule := b.match(cap, canonical)
		switch {
		case rule != nil && rule.Action == model.CompensationDrop:
			diff.Dropped[canonical] = common.SanitizeHeaderValue(canonical, value)
		case rule != nil && rule.Action == model.CompensationReplace:
			replacement, ok := resolveSource(rule.Source, inbound)
			if !ok {
				diff.Dropped[canonical] = common.SanitizeHeaderValue(canonical, value)
				continue
			}
			diff.Dropped[canonical] = common.SanitizeHeaderValue(canonical, value)
			outbound.Set(canonical, replacement)
			diff.Compensated = append(diff.Compensated, CompensatedHeader{Name: canonical, Source: rule.Source})
		default:
			// compensate rules only apply to missing headers; present ones
			// pass through.
			for _, v := range values {
				outbound.Add(canonical, v)
			}
			diff.Unchanged[canonical] = common.SanitizeHeaderValue(canonical, value)
		}
	}

	// The downstream credential never leaks upstream even without a rule
	// row for its header.
	for _, name := range []string{"Authorization", "X-Api-Key", "Api-Key", "X-Goog-Api-Key"} {
		if v := outbound.Get(name); v != "" {
			outbound.Del(name)
			delete(diff.Unchanged, name)
			diff.Dropped[name] = common.SanitizeHeaderValue(name, v)
		}
	}

	// Compensation: configured sources first, then the family defaults.
	for _, rule := range b.rules {
		if !rule.Enabled || rule.Action != model.CompensationCompensate {
			continue
		}
		if !ruleApplies(rule, cap) {
			continue
		}
		canonical := http.CanonicalHeaderKey(rule.HeaderName)
		if outbound.Get(canonical) != "" {
			continue
		}
		if value, ok := resolveSource(rule.Source, inbound); ok && value != "" {
			outbound.Set(canonical, value)
			diff.Compensated = append(diff.Compensated, CompensatedHeader{Name: canonical, Source: rule.Source})
		}
	}
	for name, value := range profile.DefaultHeaders {
		canonical := http.CanonicalHeaderKey(name)
		if outbound.Get(canonical) == "" {
			outbound.Set(canonical, value)
			diff.Compensated = append(diff.Compensated, CompensatedHeader{Name: canonical, Source: "default"})
		}
	}

	target := profile.AuthHeader
	if target == "" {
		target = "query:key"
	}
	diff.AuthReplaced = &AuthReplacement{
		InboundHeader:  "Authorization",
		OutboundHeader: target,
	}
	return outbound, diff
}

// match returns the first enabled rule for a header, or nil.
func (b *Builder) match(cap capability.Capability, canonicalName string) *model.CompensationRule {
	for _, rule := range b.rules {
		if !rule.Enabled || rule.Action == model.CompensationCompensate {
			continue
		}
		if !ruleApplies(rule, cap) {
			continue
		}
		if http.CanonicalHeaderKey(rule.HeaderName) == canonicalName {
			return rule
		}
	}
	return nil
}

func ruleApplies(rule *model.CompensationRule, cap capability.Capability) bool {
	return rule.Capability == "" || rule.Capability == string(cap)
}

// resolveSource evaluates a rule source against the inbound request.
func resolveSource(source string, inbound http.Header) (string, bool) {
	switch {
	case strings.HasPrefix(source, "value:"):
		return strings.TrimPrefix(source, "value:"), true
	case strings.HasPrefix(source, "header:"):
		name := strings.TrimPrefix(source, "header:")
		v := inbound.Get(name)
		return v, v != ""
	case strings.HasPrefix(source, "cookie:"):
		name := strings.TrimPrefix(source, "cookie:")
		return cookieValue(inbound.Get("Cookie"), name)
	default:
		return "", false
	}
}

func cookieValue(cookieHeader, name string) (string, bool) {
	if cookieHeader == "" {
		return "", false
	}
	req := http.Request{Header: http.Header{"Cookie": {cookieHeader}}}
	c, err := req.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// BuiltinRules is the code-defined policy: strip downstream credentials and
// synthesize the session header from the gateway cookie when absent. These
// rows are seeded into compensation_rules so admins can disable them.
func BuiltinRules() []*model.CompensationRule {
	return []*model.CompensationRule{
		{HeaderName: "Authorization", Action: model.CompensationDrop, Builtin: true, Enabled: true, Position: 0},
		{HeaderName: "X-Api-Key", Action: model.CompensationDrop, Builtin: true, Enabled: true, Position: 1},
		{HeaderName: "Api-Key", Action: model.CompensationDrop, Builtin: true, Enabled: true, Position: 2},
		{HeaderName: "X-Goog-Api-Key", Action: model.CompensationDrop, Builtin: true, Enabled: true, Position: 3},
		{HeaderName: "X-Session-Id", Action: model.CompensationCompensate, Source: "cookie:causeway_session", Builtin: true, Enabled: true, Position: 4},
	}
}

// EnsureBuiltins seeds any missing builtin rows so they appear in the admin
// rule list. Existing rows, including disabled ones, are left alone.
func EnsureBuiltins() error {
	existing, err := model.ListCompensationRules()
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, rule := range existing {
		if rule.Builtin {
			have[strings.ToLower(rule.HeaderName)+"|"+rule.Action] = true
		}
	}
	for _, rule := range BuiltinRules() {
		if have[strings.ToLower(rule.HeaderName)+"|"+rule.Action] {
			continue
		}
		if err := model.DB.Create(rule).Error; err != nil {
			return err
		}
	}
	return nil
}
