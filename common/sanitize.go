package common

import "strings"

const maskedValue = "***"

// sensitiveNameFragments flags header names that must never be persisted
// with their real value. Matched case-insensitively as substrings.
var sensitiveNameFragments = []string{
	"authorization",
	"api-key",
	"x-key",
	"secret",
	"token",
}

// IsSensitiveHeaderName reports whether a header's value must be masked
// before it is logged or persisted in a header diff.
func IsSensitiveHeaderName(name string) bool {
	lower := strings.ToLower(name)
	if lower == "cookie" || lower == "set-cookie" {
		return true
	}
	for _, fragment := range sensitiveNameFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// SanitizeHeaderValue masks the value of sensitive headers. Bearer and
// sk-prefixed credentials keep a short prefix and suffix bracketing "***";
// everything else sensitive collapses to "***". Values that already carry a
// mask pass through untouched, and non-sensitive headers are returned as-is.
func SanitizeHeaderValue(name, value string) string {
	if !IsSensitiveHeaderName(name) {
		return value
	}
	return MaskCredential(value)
}

// MaskCredential masks a credential-looking value regardless of which header
// carried it.
func MaskCredential(value string) string {
	if value == "" || strings.Contains(value, maskedValue) {
		return value
	}

	scheme := ""
	token := value
	if sp := strings.IndexByte(value, ' '); sp > 0 && strings.EqualFold(value[:sp], "bearer") {
		scheme = value[:sp+1]
		token = value[sp+1:]
	}

	if scheme == "" && !strings.HasPrefix(token, "sk-") {
		return maskedValue
	}
	return scheme + maskToken(token)
}

func maskToken(token string) string {
	if len(token) < 12 {
		return maskedValue
	}
	return token[:6] + maskedValue + token[len(token)-4:]
}

// TruncateForLog bounds free-form text (upstream error bodies, decision
// notes) before it lands in a log field or a failover history entry.
func TruncateForLog(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const suffix = "...[truncated]"
	if limit <= len(suffix) {
		return s[:limit]
	}
	return s[:limit-len(suffix)] + suffix
}
