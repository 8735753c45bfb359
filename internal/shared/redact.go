package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret material in logs and persisted errors.
const Redacted = "[REDACTED]"

// secretRule matches a secret. When keep is set, the first capture group
// (the label, such as "api_key=") survives and only the value is replaced.
type secretRule struct {
	re   *regexp.Regexp
	keep bool
}

var secretRules = []secretRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*"?)[^\s"',;]{8,}`), true},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{12,}`), true},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), false},
	{regexp.MustCompile(`sk-(?:ant-|proj-|or-)?[A-Za-z0-9_\-]{20,}`), false},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|$)`), false},
}

// Redact masks provider keys, bearer tokens, labelled credentials and
// private key blocks in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range secretRules {
		if rule.keep {
			s = rule.re.ReplaceAllString(s, "${1}"+Redacted)
			continue
		}
		s = rule.re.ReplaceAllLiteralString(s, Redacted)
	}
	return s
}

var sensitiveKeyParts = []string{"token", "secret", "password", "passwd", "authorization", "api_key", "apikey", "credential", "bearer"}

// SensitiveKey reports whether a field or variable name suggests its value
// is a credential, e.g. "GEMINI_API_KEY" or "auth_token".
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
