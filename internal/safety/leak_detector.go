package safety

import (
	"regexp"
)

// LeakWarning describes a secret found in tool output.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

// LeakDetector finds secrets in vault content returned by tools before it
// is handed to the model.
type LeakDetector struct{}

// NewLeakDetector creates a new LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// Redacted replaces every secret removed by Redact.
const Redacted = "[REDACTED]"

// Order matters for Redact: provider-specific keys come before the generic
// ones so the warning names the provider.
var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{re: regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), desc: "private key"},
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), desc: "Anthropic API key"},
	{re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), desc: "OpenAI API key"},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), desc: "Google API key"},
	{re: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), desc: "Bearer token"},
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), desc: "API key"},
	{re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), desc: "password"},
}

func sample(match string) string {
	if len(match) > 20 {
		return match[:17] + "..."
	}
	return match
}

// Scan reports secrets in output without modifying it. At most three
// matches are reported per pattern.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
		}
	}
	return warnings
}

// Redact replaces every secret in output with Redacted and reports what
// was removed.
func (d *LeakDetector) Redact(output string) (string, []LeakWarning) {
	if output == "" {
		return output, nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		output = pat.re.ReplaceAllStringFunc(output, func(match string) string {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
			return Redacted
		})
	}
	return output, warnings
}
