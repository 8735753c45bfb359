package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Severity grades a scope violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation records one denied access attempt.
type Violation struct {
	AgentID       string    `json:"agent_id"`
	AttemptedPath string    `json:"attempted_path"`
	AllowedScope  []string  `json:"allowed_scope"`
	Severity      Severity  `json:"severity"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
}

// ScopeViolationError is returned by Enforcer.RequireAccess in strict mode.
type ScopeViolationError struct {
	Violation Violation
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("scope violation: agent %q may not access %q (allowed: %s)",
		e.Violation.AgentID, e.Violation.AttemptedPath, strings.Join(e.Violation.AllowedScope, ", "))
}

// Matcher is a compiled scope pattern.
type Matcher struct {
	pattern string
	all     bool
	re      *regexp.Regexp
	prefix  string
}

// Pattern returns the source pattern.
func (m Matcher) Pattern() string { return m.pattern }

// CompileScope compiles pattern relative to the vault base directory.
//
// "**" and "**/*" match everything. Patterns containing a wildcard become
// anchored regular expressions where "**" spans directories and "*" does not;
// a trailing "/**" also matches the directory itself. Literal patterns match
// the path and anything below it.
func CompileScope(pattern, base string) Matcher {
	p := normalizePath(pattern, base)
	if p == "**" || p == "**/*" {
		return Matcher{pattern: pattern, all: true}
	}
	if !strings.Contains(p, "*") {
		return Matcher{pattern: pattern, prefix: p}
	}
	suffix := ""
	if strings.HasSuffix(p, "/**") {
		p = strings.TrimSuffix(p, "/**")
		suffix = "(/.*)?"
	}
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(p); {
		if strings.HasPrefix(p[i:], "**") {
			b.WriteString(".*")
			i += 2
			continue
		}
		if p[i] == '*' {
			b.WriteString("[^/]*")
			i++
			continue
		}
		b.WriteString(regexp.QuoteMeta(p[i : i+1]))
		i++
	}
	b.WriteString(suffix)
	b.WriteString("$")
	return Matcher{pattern: pattern, re: regexp.MustCompile(b.String())}
}

// Match reports whether a normalized path is covered by the scope.
func (m Matcher) Match(path string) bool {
	switch {
	case m.all:
		return true
	case m.re != nil:
		return m.re.MatchString(path)
	case m.prefix == "" || m.prefix == ".":
		return true
	default:
		return path == m.prefix || strings.HasPrefix(path, m.prefix+"/")
	}
}

// AccessResult is the outcome of CheckAccess.
type AccessResult struct {
	Allowed      bool
	MatchedScope string
	Path         string // normalized, vault-relative when inside the vault
	Violation    *Violation
}

// CheckAccess decides whether an agent holding scopes may touch path.
// A denial carries a Violation; CheckAccess itself never fails.
func CheckAccess(agentID string, scopes []string, path, base string, now time.Time) AccessResult {
	norm := normalizePath(path, base)
	for _, s := range scopes {
		if CompileScope(s, base).Match(norm) {
			return AccessResult{Allowed: true, MatchedScope: s, Path: norm}
		}
	}
	v := Violation{
		AgentID:       agentID,
		AttemptedPath: norm,
		AllowedScope:  append([]string(nil), scopes...),
		Severity:      severityFor(norm),
		Timestamp:     now.UTC(),
	}
	if len(scopes) == 0 {
		v.Message = fmt.Sprintf("agent %q has no scope; access to %q denied", agentID, norm)
	} else {
		v.Message = fmt.Sprintf("agent %q attempted %q outside scope %s", agentID, norm, strings.Join(scopes, ", "))
	}
	return AccessResult{Allowed: false, Path: norm, Violation: &v}
}

// normalizePath converts p to a slash-separated path relative to base when
// p lies inside base. Paths outside base stay absolute.
func normalizePath(p, base string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) && base != "" {
		if rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(p)); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
	}
	// Clean collapses "**" segments harmlessly, so glob characters survive.
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}

func severityFor(norm string) Severity {
	switch {
	case strings.HasPrefix(norm, "/"), norm == "..", strings.HasPrefix(norm, "../"):
		return SeverityHigh
	case strings.HasPrefix(norm, ".vaultclaw"), strings.HasPrefix(norm, "_agents/"):
		return SeverityHigh
	default:
		return SeverityMedium
	}
}
