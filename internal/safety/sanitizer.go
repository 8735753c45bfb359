// Package safety screens agent mail for prompt injection and tool output
// for leaked secrets.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the response a screening rule asks for. Higher values are
// stronger.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	}
	return "allow"
}

// Rule is one screening pattern. Expr is a case-insensitive regular
// expression.
type Rule struct {
	Name   string
	Action Action
	Expr   string
}

// DefaultRules screen inter-agent requests. Block rules cover attempts to
// override instructions, extract the system prompt, or talk the agent out
// of its scope; warn rules cover markers that are only suspicious.
var DefaultRules = []Rule{
	{"override: ignore previous instructions", ActionBlock, `\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`},
	{"override: identity swap", ActionBlock, `\byou\s+are\s+now\s+(a|an|the)\s+\w+`},
	{"override: replacement prompt", ActionBlock, `\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`},
	{"override: forget instructions", ActionBlock, `\bforget\s+(everything|all|your)\b`},
	{"extraction: reveal prompt", ActionBlock, `\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`},
	{"extraction: prompt question", ActionBlock, `\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`},
	{"policy bypass: scope or allowlist", ActionBlock, `\b(disable|bypass|circumvent|turn\s+off|ignore)\s+(the\s+|your\s+)?(scope|allowlist|access\s+control)\b`},
	{"marker: [SYSTEM] tag", ActionWarn, `\[\s*system\s*\]`},
	{"marker: chat template tag", ActionWarn, `<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`},
	{"marker: base64 ignore", ActionWarn, `(aWdub3Jl|SWdub3Jl)`},
	{"path traversal outside the vault", ActionWarn, `(\.\.[/\\]){2,}`},
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Sanitizer screens messages one agent sends another.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer compiles DefaultRules followed by extra.
func NewSanitizer(extra ...Rule) (*Sanitizer, error) {
	all := append(append([]Rule(nil), DefaultRules...), extra...)
	s := &Sanitizer{rules: make([]compiledRule, 0, len(all))}
	for _, r := range all {
		re, err := regexp.Compile(`(?i)` + r.Expr)
		if err != nil {
			return nil, fmt.Errorf("safety rule %q: %w", r.Name, err)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re})
	}
	return s, nil
}

// Verdict is the outcome of Check. Rule is empty when Action is allow.
type Verdict struct {
	Action Action
	Rule   string
}

// Err is non-nil for a blocked input.
func (v Verdict) Err() error {
	if v.Action != ActionBlock {
		return nil
	}
	return fmt.Errorf("request rejected by content screening: %s", v.Rule)
}

// Check returns the strongest matching verdict; among equally strong rules
// the first one listed wins.
func (s *Sanitizer) Check(input string) Verdict {
	var v Verdict
	if strings.TrimSpace(input) == "" {
		return v
	}
	for _, r := range s.rules {
		if r.Action <= v.Action || !r.re.MatchString(input) {
			continue
		}
		v = Verdict{Action: r.Action, Rule: r.Name}
		if v.Action == ActionBlock {
			break
		}
	}
	return v
}
