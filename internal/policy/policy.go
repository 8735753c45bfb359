// Package policy holds the two access policies of the kernel: path scopes
// (which vault files an agent may touch) and the delegation allowlist
// (which skills an agent may invoke).
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface used by consumers to gate skill delegation.
type Checker interface {
	CanSpawnSkill(agentID, agentType, skillID string) bool
	PolicyVersion() string
}

// AllowlistEntry grants a caller a set of skills. A caller is matched by
// AgentPattern (exact id, or prefix wildcard such as "research-*"); entries
// with no pattern match by AgentType.
type AllowlistEntry struct {
	AgentPattern  string   `yaml:"agent_pattern,omitempty"`
	AgentType     string   `yaml:"agent_type,omitempty"`
	AllowedSkills []string `yaml:"allowed_skills"`
}

// Allowlist is the serializable delegation policy.
type Allowlist struct {
	DefaultAllow bool             `yaml:"default_allow"`
	Entries      []AllowlistEntry `yaml:"entries"`
}

// Default lets admin agents invoke any skill and denies everyone else.
func Default() Allowlist {
	return Allowlist{
		DefaultAllow: false,
		Entries: []AllowlistEntry{
			{AgentType: "admin", AllowedSkills: []string{"*"}},
		},
	}
}

var knownAgentTypes = map[string]struct{}{
	"admin":   {},
	"project": {},
	"skill":   {},
}

// Load reads an allowlist file. A missing or empty file yields Default.
func Load(path string) (Allowlist, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Allowlist{}, fmt.Errorf("read allowlist: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var a Allowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Allowlist{}, fmt.Errorf("parse allowlist: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Allowlist{}, err
	}
	return a, nil
}

// CanSpawnSkill resolves the caller's entry by exact id, then the longest
// matching prefix wildcard, then agent type, then the default. The matched
// entry permits the skill when it lists "*" or the exact skill id.
func (a Allowlist) CanSpawnSkill(agentID, agentType, skillID string) bool {
	entry, ok := a.match(agentID, agentType)
	if !ok {
		return a.DefaultAllow
	}
	for _, s := range entry.AllowedSkills {
		s = strings.TrimSpace(s)
		if s == "*" || s == skillID {
			return true
		}
	}
	return false
}

func (a Allowlist) match(agentID, agentType string) (AllowlistEntry, bool) {
	for _, e := range a.Entries {
		if e.AgentPattern != "" && !strings.HasSuffix(e.AgentPattern, "*") && e.AgentPattern == agentID {
			return e, true
		}
	}
	best, bestLen := AllowlistEntry{}, -1
	for _, e := range a.Entries {
		if !strings.HasSuffix(e.AgentPattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(e.AgentPattern, "*")
		if strings.HasPrefix(agentID, prefix) && len(prefix) > bestLen {
			best, bestLen = e, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	for _, e := range a.Entries {
		if e.AgentPattern == "" && e.AgentType != "" && strings.EqualFold(e.AgentType, agentType) {
			return e, true
		}
	}
	return AllowlistEntry{}, false
}

// PolicyVersion returns a stable fingerprint of the allowlist contents.
func (a Allowlist) PolicyVersion() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default_allow=" + strconv.FormatBool(a.DefaultAllow) + "|"))
	for _, e := range a.Entries {
		skills := append([]string(nil), e.AllowedSkills...)
		sort.Strings(skills)
		_, _ = h.Write([]byte(e.AgentPattern + "/" + e.AgentType + "=" + strings.Join(skills, ",") + "|"))
	}
	return "allowlist-" + strconv.FormatUint(h.Sum64(), 16)
}

// Validate checks entry patterns and agent types.
func (a Allowlist) Validate() error {
	for i, e := range a.Entries {
		if e.AgentPattern == "" && e.AgentType == "" {
			return fmt.Errorf("allowlist entry %d: agent_pattern or agent_type is required", i)
		}
		if e.AgentType != "" {
			if _, ok := knownAgentTypes[strings.ToLower(e.AgentType)]; !ok {
				return fmt.Errorf("allowlist entry %d: unknown agent_type %q", i, e.AgentType)
			}
		}
		if strings.Count(e.AgentPattern, "*") > 1 || (strings.Contains(e.AgentPattern, "*") && !strings.HasSuffix(e.AgentPattern, "*")) {
			return fmt.Errorf("allowlist entry %d: only trailing wildcards are supported in %q", i, e.AgentPattern)
		}
	}
	return nil
}

func (a Allowlist) clone() Allowlist {
	cp := Allowlist{DefaultAllow: a.DefaultAllow}
	for _, e := range a.Entries {
		e.AllowedSkills = append([]string(nil), e.AllowedSkills...)
		cp.Entries = append(cp.Entries, e)
	}
	return cp
}

// LiveAllowlist is a concurrency-safe allowlist that can be changed at
// runtime. Mutations are persisted to path when one is set.
type LiveAllowlist struct {
	mu   sync.RWMutex
	data Allowlist
	path string // file path for persistence; empty = no persistence
}

// NewLiveAllowlist wraps initial. path may be empty.
func NewLiveAllowlist(initial Allowlist, path string) *LiveAllowlist {
	return &LiveAllowlist{data: initial.clone(), path: path}
}

func (la *LiveAllowlist) CanSpawnSkill(agentID, agentType, skillID string) bool {
	la.mu.RLock()
	defer la.mu.RUnlock()
	return la.data.CanSpawnSkill(agentID, agentType, skillID)
}

func (la *LiveAllowlist) PolicyVersion() string {
	la.mu.RLock()
	defer la.mu.RUnlock()
	return la.data.PolicyVersion()
}

// SetDefault changes the fallback decision.
func (la *LiveAllowlist) SetDefault(allow bool) error {
	la.mu.Lock()
	defer la.mu.Unlock()
	la.data.DefaultAllow = allow
	return la.persist()
}

// PutEntry adds e, replacing an entry with the same pattern and type.
func (la *LiveAllowlist) PutEntry(e AllowlistEntry) error {
	la.mu.Lock()
	defer la.mu.Unlock()
	next := la.data.clone()
	replaced := false
	for i := range next.Entries {
		if next.Entries[i].AgentPattern == e.AgentPattern && next.Entries[i].AgentType == e.AgentType {
			next.Entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		next.Entries = append(next.Entries, e)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	la.data = next
	return la.persist()
}

// RemoveEntry deletes the entry with the given pattern and type.
func (la *LiveAllowlist) RemoveEntry(agentPattern, agentType string) (bool, error) {
	la.mu.Lock()
	defer la.mu.Unlock()
	for i, e := range la.data.Entries {
		if e.AgentPattern == agentPattern && e.AgentType == agentType {
			la.data.Entries = append(la.data.Entries[:i], la.data.Entries[i+1:]...)
			return true, la.persist()
		}
	}
	return false, nil
}

// Reload replaces the allowlist from a fresh snapshot.
func (la *LiveAllowlist) Reload(a Allowlist) {
	la.mu.Lock()
	defer la.mu.Unlock()
	la.data = a.clone()
}

// Snapshot returns a copy of the current allowlist.
func (la *LiveAllowlist) Snapshot() Allowlist {
	la.mu.RLock()
	defer la.mu.RUnlock()
	return la.data.clone()
}

// ReloadFromFile updates the live allowlist only when the incoming file
// parses and validates. On error, the previous policy remains active.
func ReloadFromFile(la *LiveAllowlist, path string) error {
	if la == nil {
		return fmt.Errorf("nil live allowlist")
	}
	a, err := Load(path)
	if err != nil {
		return err
	}
	la.Reload(a)
	return nil
}

func (la *LiveAllowlist) persist() error {
	if la.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&la.data)
	if err != nil {
		return fmt.Errorf("marshal allowlist: %w", err)
	}
	return os.WriteFile(la.path, out, 0o644)
}
