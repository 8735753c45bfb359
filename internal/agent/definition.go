package agent

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/basket/vaultclaw/internal/memory"
	"github.com/basket/vaultclaw/internal/vault"
	"gopkg.in/yaml.v3"
)

const (
	DefinitionFile = "AGENT.md"
	MemoryFile     = "MEMORY.md"
)

type Type string

const (
	TypeAdmin   Type = "admin"
	TypeProject Type = "project"
	TypeSkill   Type = "skill"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAdmin, TypeProject, TypeSkill:
		return true
	}
	return false
}

// ErrInvalidDefinition is wrapped by every definition parse failure.
var ErrInvalidDefinition = errors.New("invalid agent definition")

// Definition is a parsed AGENT.md. The file is the source of truth and is
// re-read on every load.
type Definition struct {
	ID           string
	Name         string
	Type         Type
	Scope        []string
	Capabilities []string
	Model        string
	Tags         []string
	Description  string
	Sections     []memory.Section

	// Dir is the vault-relative directory holding AGENT.md.
	Dir string
}

// Section returns the body of the named "## " section.
func (d Definition) Section(name string) (string, bool) {
	for _, s := range d.Sections {
		if strings.EqualFold(s.Name, name) {
			return s.Body, true
		}
	}
	return "", false
}

// HasCapability reports whether the definition lists capability.
func (d Definition) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// MemoryPath is the vault-relative path of the agent's MEMORY.md.
func (d Definition) MemoryPath() string {
	return path.Join(d.Dir, MemoryFile)
}

// stringList accepts either a scalar or a sequence.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if v := strings.TrimSpace(node.Value); v != "" {
			*s = stringList{v}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		out := make(stringList, 0, len(items))
		for _, it := range items {
			if v := strings.TrimSpace(it); v != "" {
				out = append(out, v)
			}
		}
		*s = out
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", node.Line)
}

type header struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	Type         string     `yaml:"type"`
	Scope        stringList `yaml:"scope"`
	Capabilities stringList `yaml:"capabilities,omitempty"`
	Model        string     `yaml:"model,omitempty"`
	Tags         stringList `yaml:"tags,omitempty"`
}

// ParseDefinition parses an AGENT.md document: a YAML front matter header
// followed by "## " sections.
func ParseDefinition(data []byte) (Definition, error) {
	raw, body, err := extractFrontmatter(string(data))
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if raw == "" {
		return Definition{}, fmt.Errorf("%w: missing front matter", ErrInvalidDefinition)
	}
	var h header
	if err := yaml.Unmarshal([]byte(raw), &h); err != nil {
		return Definition{}, fmt.Errorf("%w: parse front matter: %w", ErrInvalidDefinition, err)
	}

	def := Definition{
		ID:           strings.TrimSpace(h.ID),
		Name:         strings.TrimSpace(h.Name),
		Type:         Type(strings.ToLower(strings.TrimSpace(h.Type))),
		Scope:        h.Scope,
		Capabilities: h.Capabilities,
		Model:        strings.TrimSpace(h.Model),
		Tags:         h.Tags,
	}
	switch {
	case def.ID == "":
		return Definition{}, fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	case def.Type == "":
		return Definition{}, fmt.Errorf("%w: missing type", ErrInvalidDefinition)
	case !def.Type.Valid():
		return Definition{}, fmt.Errorf("%w: unknown type %q", ErrInvalidDefinition, def.Type)
	case len(def.Scope) == 0:
		return Definition{}, fmt.Errorf("%w: missing scope", ErrInvalidDefinition)
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	doc := memory.ParseDocument(body)
	def.Description = doc.Preamble
	def.Sections = doc.Sections
	return def, nil
}

// RenderDefinition renders def as an AGENT.md document.
func RenderDefinition(def Definition) ([]byte, error) {
	h := header{
		ID:           def.ID,
		Name:         def.Name,
		Type:         string(def.Type),
		Scope:        def.Scope,
		Capabilities: def.Capabilities,
		Model:        def.Model,
		Tags:         def.Tags,
	}
	front, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	doc := &memory.Document{
		Title:    def.Name,
		Preamble: def.Description,
		Sections: def.Sections,
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n")
	b.WriteString(doc.String())
	return []byte(b.String()), nil
}

// LoadDefinition reads dir/AGENT.md from the vault.
func LoadDefinition(v *vault.Vault, dir string) (Definition, error) {
	p := path.Join(dir, DefinitionFile)
	text, err := v.Read(p)
	if err != nil {
		return Definition{}, fmt.Errorf("read %s: %w", p, err)
	}
	def, err := ParseDefinition([]byte(text))
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", p, err)
	}
	def.Dir = dir
	return def, nil
}

// extractFrontmatter splits a leading "---" delimited block from the body.
// Documents without an opening delimiter return an empty header.
func extractFrontmatter(s string) (string, string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimPrefix(s, "\ufeff")
	if !strings.HasPrefix(s, "---\n") {
		return "", s, nil
	}
	rest := s[len("---\n"):]
	lines := strings.SplitAfter(rest, "\n")
	offset := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "---" {
			return rest[:offset], rest[offset+len(line):], nil
		}
		offset += len(line)
	}
	return "", "", errors.New("unclosed front matter: opening --- found but no closing ---")
}
