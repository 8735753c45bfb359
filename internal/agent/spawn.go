package agent

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/basket/vaultclaw/internal/memory"
	"github.com/basket/vaultclaw/internal/shared"
	"github.com/basket/vaultclaw/internal/vault"
)

const (
	AdminDir    = "_agents/admin"
	SkillsDir   = "skills"
	ProjectsDir = "30_Projects"
)

type SpawnConfig struct {
	Type Type
	Name string
	// ProjectPath is the project folder for project agents. Empty derives
	// 30_Projects/<slug>.
	ProjectPath  string
	Description  string
	Scope        []string
	Capabilities []string
	Model        string
	Tags         []string
	CreatedBy    string
}

type SpawnResult struct {
	Entry      RegistryEntry
	Definition Definition
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases name and joins its alphanumeric runs with dashes.
func Slug(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// AgentDir returns the vault-relative directory for a new agent.
func AgentDir(t Type, name, projectPath string) (string, error) {
	switch t {
	case TypeAdmin:
		return AdminDir, nil
	case TypeSkill:
		slug := Slug(name)
		if slug == "" {
			return "", fmt.Errorf("skill name %q has no usable characters", name)
		}
		return path.Join(SkillsDir, slug), nil
	case TypeProject:
		if p := strings.Trim(strings.TrimSpace(projectPath), "/"); p != "" {
			return path.Join(path.Clean(p), "agent"), nil
		}
		slug := Slug(name)
		if slug == "" {
			return "", fmt.Errorf("project name %q has no usable characters", name)
		}
		return path.Join(ProjectsDir, slug, "agent"), nil
	}
	return "", fmt.Errorf("unknown agent type %q", t)
}

func agentID(t Type, name string) string {
	if t == TypeAdmin {
		return shared.AdminAgentID
	}
	return Slug(name)
}

func defaultScope(t Type, dir string) []string {
	switch t {
	case TypeAdmin:
		return []string{"**"}
	case TypeProject:
		return []string{path.Dir(dir) + "/**"}
	default:
		return []string{dir + "/**"}
	}
}

// SpawnAgent creates an agent directory with AGENT.md and MEMORY.md and then
// registers it. It fails with ErrAlreadyExists when a definition is present
// or another agent is registered under the same id. Files written by a
// failed spawn are removed.
func (r *Registry) SpawnAgent(cfg SpawnConfig) (SpawnResult, error) {
	if !cfg.Type.Valid() {
		return SpawnResult{}, fmt.Errorf("spawn agent: unknown type %q", cfg.Type)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		if cfg.Type != TypeAdmin {
			return SpawnResult{}, fmt.Errorf("spawn agent: name is required")
		}
		name = "Admin"
	}
	dir, err := AgentDir(cfg.Type, name, cfg.ProjectPath)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn agent: %w", err)
	}

	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	defPath := path.Join(dir, DefinitionFile)
	if r.vault.Exists(defPath) {
		return SpawnResult{}, fmt.Errorf("spawn agent %q: %w at %s", name, ErrAlreadyExists, dir)
	}
	id := agentID(cfg.Type, name)
	switch existing, err := r.Get(id); {
	case err == nil:
		return SpawnResult{}, fmt.Errorf("spawn agent %q: %w: id %s is a %s at %s", name, ErrAlreadyExists, id, existing.Type, existing.Path)
	case !errors.Is(err, ErrNotFound):
		return SpawnResult{}, fmt.Errorf("spawn agent: %w", err)
	}

	scope := cfg.Scope
	if len(scope) == 0 {
		scope = defaultScope(cfg.Type, dir)
	}
	def := Definition{
		ID:           id,
		Name:         name,
		Type:         cfg.Type,
		Scope:        scope,
		Capabilities: cfg.Capabilities,
		Model:        cfg.Model,
		Tags:         cfg.Tags,
		Description:  cfg.Description,
		Sections: []memory.Section{
			{Name: "Role", Body: roleText(cfg.Type, name)},
			{Name: "Instructions"},
		},
		Dir: dir,
	}
	rendered, err := RenderDefinition(def)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("spawn agent: %w", err)
	}

	if err := r.vault.MkdirAll(dir); err != nil {
		return SpawnResult{}, fmt.Errorf("spawn agent: %w", err)
	}
	if err := r.vault.Write(defPath, string(rendered)); err != nil {
		return SpawnResult{}, fmt.Errorf("spawn agent: write definition: %w", err)
	}
	written := []string{defPath}
	rollback := func() {
		for _, p := range written {
			if err := r.vault.Delete(p); err != nil && !vault.IsNotExist(err) {
				r.logger.Warn("spawn cleanup failed", "path", p, "error", err)
			}
		}
	}
	if !r.vault.Exists(def.MemoryPath()) {
		if err := r.vault.Write(def.MemoryPath(), memory.NewDocument(name).String()); err != nil {
			rollback()
			return SpawnResult{}, fmt.Errorf("spawn agent: write memory: %w", err)
		}
		written = append(written, def.MemoryPath())
	}

	createdBy := cfg.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}
	entry := RegistryEntry{
		ID:        def.ID,
		Name:      def.Name,
		Type:      def.Type,
		Path:      dir,
		CreatedBy: createdBy,
		Status:    StatusActive,
	}
	if err := r.RegisterAgent(entry); err != nil {
		rollback()
		return SpawnResult{}, fmt.Errorf("spawn agent: %w", err)
	}
	entry, err = r.Get(def.ID)
	if err != nil {
		return SpawnResult{}, err
	}
	return SpawnResult{Entry: entry, Definition: def}, nil
}

func roleText(t Type, name string) string {
	switch t {
	case TypeAdmin:
		return "Coordinates the vault. Delegates focused work to skill agents."
	case TypeProject:
		return fmt.Sprintf("Owns the %s project folder.", name)
	default:
		return fmt.Sprintf("Performs the %s skill when invoked.", name)
	}
}
