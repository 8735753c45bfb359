package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAgentDir(t *testing.T) {
	tests := []struct {
		typ         Type
		name        string
		projectPath string
		want        string
	}{
		{TypeAdmin, "Anything", "", "_agents/admin"},
		{TypeSkill, "Web Research", "", "skills/web-research"},
		{TypeProject, "Brain", "30_Projects/Brain", "30_Projects/Brain/agent"},
		{TypeProject, "My Garden!", "", "30_Projects/my-garden/agent"},
	}
	for _, tt := range tests {
		got, err := AgentDir(tt.typ, tt.name, tt.projectPath)
		if err != nil {
			t.Fatalf("AgentDir(%s, %q): %v", tt.typ, tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("AgentDir(%s, %q) = %q, want %q", tt.typ, tt.name, got, tt.want)
		}
	}
	if _, err := AgentDir(TypeSkill, "!!!", ""); err == nil {
		t.Fatalf("expected error for name without usable characters")
	}
}

func TestSpawnAgent_WritesFilesThenRegisters(t *testing.T) {
	reg, v, _ := setupTestRegistry(t)

	res, err := reg.SpawnAgent(SpawnConfig{Type: TypeSkill, Name: "Web Research", Capabilities: []string{"search"}, CreatedBy: "admin"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.Entry.ID != "web-research" || res.Entry.Path != "skills/web-research" || res.Entry.CreatedBy != "admin" {
		t.Fatalf("unexpected entry: %+v", res.Entry)
	}

	def, err := LoadDefinition(v, "skills/web-research")
	if err != nil {
		t.Fatalf("load spawned definition: %v", err)
	}
	if def.Type != TypeSkill || len(def.Scope) != 1 || def.Scope[0] != "skills/web-research/**" {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if !def.HasCapability("search") {
		t.Fatalf("capabilities not written")
	}
	mem, err := v.Read("skills/web-research/MEMORY.md")
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if !strings.Contains(mem, "## Session Notes") {
		t.Fatalf("expected default memory sections, got:\n%s", mem)
	}
	if !reg.AgentExists("web-research") {
		t.Fatalf("spawned agent must be registered")
	}
}

func TestSpawnAgent_TwiceFailsWithoutDuplicate(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	if _, err := reg.SpawnAgent(SpawnConfig{Type: TypeProject, Name: "Brain", ProjectPath: "30_Projects/Brain"}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	_, err := reg.SpawnAgent(SpawnConfig{Type: TypeProject, Name: "Brain", ProjectPath: "30_Projects/Brain"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("error should say already exists: %v", err)
	}

	all, _ := reg.List(ListFilter{IncludeArchived: true})
	if len(all) != 1 {
		t.Fatalf("expected exactly one registry entry, got %d", len(all))
	}
}

func TestSpawnAgent_SameIDDifferentTypeRejected(t *testing.T) {
	reg, v, _ := setupTestRegistry(t)

	if _, err := reg.SpawnAgent(SpawnConfig{Type: TypeSkill, Name: "Writer"}); err != nil {
		t.Fatalf("spawn skill: %v", err)
	}
	_, err := reg.SpawnAgent(SpawnConfig{Type: TypeProject, Name: "Writer"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for a colliding id, got %v", err)
	}

	entry, err := reg.Get("writer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Type != TypeSkill || entry.Path != "skills/writer" {
		t.Fatalf("skill entry was overwritten: %+v", entry)
	}
	if v.Exists("30_Projects/writer/agent/AGENT.md") {
		t.Fatalf("rejected spawn must not write a definition")
	}
}

func TestSpawnAgent_FailedMemoryWriteCleansUp(t *testing.T) {
	reg, v, _ := setupTestRegistry(t)

	// A MEMORY.md symlink leaving the vault makes the memory write fail.
	outside := filepath.Join(t.TempDir(), "MEMORY.md")
	if err := os.WriteFile(outside, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := v.MkdirAll("skills/writer"); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(v.Root(), "skills", "writer", MemoryFile)); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := reg.SpawnAgent(SpawnConfig{Type: TypeSkill, Name: "Writer"}); err == nil {
		t.Fatalf("expected memory write failure")
	}
	if v.Exists("skills/writer/" + DefinitionFile) {
		t.Fatalf("definition left behind by failed spawn")
	}
	if reg.AgentExists("writer") {
		t.Fatalf("failed spawn must not register the agent")
	}
	if data, _ := os.ReadFile(outside); string(data) != "keep" {
		t.Fatalf("file outside the vault was modified: %q", data)
	}
}

func TestSpawnAgent_AdminUsesFixedIdentity(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	res, err := reg.SpawnAgent(SpawnConfig{Type: TypeAdmin})
	if err != nil {
		t.Fatalf("spawn admin: %v", err)
	}
	if res.Entry.ID != "admin" || res.Entry.Path != AdminDir {
		t.Fatalf("unexpected admin entry: %+v", res.Entry)
	}
	if res.Definition.Scope[0] != "**" {
		t.Fatalf("admin scope should cover the vault, got %v", res.Definition.Scope)
	}
	def, err := reg.Definition("admin")
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if def.Type != TypeAdmin {
		t.Fatalf("unexpected type %s", def.Type)
	}
}

func TestSpawnAgent_ProjectDefaultScope(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	res, err := reg.SpawnAgent(SpawnConfig{Type: TypeProject, Name: "Garden"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.Entry.Path != "30_Projects/garden/agent" {
		t.Fatalf("unexpected path %q", res.Entry.Path)
	}
	if res.Definition.Scope[0] != "30_Projects/garden/**" {
		t.Fatalf("unexpected scope %v", res.Definition.Scope)
	}
}

func TestSpawnAgent_RequiresName(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	if _, err := reg.SpawnAgent(SpawnConfig{Type: TypeSkill}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := reg.SpawnAgent(SpawnConfig{Type: "robot", Name: "x"}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
