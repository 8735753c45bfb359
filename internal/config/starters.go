package config

import "github.com/basket/vaultclaw/internal/agent"

// StarterAgents returns the skill agents spawned by `vaultclaw init` when
// the registry holds nothing but the admin.
func StarterAgents() []agent.SpawnConfig {
	return []agent.SpawnConfig{
		{
			Type:         agent.TypeSkill,
			Name:         "Researcher",
			Description:  "Investigates a topic, cross-references sources and files findings as notes. Separates established facts from speculation and lists open questions.",
			Capabilities: []string{"research", "summarize"},
			Tags:         []string{"starter"},
			CreatedBy:    "init",
		},
		{
			Type:         agent.TypeSkill,
			Name:         "Writer",
			Description:  "Turns notes into clear documents. Adapts style to the format and asks about the audience when it is unclear.",
			Capabilities: []string{"write", "edit"},
			Tags:         []string{"starter"},
			CreatedBy:    "init",
		},
		{
			Type:         agent.TypeSkill,
			Name:         "Librarian",
			Description:  "Keeps the vault tidy: links related notes, proposes folder moves and flags stale documents.",
			Capabilities: []string{"organize", "summarize"},
			Tags:         []string{"starter"},
			CreatedBy:    "init",
		},
	}
}
