package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/vaultclaw/internal/bus"
	"github.com/basket/vaultclaw/internal/vault"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	RegistryPath    = ".vaultclaw/registry.json"
	RegistryVersion = 1
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

var (
	ErrNotFound      = errors.New("agent not found")
	ErrAlreadyExists = errors.New("agent already exists")
)

// RegistryEntry records one known agent.
type RegistryEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
	Status    Status    `json:"status"`
}

type registryDoc struct {
	Version     int             `json:"version"`
	Agents      []RegistryEntry `json:"agents"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

const registrySchema = `{
	"type": "object",
	"required": ["version", "agents"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"lastUpdated": {"type": "string"},
		"agents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type", "path", "status"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"type": {"enum": ["admin", "project", "skill"]},
					"path": {"type": "string"},
					"createdAt": {"type": "string"},
					"createdBy": {"type": "string"},
					"status": {"enum": ["active", "inactive", "archived"]}
				}
			}
		}
	}
}`

func compileRegistrySchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(registrySchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal registry schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("registry.json", doc); err != nil {
		return nil, fmt.Errorf("add registry schema: %w", err)
	}
	return c.Compile("registry.json")
}

type RegistryConfig struct {
	Vault  *vault.Vault
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// Registry is the vault's agent registry document. Every call reads the
// document from disk; writes are read-modify-write under one mutex.
type Registry struct {
	vault  *vault.Vault
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
	schema *jsonschema.Schema

	mu      sync.Mutex
	spawnMu sync.Mutex
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("agent registry: vault is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	schema, err := compileRegistrySchema()
	if err != nil {
		return nil, err
	}
	return &Registry{
		vault:  cfg.Vault,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		now:    cfg.Now,
		schema: schema,
	}, nil
}

// Vault returns the vault the registry lives in.
func (r *Registry) Vault() *vault.Vault { return r.vault }

func (r *Registry) load() (registryDoc, error) {
	text, err := r.vault.Read(RegistryPath)
	if vault.IsNotExist(err) {
		return registryDoc{Version: RegistryVersion}, nil
	}
	if err != nil {
		return registryDoc{}, fmt.Errorf("read registry: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return registryDoc{}, fmt.Errorf("parse registry: %w", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return registryDoc{}, fmt.Errorf("registry does not match schema: %w", err)
	}
	var doc registryDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return registryDoc{}, fmt.Errorf("decode registry: %w", err)
	}
	return doc, nil
}

func (r *Registry) save(doc registryDoc) error {
	doc.Version = RegistryVersion
	doc.LastUpdated = r.now().UTC()
	if doc.Agents == nil {
		doc.Agents = []RegistryEntry{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := r.vault.Write(RegistryPath, string(data)+"\n"); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// RegisterAgent inserts or updates the entry with entry.ID. An update keeps
// the original CreatedAt and CreatedBy.
func (r *Registry) RegisterAgent(entry RegistryEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("register agent: id is required")
	}
	if !entry.Type.Valid() {
		return fmt.Errorf("register agent %s: unknown type %q", entry.ID, entry.Type)
	}
	if entry.Status == "" {
		entry.Status = StatusActive
	}
	if entry.Name == "" {
		entry.Name = entry.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Agents {
		if doc.Agents[i].ID != entry.ID {
			continue
		}
		entry.CreatedAt = doc.Agents[i].CreatedAt
		if doc.Agents[i].CreatedBy != "" {
			entry.CreatedBy = doc.Agents[i].CreatedBy
		}
		doc.Agents[i] = entry
		replaced = true
		break
	}
	if !replaced {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = r.now().UTC()
		}
		doc.Agents = append(doc.Agents, entry)
	}
	if err := r.save(doc); err != nil {
		return err
	}

	r.logger.Info("agent registered", "agent_id", entry.ID, "type", entry.Type, "path", entry.Path, "updated", replaced)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: entry.ID, Type: string(entry.Type), Path: entry.Path})
	}
	return nil
}

// UnregisterAgent archives the entry. Entries are never removed.
func (r *Registry) UnregisterAgent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	for i := range doc.Agents {
		if doc.Agents[i].ID != id {
			continue
		}
		doc.Agents[i].Status = StatusArchived
		if err := r.save(doc); err != nil {
			return err
		}
		r.logger.Info("agent archived", "agent_id", id)
		if r.bus != nil {
			r.bus.Publish(bus.TopicAgentUnregistered, bus.AgentEvent{AgentID: id, Type: string(doc.Agents[i].Type), Path: doc.Agents[i].Path})
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (r *Registry) Get(id string) (RegistryEntry, error) {
	doc, err := r.load()
	if err != nil {
		return RegistryEntry{}, err
	}
	for _, e := range doc.Agents {
		if e.ID == id {
			return e, nil
		}
	}
	return RegistryEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

type ListFilter struct {
	Type   Type
	Status Status
	// IncludeArchived lists archived entries when Status is empty.
	IncludeArchived bool
}

// List returns matching entries sorted by id.
func (r *Registry) List(filter ListFilter) ([]RegistryEntry, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []RegistryEntry
	for _, e := range doc.Agents {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Status != "" {
			if e.Status != filter.Status {
				continue
			}
		} else if e.Status == StatusArchived && !filter.IncludeArchived {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AgentExists reports whether id is registered and not archived.
func (r *Registry) AgentExists(id string) bool {
	e, err := r.Get(id)
	if err != nil {
		return false
	}
	return e.Status != StatusArchived
}

// Definition loads the current AGENT.md of a registered agent.
func (r *Registry) Definition(id string) (Definition, error) {
	e, err := r.Get(id)
	if err != nil {
		return Definition{}, err
	}
	if e.Status == StatusArchived {
		return Definition{}, fmt.Errorf("%w: %s is archived", ErrNotFound, id)
	}
	return LoadDefinition(r.vault, e.Path)
}

// Admin returns the admin agent entry.
func (r *Registry) Admin() (RegistryEntry, error) {
	admins, err := r.List(ListFilter{Type: TypeAdmin, Status: StatusActive})
	if err != nil {
		return RegistryEntry{}, err
	}
	if len(admins) == 0 {
		return RegistryEntry{}, fmt.Errorf("%w: no active admin agent", ErrNotFound)
	}
	return admins[0], nil
}
