package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/messaging"
	"github.com/basket/vaultclaw/internal/policy"
	"github.com/basket/vaultclaw/internal/vault"
)

// Built-in tool names.
const (
	ToolVaultRead   = "vault_read"
	ToolVaultWrite  = "vault_write"
	ToolVaultList   = "vault_list"
	ToolSendMessage = "send_message"
)

var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrInvalidToolArgs = errors.New("invalid tool arguments")
	ErrScopeDenied     = errors.New("path outside agent scope")
)

// ToolSpec declares a tool to the model. Parameters is a JSON Schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolHandler executes a tool with validated arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

type tool struct {
	spec    ToolSpec
	schema  *jsonschema.Schema
	handler ToolHandler
}

// ToolEnv binds a tool set to one agent.
type ToolEnv struct {
	AgentID   string
	AgentType agent.Type
	Scope     []string
	Vault     *vault.Vault
	Enforcer  *policy.Enforcer
	Mailbox   *messaging.Mailbox // optional; enables send_message
	// Registry resolves send_message recipients; required with Mailbox.
	Registry *agent.Registry
	// Policy gates requests to skill agents. Nil uses policy.Default.
	Policy policy.Checker
}

// ToolSet holds the tools available to one agent turn. Every vault path is
// checked against the agent's scope before it is touched.
type ToolSet struct {
	env   ToolEnv
	tools map[string]*tool
}

// VaultReadInput is the input for the vault_read tool.
type VaultReadInput struct {
	Path string `json:"path"`
}

// VaultWriteInput is the input for the vault_write tool.
type VaultWriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

// VaultListInput is the input for the vault_list tool.
type VaultListInput struct {
	Dir string `json:"dir"`
}

// SendMessageInput is the input for the send_message tool.
type SendMessageInput struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

const (
	vaultReadSchema = `{
	"type": "object",
	"properties": {"path": {"type": "string", "minLength": 1}},
	"required": ["path"],
	"additionalProperties": false
}`
	vaultWriteSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"append": {"type": "boolean"}
	},
	"required": ["path", "content"],
	"additionalProperties": false
}`
	vaultListSchema = `{
	"type": "object",
	"properties": {"dir": {"type": "string"}},
	"required": ["dir"],
	"additionalProperties": false
}`
	sendMessageSchema = `{
	"type": "object",
	"properties": {
		"to": {"type": "string", "minLength": 1},
		"subject": {"type": "string"},
		"body": {"type": "string", "minLength": 1}
	},
	"required": ["to", "body"],
	"additionalProperties": false
}`
)

// NewToolSet returns the built-in vault tools for env. send_message is
// included when env.Mailbox is set.
func NewToolSet(env ToolEnv) (*ToolSet, error) {
	if env.Vault == nil {
		return nil, fmt.Errorf("tool set: vault is required")
	}
	if env.Enforcer == nil {
		env.Enforcer = policy.NewEnforcer(policy.EnforcerConfig{Base: env.Vault.Root()})
	}
	if env.Mailbox != nil && env.Registry == nil {
		return nil, fmt.Errorf("tool set: send_message needs a registry")
	}
	if env.Policy == nil {
		env.Policy = policy.NewLiveAllowlist(policy.Default(), "")
	}
	ts := &ToolSet{env: env, tools: make(map[string]*tool)}

	builtins := []struct {
		name, desc, schema string
		handler            ToolHandler
	}{
		{ToolVaultRead, "Read a note from the vault. Path is relative to the vault root.", vaultReadSchema, ts.vaultRead},
		{ToolVaultWrite, "Write or append a note in the vault. Path is relative to the vault root. Set append=true to append instead of overwrite.", vaultWriteSchema, ts.vaultWrite},
		{ToolVaultList, "List the entries of a vault folder.", vaultListSchema, ts.vaultList},
	}
	if env.Mailbox != nil {
		builtins = append(builtins, struct {
			name, desc, schema string
			handler            ToolHandler
		}{ToolSendMessage, "Send a message to another agent's mailbox.", sendMessageSchema, ts.sendMessage})
	}
	for _, b := range builtins {
		if err := ts.Register(ToolSpec{Name: b.name, Description: b.desc, Parameters: json.RawMessage(b.schema)}, b.handler); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// Register adds a tool, compiling its parameter schema.
func (ts *ToolSet) Register(spec ToolSpec, h ToolHandler) error {
	if spec.Name == "" || h == nil {
		return fmt.Errorf("register tool: name and handler are required")
	}
	t := &tool{spec: spec, handler: h}
	if len(spec.Parameters) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: unmarshal schema: %w", spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		res := spec.Name + ".json"
		if err := c.AddResource(res, doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", spec.Name, err)
		}
		if t.schema, err = c.Compile(res); err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
		}
	}
	ts.tools[spec.Name] = t
	return nil
}

// AgentID returns the agent the set is bound to.
func (ts *ToolSet) AgentID() string { return ts.env.AgentID }

// Has reports whether name is registered.
func (ts *ToolSet) Has(name string) bool {
	if ts == nil {
		return false
	}
	_, ok := ts.tools[name]
	return ok
}

// Specs returns the declared tools sorted by name.
func (ts *ToolSet) Specs() []ToolSpec {
	if ts == nil {
		return nil
	}
	out := make([]ToolSpec, 0, len(ts.tools))
	for _, t := range ts.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates args against the tool's schema and runs it.
func (ts *ToolSet) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	if ts == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	t, ok := ts.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if t.schema != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
		}
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
		}
		if err := t.schema.Validate(inst); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidToolArgs, name, err)
		}
	}
	return t.handler(ctx, args)
}

func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func encodeArgs(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// checkScope denies paths outside the agent's scope. Strict enforcers
// return the typed violation error.
func (ts *ToolSet) checkScope(p string) error {
	res, err := ts.env.Enforcer.Authorize(ts.env.AgentID, ts.env.Scope, p)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return fmt.Errorf("%w: %s", ErrScopeDenied, res.Violation.Message)
	}
	return nil
}

func (ts *ToolSet) vaultRead(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[VaultReadInput](args)
	if err != nil {
		return "", err
	}
	if err := ts.checkScope(in.Path); err != nil {
		return "", err
	}
	return ts.env.Vault.Read(in.Path)
}

func (ts *ToolSet) vaultWrite(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[VaultWriteInput](args)
	if err != nil {
		return "", err
	}
	if err := ts.checkScope(in.Path); err != nil {
		return "", err
	}
	if in.Append {
		err = ts.env.Vault.Append(in.Path, in.Content)
	} else {
		err = ts.env.Vault.Write(in.Path, in.Content)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

func (ts *ToolSet) vaultList(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[VaultListInput](args)
	if err != nil {
		return "", err
	}
	dir := strings.Trim(in.Dir, "/")
	if dir == "" {
		dir = "."
	}
	if err := ts.checkScope(dir); err != nil {
		return "", err
	}
	entries, err := ts.env.Vault.List(dir)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		name := path.Join(dir, e.Name)
		if e.IsDir {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) sendMessage(ctx context.Context, args map[string]any) (string, error) {
	in, err := decodeArgs[SendMessageInput](args)
	if err != nil {
		return "", err
	}
	// A request to a skill is a delegation and needs the allowlist's consent.
	to, err := ts.env.Registry.Get(in.To)
	if err != nil || to.Status == agent.StatusArchived {
		return "", fmt.Errorf("%w: %s", messaging.ErrUnknownAgent, in.To)
	}
	if to.Type == agent.TypeSkill && !ts.env.Policy.CanSpawnSkill(ts.env.AgentID, string(ts.env.AgentType), to.ID) {
		return "", fmt.Errorf("%w: %s->%s", agent.ErrDelegationDenied, ts.env.AgentID, to.ID)
	}
	env, err := ts.env.Mailbox.SendMessage(ctx, messaging.Outgoing{
		From:    ts.env.AgentID,
		To:      in.To,
		Type:    messaging.TypeRequest,
		Subject: in.Subject,
		Payload: in.Body,
	})
	if err != nil {
		return "", err
	}
	return "sent message " + env.ID, nil
}
