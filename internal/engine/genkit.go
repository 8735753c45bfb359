package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"
)

// ErrLLMUnavailable means no provider API key was configured.
var ErrLLMUnavailable = errors.New("llm provider not configured")

// GenkitConfig selects the provider for GenkitChat.
type GenkitConfig struct {
	Provider string // google (default), anthropic, openai, openrouter
	Model    string
	APIKey   string // falls back to the provider's environment variable
	// MaxToolTurns bounds genkit's internal tool loop. Default 5.
	MaxToolTurns int
	Logger       *slog.Logger
}

// GenkitChat is the production ChatClient. Tool calls are executed inside
// genkit's tool loop through the request's ToolSet, so responses come back
// with every call already resolved.
type GenkitChat struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	maxTurns int
	logger   *slog.Logger
	tools    map[string]ai.ToolRef
}

type toolCallKey struct{}

// toolCallSink collects the calls genkit made during one Chat.
type toolCallSink struct {
	mu    sync.Mutex
	tools *ToolSet
	calls []ToolCall
}

func (s *toolCallSink) call(ctx context.Context, name string, input any) (string, error) {
	args := encodeArgs(input)
	out, err := s.tools.Call(ctx, name, args)
	tc := ToolCall{ID: uuid.NewString(), Name: name, Args: args, Result: out, Resolved: true}
	if err != nil {
		tc.Err = err.Error()
	}
	s.mu.Lock()
	s.calls = append(s.calls, tc)
	s.mu.Unlock()
	return out, err
}

func sinkFrom(ctx context.Context) (*toolCallSink, error) {
	s, ok := ctx.Value(toolCallKey{}).(*toolCallSink)
	if !ok || s == nil || s.tools == nil {
		return nil, fmt.Errorf("no tool set bound to this request")
	}
	return s, nil
}

// VaultToolOutput is the output of every built-in tool.
type VaultToolOutput struct {
	Result string `json:"result"`
}

// NewGenkitChat initializes genkit for the configured provider. Without an
// API key the client still constructs but every Chat returns
// ErrLLMUnavailable.
func NewGenkitChat(ctx context.Context, cfg GenkitConfig) *GenkitChat {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := apiKey != ""
	switch {
	case !llmOn:
		g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; chat is disabled", "provider", provider)
	case provider == "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case provider == "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case provider == "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case provider == "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		g = genkit.Init(ctx)
		llmOn = false
		logger.Warn("unknown LLM provider; chat is disabled", "provider", provider)
	}
	if llmOn {
		logger.Info("genkit chat initialized", "provider", provider, "model", model)
	}

	maxTurns := cfg.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = 5
	}
	c := &GenkitChat{
		g:        g,
		provider: provider,
		model:    model,
		llmOn:    llmOn,
		maxTurns: maxTurns,
		logger:   logger,
		tools:    make(map[string]ai.ToolRef),
	}
	c.defineTools()
	return c
}

// defineTools registers the built-in tools once. Each call is routed to the
// ToolSet bound to the current request.
func (c *GenkitChat) defineTools() {
	c.tools[ToolVaultRead] = genkit.DefineTool(c.g, ToolVaultRead,
		"Read a note from the vault. Path is relative to the vault root.",
		func(ctx *ai.ToolContext, input VaultReadInput) (VaultToolOutput, error) {
			return c.routeTool(ctx.Context, ToolVaultRead, input)
		},
	)
	c.tools[ToolVaultWrite] = genkit.DefineTool(c.g, ToolVaultWrite,
		"Write or append a note in the vault. Path is relative to the vault root. Set append=true to append instead of overwrite.",
		func(ctx *ai.ToolContext, input VaultWriteInput) (VaultToolOutput, error) {
			return c.routeTool(ctx.Context, ToolVaultWrite, input)
		},
	)
	c.tools[ToolVaultList] = genkit.DefineTool(c.g, ToolVaultList,
		"List the entries of a vault folder.",
		func(ctx *ai.ToolContext, input VaultListInput) (VaultToolOutput, error) {
			return c.routeTool(ctx.Context, ToolVaultList, input)
		},
	)
	c.tools[ToolSendMessage] = genkit.DefineTool(c.g, ToolSendMessage,
		"Send a message to another agent's mailbox.",
		func(ctx *ai.ToolContext, input SendMessageInput) (VaultToolOutput, error) {
			return c.routeTool(ctx.Context, ToolSendMessage, input)
		},
	)
}

func (c *GenkitChat) routeTool(ctx context.Context, name string, input any) (VaultToolOutput, error) {
	sink, err := sinkFrom(ctx)
	if err != nil {
		return VaultToolOutput{}, err
	}
	out, err := sink.call(ctx, name, input)
	if err != nil {
		return VaultToolOutput{}, err
	}
	return VaultToolOutput{Result: out}, nil
}

// Chat sends the request through genkit.
func (c *GenkitChat) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if !c.llmOn {
		return ChatResponse{}, ErrLLMUnavailable
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	sink := &toolCallSink{tools: req.Tools}
	ctx = context.WithValue(ctx, toolCallKey{}, sink)

	opts := []ai.GenerateOption{ai.WithModelName(modelNameForProvider(c.provider, model))}
	if req.System != "" {
		// Escape % characters so the system text is not treated as a format string.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	var refs []ai.ToolRef
	for _, spec := range req.Tools.Specs() {
		if ref, ok := c.tools[spec.Name]; ok {
			refs = append(refs, ref)
		}
	}
	if len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...), ai.WithMaxTurns(c.maxTurns))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("genkit generate: %w", err)
	}
	out := ChatResponse{Content: resp.Text()}
	if resp.Usage != nil {
		out.Usage = Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	sink.mu.Lock()
	out.ToolCalls = append(out.ToolCalls, sink.calls...)
	sink.mu.Unlock()
	return out, nil
}

func toGenkitMessages(in []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range in {
		var role ai.Role
		switch m.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		case RoleTool:
			// Tool results from earlier turns are replayed as context.
			role = ai.RoleUser
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
