package engine

import "context"

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversational turn sent to the model.
type Message struct {
	Role    string
	Content string
	// Name is the tool name for RoleTool messages.
	Name string
}

// ToolCall is a tool invocation requested by the model. Resolved calls were
// already executed by the client and carry their Result or Err.
type ToolCall struct {
	ID       string
	Name     string
	Args     map[string]any
	Result   string
	Err      string
	Resolved bool
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    *ToolSet
}

// ChatResponse is the model's answer. Unresolved ToolCalls are executed by
// the turn runner and fed back in a follow-up request.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ChatClient is the LLM collaborator.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatFunc adapts a function to ChatClient.
type ChatFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

func (f ChatFunc) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f(ctx, req)
}
