package llm

import "context"

// ToolSpec describes a tool the model may request, using a JSON-schema-like
// parameter description.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// ChatResponse carries the model output for one turn.
type ChatResponse struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
}

// Client is the chat-with-tools capability the investigation engine consumes.
// Implementations must be safe for sequential reuse across iterations.
type Client interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string, tools []ToolSpec) (ChatResponse, error)
}
