package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client against the OpenAI chat completions API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Logger      *slog.Logger
}

// NewOpenAIClient constructs a chat client. The API key is required; model
// defaults to gpt-4o.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      opts.Logger,
	}, nil
}

// Chat sends one system+user turn with the available tool definitions and
// maps the response back onto the engine's chat types.
func (c *OpenAIClient) Chat(ctx context.Context, systemPrompt, userPrompt string, tools []ToolSpec) (ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: c.temperature,
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	for _, spec := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("openai returned no choices")
	}

	msg := resp.Choices[0].Message
	out := ChatResponse{
		Content:  msg.Content,
		Thinking: msg.ReasoningContent,
	}

	for _, call := range msg.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				// Malformed arguments are a model contract violation; skip the
				// call and keep the rest of the turn usable.
				c.logger.Warn("dropping tool call with malformed arguments",
					slog.String("tool", call.Function.Name), slog.Any("error", err))
				continue
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}

	c.logger.Debug("chat turn complete",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("tool_calls", len(out.ToolCalls)))
	return out, nil
}
