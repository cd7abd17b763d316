package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// OpenAIConfig configures an OpenAIAdapter. BaseURL lets this adapter also
// front any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAIAdapter implements toolloop.Provider over the Chat Completions
// streaming API.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter constructs an OpenAIAdapter.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(config)}
}

// Stream implements toolloop.Provider.
func (a *OpenAIAdapter) Stream(ctx context.Context, req toolloop.Request, emit func(models.Event)) error {
	messages := convertOpenAIMessages(req.History, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	if debug, err := json.Marshal(chatReq); err == nil {
		emit(models.Event{Type: models.EventDebug, Debug: &models.DebugPayload{Request: debug}})
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	type pending struct{ id, name, args string }
	calls := make(map[int]*pending)
	var inputTokens, outputTokens int

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("openai: stream recv: %w", err)
		}
		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: choice.Delta.Content}})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p, ok := calls[idx]
			if !ok {
				p = &pending{}
				calls[idx] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args += tc.Function.Arguments
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls || choice.FinishReason == openai.FinishReasonFunctionCall {
			for i := 0; i < len(calls); i++ {
				p, ok := calls[i]
				if !ok || p.id == "" {
					continue
				}
				emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
					ToolCall: models.ToolCall{ID: p.id, Name: p.name, Arguments: parseToolArgumentsOrEmpty(p.args)},
				}})
			}
			calls = make(map[int]*pending)
		}
	}

	emit(models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: inputTokens, OutputTokens: outputTokens}})
	return nil
}

func convertOpenAIMessages(turns []toolloop.Turn, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleToolResult:
			for _, tr := range t.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Output,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}
		msg := openai.ChatCompletionMessage{Role: role, Content: t.Content}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertOpenAITools(schemas []toolloop.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(schemas))
	for i, s := range schemas {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		}
	}
	return out
}
