package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int64
}

// AnthropicAdapter implements toolloop.Provider over Anthropic's native
// streaming Messages API. It performs no retries of its own (§4.4); the
// Tool Loop classifies a failed stream and ends the turn without retrying,
// and the gateway retries retryable request types.
type AnthropicAdapter struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicAdapter constructs an AnthropicAdapter.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{client: anthropic.NewClient(opts...), maxTokens: maxTokens}
}

// Stream implements toolloop.Provider.
func (a *AnthropicAdapter) Stream(ctx context.Context, req toolloop.Request, emit func(models.Event)) error {
	messages, err := convertAnthropicMessages(req.History)
	if err != nil {
		return fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: a.maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	if debug, err := json.Marshal(params); err == nil {
		emit(models.Event{Type: models.EventDebug, Debug: &models.DebugPayload{Request: debug}})
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	var inputTokens, outputTokens int

	for stream.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		event := stream.Current()
		switch event.Type {
		case "message_start":
			if ms := event.AsMessageStart(); ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolID, toolName = toolUse.ID, toolUse.Name
				toolInput.Reset()
				inTool = true
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: delta.Text}})
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if inTool {
				args := parseToolArgumentsOrEmpty(toolInput.String())
				emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
					ToolCall: models.ToolCall{ID: toolID, Name: toolName, Arguments: args},
				}})
				inTool = false
			}
		case "message_delta":
			if md := event.AsMessageDelta(); md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			emit(models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: inputTokens, OutputTokens: outputTokens}})
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return nil
}

// parseToolArgumentsOrEmpty parses raw as a JSON object, falling back to an
// empty object when the accumulated fragments never formed valid JSON
// (the adapter contract's specified recovery for a malformed tool call).
func parseToolArgumentsOrEmpty(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func convertAnthropicMessages(turns []toolloop.Turn) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, t := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		if t.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(t.Content))
		}
		for _, tc := range t.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		for _, tr := range t.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Output, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch t.Role {
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func convertAnthropicTools(schemas []toolloop.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		schema := anthropic.ToolInputSchemaParam{Properties: s.Parameters["properties"]}
		tool := anthropic.ToolUnionParamOfTool(schema, s.Name)
		tool.OfTool.Description = anthropic.String(s.Description)
		out = append(out, tool)
	}
	return out
}
