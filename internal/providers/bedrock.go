package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// BedrockConfig configures a BedrockAdapter.
type BedrockConfig struct {
	Region string
}

// BedrockAdapter implements toolloop.Provider over Anthropic-on-Bedrock's
// Converse streaming API.
type BedrockAdapter struct {
	client *bedrockruntime.Client
}

// NewBedrockAdapter loads the default AWS credential chain for cfg.Region
// and constructs a BedrockAdapter.
func NewBedrockAdapter(ctx context.Context, cfg BedrockConfig) (*BedrockAdapter, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &BedrockAdapter{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Stream implements toolloop.Provider.
func (a *BedrockAdapter) Stream(ctx context.Context, req toolloop.Request, emit func(models.Event)) error {
	messages, err := convertBedrockMessages(req.History)
	if err != nil {
		return fmt.Errorf("bedrock: convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = convertBedrockTools(req.Tools)
	}

	if debug, err := json.Marshal(struct {
		Model    string `json:"model"`
		System   string `json:"system,omitempty"`
	}{req.Model, req.System}); err == nil {
		emit(models.Event{Type: models.EventDebug, Debug: &models.DebugPayload{Request: debug}})
	}

	out, err := a.client.ConverseStream(ctx, in)
	if err != nil {
		return fmt.Errorf("bedrock: converse stream: %w", err)
	}

	stream := out.GetStream()
	defer stream.Close()

	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	var inputTokens, outputTokens int

	for event := range stream.Events() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				toolID = aws.ToString(toolUse.Value.ToolUseId)
				toolName = aws.ToString(toolUse.Value.Name)
				toolInput.Reset()
				inTool = true
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: delta.Value}})
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if inTool {
				emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
					ToolCall: models.ToolCall{ID: toolID, Name: toolName, Arguments: parseToolArgumentsOrEmpty(toolInput.String())},
				}})
				inTool = false
			}
		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				inputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
				outputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			emit(models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: inputTokens, OutputTokens: outputTokens}})
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("bedrock: stream: %w", err)
	}
	return nil
}

func convertBedrockMessages(turns []toolloop.Turn) ([]types.Message, error) {
	out := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		var blocks []types.ContentBlock
		if t.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: t.Content})
		}
		for _, tc := range t.ToolCalls {
			doc, err := bedrockDocument(tc.Arguments)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     doc,
			}})
		}
		for _, tr := range t.ToolResults {
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Output}},
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if t.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func convertBedrockTools(schemas []toolloop.ToolSchema) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(schemas))
	for _, s := range schemas {
		doc, err := bedrockDocument(mustMarshal(s.Parameters))
		if err != nil {
			continue
		}
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: doc},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// bedrockDocument turns raw JSON bytes into the SDK's untyped Document
// value, falling back to an empty object on malformed input (mirrors the
// empty-object tool-argument recovery elsewhere in this package).
func bedrockDocument(raw []byte) (document, error) {
	var v any
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		v = map[string]any{}
	}
	return document{v}, nil
}

// document adapts a plain Go value to the smithy document.Interface the AWS
// SDK expects for ToolUseBlock.Input and tool input schemas.
type document struct {
	v any
}

func (d document) UnmarshalSmithyDocument(out any) error {
	b, err := json.Marshal(d.v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (d document) MarshalSmithyDocument() ([]byte, error) {
	return json.Marshal(d.v)
}
