package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// GeminiConfig configures a GeminiAdapter.
type GeminiConfig struct {
	APIKey string
}

// GeminiAdapter implements toolloop.Provider over Google's Gemini API.
// Gemini reports function calls as complete parts rather than incremental
// fragments, so no argument-assembly buffering is needed here; the adapter
// still runs every call through parseToolArgumentsOrEmpty for consistency
// with the other variants' recovery behavior.
type GeminiAdapter struct {
	client *genai.Client
}

// NewGeminiAdapter constructs a GeminiAdapter.
func NewGeminiAdapter(ctx context.Context, cfg GeminiConfig) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiAdapter{client: client}, nil
}

// Stream implements toolloop.Provider.
func (a *GeminiAdapter) Stream(ctx context.Context, req toolloop.Request, emit func(models.Event)) error {
	contents, err := convertGeminiMessages(req.History)
	if err != nil {
		return fmt.Errorf("gemini: convert messages: %w", err)
	}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	if debug, err := json.Marshal(struct {
		Model    string          `json:"model"`
		Contents []*genai.Content `json:"contents"`
	}{req.Model, contents}); err == nil {
		emit(models.Event{Type: models.EventDebug, Debug: &models.DebugPayload{Request: debug}})
	}

	var inputTokens, outputTokens int
	for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("gemini: stream: %w", err)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: part.Text}})
				}
				if part.FunctionCall != nil {
					argsJSON, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						argsJSON = []byte("{}")
					}
					emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
						ToolCall: models.ToolCall{
							ID:        uuid.NewString(),
							Name:      part.FunctionCall.Name,
							Arguments: parseToolArgumentsOrEmpty(string(argsJSON)),
						},
					}})
				}
			}
		}
	}

	emit(models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: inputTokens, OutputTokens: outputTokens}})
	return nil
}

func convertGeminiMessages(turns []toolloop.Turn) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, t := range turns {
		content := &genai.Content{}
		switch t.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}
		if t.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: t.Content})
		}
		for _, tc := range t.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}
		for _, tr := range t.ToolResults {
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name:     tr.ToolCallID,
				Response: map[string]any{"output": tr.Output, "is_error": tr.IsError},
			}})
		}
		if len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out, nil
}

func convertGeminiTools(schemas []toolloop.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(schemas))
	for i, s := range schemas {
		decls[i] = &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  convertGeminiSchema(s.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertGeminiSchema(params map[string]any) *genai.Schema {
	if params == nil {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	var schema genai.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil
	}
	return &schema
}
