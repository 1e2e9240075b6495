package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/igm/herbstat/internal/logger"
)

const defaultGeminiModel = "gemini-2.0-flash"

func init() {
	Register("gemini", NewGeminiProvider)
}

// GeminiProvider implements Provider on Google's Gemini API
type GeminiProvider struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

// NewGeminiProvider creates a Gemini-backed provider. BaseURL overrides the
// API endpoint, which is mostly useful for tests and proxies.
func NewGeminiProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		model:  model,
		log:    logger.L().With("component", "llm", "model", model),
	}, nil
}

// Complete sends a completion request
func (p *GeminiProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	return p.CompleteWithOptions(ctx, messages, nil)
}

// CompleteWithOptions sends a completion request with tools and sampling options
func (p *GeminiProvider) CompleteWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions) (*Response, error) {
	startTime := time.Now()
	contents, config := toGeminiRequest(messages, opts)

	result, err := p.client.Models.GenerateContent(ctx, p.modelFor(opts), contents, config)
	if err != nil {
		p.log.Error("request failed", "error", err)
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	resp := &Response{
		Content:      result.Text(),
		FinishReason: string(result.Candidates[0].FinishReason),
	}
	if result.UsageMetadata != nil {
		resp.TokensUsed = int(result.UsageMetadata.TotalTokenCount)
	}
	for i, fc := range result.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, fmt.Errorf("encoding function call arguments: %w", err)
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", i+1)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:       id,
			Type:     "function",
			Function: &ToolCallFunction{Name: fc.Name, Arguments: string(args)},
		})
	}

	p.log.Info("completion received",
		"tokens_used", resp.TokensUsed,
		"tool_calls", len(resp.ToolCalls),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return resp, nil
}

// Stream sends a streaming completion request
func (p *GeminiProvider) Stream(ctx context.Context, messages []Message, onChunk func(string)) error {
	return p.StreamWithOptions(ctx, messages, nil, onChunk)
}

// StreamWithOptions sends a streaming completion request with sampling options
func (p *GeminiProvider) StreamWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions, onChunk func(string)) error {
	startTime := time.Now()
	contents, config := toGeminiRequest(messages, opts)

	chunkCount := 0
	for result, err := range p.client.Models.GenerateContentStream(ctx, p.modelFor(opts), contents, config) {
		if err != nil {
			p.log.Error("stream failed", "error", err)
			return fmt.Errorf("GenAI stream failed: %w", err)
		}
		if text := result.Text(); text != "" {
			onChunk(text)
			chunkCount++
		}
	}

	p.log.Info("stream completed",
		"chunks", chunkCount,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return nil
}

// CountTokens provides a rough estimate of token count
func (p *GeminiProvider) CountTokens(messages []Message) int {
	return estimateTokens(messages)
}

// toGeminiRequest maps chat messages onto Gemini contents. System messages
// become the system instruction; tool results are sent back as function
// responses in a user turn.
func (p *GeminiProvider) modelFor(opts *CompleteOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func toGeminiRequest(messages []Message, opts *CompleteOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var system []*genai.Part
	var contents []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, &genai.Part{Text: m.Content})
		case RoleAssistant:
			c := &genai.Content{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				if tc.Function == nil {
					continue
				}
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			contents = append(contents, c)
		case RoleTool:
			var output any
			if err := json.Unmarshal([]byte(m.Content), &output); err != nil {
				output = m.Content
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"output": output},
				}}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: system}
	}

	if opts != nil {
		if opts.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*opts.Temperature))
		}
		if opts.MaxTokens > 0 {
			config.MaxOutputTokens = int32(opts.MaxTokens)
		}
		if len(opts.Tools) > 0 {
			decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
			for _, t := range opts.Tools {
				if t.Function == nil {
					continue
				}
				decls = append(decls, &genai.FunctionDeclaration{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  toGeminiSchema(t.Function.Parameters),
				})
			}
			config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}

	return contents, config
}

// toGeminiSchema converts the JSON-schema subset used by tool declarations.
func toGeminiSchema(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}

	s := &genai.Schema{}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}

	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	}

	if props, ok := m["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		s.Items = toGeminiSchema(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = req
	case []interface{}:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}

	return s
}
