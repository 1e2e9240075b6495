package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/igm/herbstat/internal/logger"
)

func init() {
	Register("openai", NewOpenAIProvider)
}

// OpenAIProvider implements Provider for OpenAI-compatible APIs
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	log     *slog.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		log: logger.L().With("component", "llm", "model", cfg.Model),
	}, nil
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openAIToolCallFunction `json:"function"`
}

type openAIToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Stream      bool             `json:"stream,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		Delta        openAIMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

// openAIError accepts both the object form and the bare string some
// compatible gateways return.
type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Raw     string `json:"-"`
}

func (e *openAIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Raw
}

func (e *openAIError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Raw = s
		return nil
	}

	type plain openAIError
	var obj struct {
		plain
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = openAIError(obj.plain)

	// code is a string on OpenAI and a number on several compatible APIs
	if len(obj.Code) > 0 && string(obj.Code) != "null" {
		var code string
		if err := json.Unmarshal(obj.Code, &code); err != nil {
			code = string(obj.Code)
		}
		e.Code = code
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		om := openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: tc.Type}
			if otc.Type == "" {
				otc.Type = "function"
			}
			if tc.Function != nil {
				otc.Function = openAIToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			}
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIToolCalls(calls []openAIToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{
			ID:   c.ID,
			Type: c.Type,
			Function: &ToolCallFunction{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts *CompleteOptions, stream bool) openAIRequest {
	req := openAIRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(messages),
		Stream:   stream,
	}
	if opts != nil {
		if opts.Model != "" {
			req.Model = opts.Model
		}
		req.MaxTokens = opts.MaxTokens
		req.Temperature = opts.Temperature
		req.Tools = opts.Tools
		if len(opts.Tools) > 0 {
			req.ToolChoice = opts.ToolChoice
		}
	}
	return req
}

func (p *OpenAIProvider) post(ctx context.Context, reqBody openAIRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error("request failed", "error", err)
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// Complete sends a completion request
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	return p.CompleteWithOptions(ctx, messages, nil)
}

// CompleteWithOptions sends a completion request with tools and sampling options
func (p *OpenAIProvider) CompleteWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions) (*Response, error) {
	startTime := time.Now()
	p.log.Debug("sending completion request", "message_count", len(messages))

	resp, err := p.post(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if result.Error != nil {
		p.log.Error("API error", "message", result.Error.Error(), "type", result.Error.Type)
		return nil, fmt.Errorf("API error: %s", result.Error.Error())
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	duration := time.Since(startTime)
	p.log.Info("completion received",
		"tokens_used", result.Usage.TotalTokens,
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"tool_calls", len(result.Choices[0].Message.ToolCalls),
		"duration_ms", duration.Milliseconds(),
	)

	return &Response{
		Content:      result.Choices[0].Message.Content,
		TokensUsed:   result.Usage.TotalTokens,
		FinishReason: result.Choices[0].FinishReason,
		ToolCalls:    fromOpenAIToolCalls(result.Choices[0].Message.ToolCalls),
	}, nil
}

// Stream sends a streaming completion request
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, onChunk func(string)) error {
	return p.StreamWithOptions(ctx, messages, nil, onChunk)
}

// StreamWithOptions sends a streaming completion request with sampling options
func (p *OpenAIProvider) StreamWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions, onChunk func(string)) error {
	startTime := time.Now()
	p.log.Debug("starting stream request", "message_count", len(messages))

	resp, err := p.post(ctx, p.buildRequest(messages, opts, true))
	if err != nil {
		p.log.Error("stream request failed", "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var result openAIResponse
		if json.Unmarshal(body, &result) == nil && result.Error != nil {
			return fmt.Errorf("API error: %s", result.Error.Error())
		}
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	chunkCount := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var result openAIResponse
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			continue
		}
		if result.Error != nil {
			return fmt.Errorf("API error: %s", result.Error.Error())
		}

		if len(result.Choices) > 0 && result.Choices[0].Delta.Content != "" {
			onChunk(result.Choices[0].Delta.Content)
			chunkCount++
		}
	}

	duration := time.Since(startTime)
	p.log.Info("stream completed",
		"chunks", chunkCount,
		"duration_ms", duration.Milliseconds(),
	)

	return scanner.Err()
}

// CountTokens provides a rough estimate of token count
func (p *OpenAIProvider) CountTokens(messages []Message) int {
	return estimateTokens(messages)
}
