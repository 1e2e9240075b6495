package llm

import (
	"context"
	"fmt"
	"sort"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a conversation message
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`         // tool name on tool messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool messages
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant messages
}

// ToolCall is a function invocation requested by the model
type ToolCall struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function *ToolCallFunction `json:"function,omitempty"`
}

// ToolCallFunction carries the function name and its raw JSON arguments
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declares a callable tool in OpenAI function format
type ToolDefinition struct {
	Type     string           `json:"type"`
	Function *ToolFunctionDef `json:"function,omitempty"`
}

// ToolFunctionDef describes a function and its JSON-schema parameters
type ToolFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// CompleteOptions tunes a single request. Nil options use provider defaults.
type CompleteOptions struct {
	Tools       []ToolDefinition
	ToolChoice  string   // "auto", "none" or "required"
	MaxTokens   int      // 0 leaves the provider default
	Temperature *float64 // nil leaves the provider default
	Model       string   // empty uses the provider's configured model
}

// Response represents the LLM response
type Response struct {
	Content      string
	TokensUsed   int
	FinishReason string
	ToolCalls    []ToolCall
}

// HasToolCalls reports whether the model asked for at least one tool call
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Complete sends messages to the LLM and returns the response
	Complete(ctx context.Context, messages []Message) (*Response, error)

	// CompleteWithOptions is Complete with tools and sampling parameters
	CompleteWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions) (*Response, error)

	// Stream sends messages and streams the response
	Stream(ctx context.Context, messages []Message, onChunk func(string)) error

	// StreamWithOptions is Stream with sampling parameters
	StreamWithOptions(ctx context.Context, messages []Message, opts *CompleteOptions, onChunk func(string)) error

	// CountTokens estimates token count for messages
	CountTokens(messages []Message) int
}

// ProviderFactory creates a provider based on type
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// ProviderConfig holds provider-specific configuration
type ProviderConfig struct {
	Type    string
	BaseURL string
	APIKey  string
	Model   string
}

var providers = make(map[string]ProviderFactory)

// Register adds a new provider factory
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// New creates a provider from configuration
func New(cfg ProviderConfig) (Provider, error) {
	factory, ok := providers[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	return factory(cfg)
}

// Types lists the registered provider names
func Types() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func estimateTokens(messages []Message) int {
	// Rough estimation: ~4 chars per token
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		total += 4 // Role overhead
		for _, tc := range m.ToolCalls {
			if tc.Function != nil {
				total += len(tc.Function.Arguments) / 4
			}
		}
	}
	return total
}
