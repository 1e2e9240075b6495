package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/logger"
)

// Tool names as declared to the model.
const (
	FindHerbs           = "find_herbs"
	CalculateTotalPrice = "calculate_total_price"
)

// ErrUnknownTool is returned when the model asks for a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Querier is the part of the record store the tools read from.
type Querier interface {
	Query(ctx context.Context, f herbstore.Filter) ([]herbstore.Record, error)
}

// Result is the structured output of a tool invocation: *LookupResult or
// *PriceTotalResult.
type Result interface {
	ToolName() string
}

// LookupResult lists every record matched by find_herbs.
type LookupResult struct {
	Herbs []herbstore.Record `json:"herbs"`
}

func (*LookupResult) ToolName() string { return FindHerbs }

// PricedHerb is a matched record together with the requested quantity in grams.
type PricedHerb struct {
	herbstore.Record
	Quantity float64 `json:"quantity"`
}

// PriceTotalResult is the output of calculate_total_price.
type PriceTotalResult struct {
	Results    []PricedHerb `json:"results"`
	TotalPrice float64      `json:"total_price"`
}

func (*PriceTotalResult) ToolName() string { return CalculateTotalPrice }

// FindByNames runs a substring query per name and flattens the matches,
// keeping input order and store order within a name. Names without a match
// contribute nothing.
func FindByNames(ctx context.Context, q Querier, names []string) (*LookupResult, error) {
	out := &LookupResult{Herbs: []herbstore.Record{}}
	for _, name := range names {
		matches, err := q.Query(ctx, herbstore.ByName(name))
		if err != nil {
			return nil, fmt.Errorf("querying %q: %w", name, err)
		}
		out.Herbs = append(out.Herbs, matches...)
	}
	return out, nil
}

// ComputeTotal pairs names[i] with quantities[i] up to the shorter of the two
// slices, prices each pair with the first matching record and sums
// price × quantity. Unmatched pairs are skipped.
func ComputeTotal(ctx context.Context, q Querier, names []string, quantities []float64) (*PriceTotalResult, error) {
	n := min(len(names), len(quantities))

	out := &PriceTotalResult{Results: []PricedHerb{}}
	var total float64
	for i := 0; i < n; i++ {
		matches, err := q.Query(ctx, herbstore.ByName(names[i]))
		if err != nil {
			return nil, fmt.Errorf("querying %q: %w", names[i], err)
		}
		if len(matches) == 0 {
			continue
		}
		first := matches[0]
		total += first.Price * quantities[i]
		out.Results = append(out.Results, PricedHerb{Record: first, Quantity: quantities[i]})
	}
	out.TotalPrice = herbstore.RoundCents(total)
	return out, nil
}

// Tool is a callable operation declared to the model
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Executor    func(ctx context.Context, args json.RawMessage) (Result, error)
}

// ToolCall represents a tool call request from the LLM
type ToolCall struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	RawArgs string `json:"arguments"`
}

// Registry manages available tools
type Registry struct {
	tools map[string]*Tool
	log   *slog.Logger
}

// NewRegistry creates a registry holding the two herb tools bound to q.
func NewRegistry(q Querier) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		log:   logger.L().With("component", "tools"),
	}
	r.registerHerbTools(q)
	return r
}

// Register adds a tool to the registry
func (r *Registry) Register(tool *Tool) {
	r.tools[tool.Name] = tool
	r.log.Debug("tool registered", "name", tool.Name)
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name
func (r *Registry) List() []*Tool {
	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Definitions converts tools to the function format sent to providers
func (r *Registry) Definitions() []llm.ToolDefinition {
	list := r.List()
	defs := make([]llm.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: &llm.ToolFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs a tool call. Unknown tools and malformed arguments are errors.
func (r *Registry) Execute(ctx context.Context, call *ToolCall) (Result, error) {
	r.log.Info("executing tool", "name", call.Name, "id", call.ID)

	tool, ok := r.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args := json.RawMessage(call.RawArgs)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	result, err := tool.Executor(ctx, args)
	if err != nil {
		r.log.Error("tool execution failed", "name", call.Name, "error", err)
		return nil, err
	}

	r.log.Debug("tool executed successfully", "name", call.Name)
	return result, nil
}

func (r *Registry) registerHerbTools(q Querier) {
	r.Register(&Tool{
		Name:        FindHerbs,
		Description: "根据用户提供的药材名称列表，返回药材信息。",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"names": map[string]interface{}{
					"type":        "array",
					"description": "药材名称列表",
					"items":       map[string]interface{}{"type": "string"},
				},
			},
			"required": []string{"names"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args struct {
				Names []string `json:"names"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("parsing %s arguments: %w", FindHerbs, err)
			}
			return FindByNames(ctx, q, args.Names)
		},
	})

	r.Register(&Tool{
		Name:        CalculateTotalPrice,
		Description: "根据用户输入的药材名称和数量（克），返回总价",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"names": map[string]interface{}{
					"type":        "array",
					"description": "药材名称列表",
					"items":       map[string]interface{}{"type": "string"},
				},
				"quantities": map[string]interface{}{
					"type":        "array",
					"description": "与药材名称一一对应的数量，单位：克",
					"items":       map[string]interface{}{"type": "number"},
				},
			},
			"required": []string{"names", "quantities"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args struct {
				Names      []string  `json:"names"`
				Quantities []float64 `json:"quantities"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("parsing %s arguments: %w", CalculateTotalPrice, err)
			}
			return ComputeTotal(ctx, q, args.Names, args.Quantities)
		},
	})
}

// ParseToolCall converts a provider tool call into a registry call
func ParseToolCall(tc llm.ToolCall) (*ToolCall, error) {
	if tc.Function == nil || tc.Function.Name == "" {
		return nil, fmt.Errorf("tool call %q has no function", tc.ID)
	}
	return &ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArgs: tc.Function.Arguments}, nil
}

// Encode renders a result as the JSON sent back to the model and stored in
// checkpoints.
func Encode(res Result) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding %s result: %w", res.ToolName(), err)
	}
	return string(data), nil
}

// Decode restores a result previously produced by Encode.
func Decode(name, data string) (Result, error) {
	var res Result
	switch name {
	case FindHerbs:
		res = &LookupResult{}
	case CalculateTotalPrice:
		res = &PriceTotalResult{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := json.Unmarshal([]byte(data), res); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", name, err)
	}
	return res, nil
}
