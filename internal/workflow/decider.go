package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
)

// Decision is either a tool call or a direct reply.
type Decision struct {
	ToolCall *llm.ToolCall
	Reply    string
}

// CallTool builds a decision that invokes name with args encoded as JSON.
func CallTool(id, name string, args any) (Decision, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return Decision{}, fmt.Errorf("encoding %s arguments: %w", name, err)
	}
	return Decision{ToolCall: &llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: &llm.ToolCallFunction{Name: name, Arguments: string(data)},
	}}, nil
}

// Decider chooses between calling a tool and replying directly, given the
// full history ending with the new user message.
type Decider interface {
	Decide(ctx context.Context, history []llm.Message, cfg storage.SessionConfig) (Decision, error)
}

// ModelDecider asks a language model, offering the tool declarations with
// tool choice "auto".
type ModelDecider struct {
	provider llm.Provider
	tools    []llm.ToolDefinition
}

// NewModelDecider creates a model-backed decider.
func NewModelDecider(provider llm.Provider, defs []llm.ToolDefinition) *ModelDecider {
	return &ModelDecider{provider: provider, tools: defs}
}

// Decide implements Decider. Only the first tool call of a response is used.
func (d *ModelDecider) Decide(ctx context.Context, history []llm.Message, cfg storage.SessionConfig) (Decision, error) {
	resp, err := d.provider.CompleteWithOptions(ctx, history, completeOptions(cfg, d.tools))
	if err != nil {
		return Decision{}, err
	}
	if resp.HasToolCalls() {
		tc := resp.ToolCalls[0]
		return Decision{ToolCall: &tc}, nil
	}
	return Decision{Reply: resp.Content}, nil
}

func completeOptions(cfg storage.SessionConfig, defs []llm.ToolDefinition) *llm.CompleteOptions {
	temp := cfg.Temperature
	opts := &llm.CompleteOptions{
		MaxTokens:   cfg.MaxOutputTokens,
		Temperature: &temp,
		Model:       cfg.Model,
	}
	if len(defs) > 0 {
		opts.Tools = defs
		opts.ToolChoice = "auto"
	}
	return opts
}

// StubDecider maps the latest user message to a fixed decision. Inputs
// without a rule get Default.
type StubDecider struct {
	Rules   map[string]Decision
	Default Decision
}

// Decide implements Decider.
func (d *StubDecider) Decide(_ context.Context, history []llm.Message, _ storage.SessionConfig) (Decision, error) {
	if dec, ok := d.Rules[lastUserText(history)]; ok {
		return dec, nil
	}
	return d.Default, nil
}

func lastUserText(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}

// NoHerbReply is the offline answer when the input names no known herb.
const NoHerbReply = "没有在药材库中找到您提到的药材。"

var quantityPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:克|g|G)`)

// KeywordDecider decides without a model: herb names from the store found
// in the input select find_herbs, and when the input also carries gram
// quantities ("3克", "10g") calculate_total_price is called instead, pairing
// names and quantities in order of appearance.
type KeywordDecider struct {
	store tools.Querier
}

// NewKeywordDecider creates an offline decider over store.
func NewKeywordDecider(store tools.Querier) *KeywordDecider {
	return &KeywordDecider{store: store}
}

// Decide implements Decider.
func (d *KeywordDecider) Decide(ctx context.Context, history []llm.Message, _ storage.SessionConfig) (Decision, error) {
	input := lastUserText(history)

	records, err := d.store.Query(ctx, herbstore.Filter{})
	if err != nil {
		return Decision{}, fmt.Errorf("listing herbs: %w", err)
	}
	names := mentionedNames(input, records)
	if len(names) == 0 {
		return Decision{Reply: NoHerbReply}, nil
	}

	var quantities []float64
	for _, m := range quantityPattern.FindAllStringSubmatch(input, -1) {
		q, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			quantities = append(quantities, q)
		}
	}

	if len(quantities) > 0 {
		return CallTool("offline-1", tools.CalculateTotalPrice, map[string]any{
			"names":      names,
			"quantities": quantities,
		})
	}
	return CallTool("offline-1", tools.FindHerbs, map[string]any{"names": names})
}

// mentionedNames returns the distinct record names occurring in input,
// ordered by position. Longer names win over names nested inside them, so
// "炙甘草" does not also yield "甘草".
func mentionedNames(input string, records []herbstore.Record) []string {
	candidates := make([]string, 0, len(records))
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Name != "" && !seen[r.Name] && strings.Contains(input, r.Name) {
			seen[r.Name] = true
			candidates = append(candidates, r.Name)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i]) > len(candidates[j])
	})

	type hit struct {
		name string
		pos  int
	}
	taken := make([]bool, len(input))
	var hits []hit
	for _, name := range candidates {
		for off := 0; off < len(input); {
			i := strings.Index(input[off:], name)
			if i < 0 {
				break
			}
			start, end := off+i, off+i+len(name)
			off = end
			if anyTaken(taken[start:end]) {
				continue
			}
			for k := start; k < end; k++ {
				taken[k] = true
			}
			hits = append(hits, hit{name: name, pos: start})
			break
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		names = append(names, h.name)
	}
	return names
}

func anyTaken(span []bool) bool {
	for _, t := range span {
		if t {
			return true
		}
	}
	return false
}
