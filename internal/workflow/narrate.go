package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
)

const lookupPrompt = `# 任务
根据检索到的药材信息，生成用户回复。
使用markdown表格形式列举药材信息
# 数据库语义：
1. 药材名称：{name}
2. 药材价格（单位：元/克）：{price}
3. 药材功效：{effect}
4. 药材用法：{usage}

<药材信息>
{{.Herbs}}
</药材信息>
`

const totalPrompt = `# 任务
根据药材信息，生成用户回复。
1. 首先，用markdown表格形式列举药材信息
2. 然后，输出计算好的药材总价：{{printf "%.2f" .TotalPrice}}
# 数据库语义：
1. 药材名称：{name}
2. 药材价格（单位：元/克）：{price}
3. 药材功效：{effect}
4. 药材用法：{usage}
5. 药材数量：{quantity}

<药材信息>
{{.Herbs}}
</药材信息>
`

var (
	lookupTmpl = template.Must(template.New("lookup").Parse(lookupPrompt))
	totalTmpl  = template.Must(template.New("total").Parse(totalPrompt))
)

// RenderPrompt fills the narration template matching the result's tool.
func RenderPrompt(result tools.Result) (string, error) {
	var (
		tmpl *template.Template
		data struct {
			Herbs      string
			TotalPrice float64
		}
		entries any
	)

	switch r := result.(type) {
	case *tools.LookupResult:
		tmpl, entries = lookupTmpl, r.Herbs
	case *tools.PriceTotalResult:
		tmpl, entries = totalTmpl, r.Results
		data.TotalPrice = r.TotalPrice
	default:
		return "", fmt.Errorf("no narration template for %T", result)
	}

	herbs, err := compactJSON(entries)
	if err != nil {
		return "", err
	}
	data.Herbs = herbs

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding herbs: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Narrator turns a tool result into reply text.
type Narrator interface {
	Narrate(ctx context.Context, result tools.Result, cfg storage.SessionConfig, onChunk func(string)) (string, error)
}

// ModelNarrator sends the filled template to a language model, streaming
// when onChunk is set.
type ModelNarrator struct {
	provider llm.Provider
}

// NewModelNarrator creates a model-backed narrator.
func NewModelNarrator(provider llm.Provider) *ModelNarrator {
	return &ModelNarrator{provider: provider}
}

// Narrate implements Narrator.
func (n *ModelNarrator) Narrate(ctx context.Context, result tools.Result, cfg storage.SessionConfig, onChunk func(string)) (string, error) {
	prompt, err := RenderPrompt(result)
	if err != nil {
		return "", err
	}
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	opts := completeOptions(cfg, nil)

	if onChunk == nil {
		resp, err := n.provider.CompleteWithOptions(ctx, messages, opts)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	var sb strings.Builder
	err = n.provider.StreamWithOptions(ctx, messages, opts, func(chunk string) {
		sb.WriteString(chunk)
		onChunk(chunk)
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// TableNarrator renders results as a markdown table without a model.
type TableNarrator struct{}

// Narrate implements Narrator.
func (TableNarrator) Narrate(_ context.Context, result tools.Result, _ storage.SessionConfig, onChunk func(string)) (string, error) {
	var sb strings.Builder

	switch r := result.(type) {
	case *tools.LookupResult:
		if len(r.Herbs) == 0 {
			sb.WriteString("没有找到相关药材。\n")
			break
		}
		sb.WriteString("| 药材名称 | 价格（元/克） | 功效 | 用法 |\n|---|---|---|---|\n")
		for _, h := range r.Herbs {
			fmt.Fprintf(&sb, "| %s | %.2f | %s | %s |\n", cell(h.Name), h.Price, cell(h.Effect), cell(h.Usage))
		}
	case *tools.PriceTotalResult:
		if len(r.Results) == 0 {
			sb.WriteString("没有找到相关药材。\n")
			break
		}
		sb.WriteString("| 药材名称 | 价格（元/克） | 数量（克） | 小计 |\n|---|---|---|---|\n")
		for _, h := range r.Results {
			fmt.Fprintf(&sb, "| %s | %.2f | %g | %.2f |\n", cell(h.Name), h.Price, h.Quantity, h.Price*h.Quantity)
		}
		fmt.Fprintf(&sb, "\n总价：%.2f 元\n", r.TotalPrice)
	default:
		return "", fmt.Errorf("no table layout for %T", result)
	}

	text := sb.String()
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
