package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
)

func TestMain(m *testing.M) {
	// genai links in opencensus, whose stats worker runs for the process lifetime.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type memStore struct {
	records []herbstore.Record
}

func (m *memStore) Query(_ context.Context, f herbstore.Filter) ([]herbstore.Record, error) {
	var out []herbstore.Record
	for _, r := range m.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func sampleStore() *memStore {
	return &memStore{records: []herbstore.Record{
		{ID: 1, Name: "人参", Price: 12.5, Effect: "大补元气", Usage: "煎服 3-9g"},
		{ID: 2, Name: "甘草", Price: 2.5, Effect: "调和诸药"},
		{ID: 3, Name: "炙甘草", Price: 3, Effect: "补脾和胃"},
	}}
}

// fakeProvider is a scripted llm.Provider that records every request.
type fakeProvider struct {
	mu       sync.Mutex
	response *llm.Response
	chunks   []string
	err      error
	requests [][]llm.Message
	options  []*llm.CompleteOptions
}

func (p *fakeProvider) record(messages []llm.Message, opts *llm.CompleteOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, messages)
	p.options = append(p.options, opts)
}

func (p *fakeProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	return p.CompleteWithOptions(ctx, messages, nil)
}

func (p *fakeProvider) CompleteWithOptions(_ context.Context, messages []llm.Message, opts *llm.CompleteOptions) (*llm.Response, error) {
	p.record(messages, opts)
	if p.err != nil {
		return nil, p.err
	}
	return p.response, nil
}

func (p *fakeProvider) Stream(ctx context.Context, messages []llm.Message, onChunk func(string)) error {
	return p.StreamWithOptions(ctx, messages, nil, onChunk)
}

func (p *fakeProvider) StreamWithOptions(_ context.Context, messages []llm.Message, opts *llm.CompleteOptions, onChunk func(string)) error {
	p.record(messages, opts)
	if p.err != nil {
		return p.err
	}
	for _, c := range p.chunks {
		onChunk(c)
	}
	return nil
}

func (p *fakeProvider) CountTokens(messages []llm.Message) int { return 0 }

type failingDecider struct{ err error }

func (d failingDecider) Decide(context.Context, []llm.Message, storage.SessionConfig) (Decision, error) {
	return Decision{}, d.err
}

func mustCall(t *testing.T, name string, args any) Decision {
	t.Helper()
	d, err := CallTool("call-1", name, args)
	require.NoError(t, err)
	return d
}

func newWorkflow(t *testing.T, decider Decider, narrator Narrator) (*Workflow, *storage.JSONStore) {
	t.Helper()
	cps, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	return New(decider, narrator, tools.NewRegistry(sampleStore()), cps), cps
}

var testConfig = storage.SessionConfig{Temperature: 1.0, MaxOutputTokens: 1000, Model: "deepseek-reasoner"}

func TestRun_DirectReply(t *testing.T) {
	narrator := NewModelNarrator(&fakeProvider{err: errors.New("narration must not run")})
	wf, _ := newWorkflow(t, &StubDecider{Default: Decision{Reply: "您好，请问需要查询哪味药材？"}}, narrator)

	out, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "你好", Config: testConfig}, nil)
	require.NoError(t, err)
	assert.Equal(t, "您好，请问需要查询哪味药材？", out.Reply)
	assert.Nil(t, out.ToolCall)

	cp, err := wf.State("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), cp.State)
	assert.Equal(t, out.TurnID, cp.TurnID)
	assert.Equal(t, "你好", cp.Input)
	assert.Empty(t, cp.ToolResult)
}

func TestRun_LookupNarration(t *testing.T) {
	provider := &fakeProvider{response: &llm.Response{Content: "| 人参 | 12.50 |"}}
	decider := &StubDecider{Rules: map[string]Decision{
		"人参的功效": mustCall(t, tools.FindHerbs, map[string]any{"names": []string{"人参", "不存在的药材"}}),
	}}
	wf, _ := newWorkflow(t, decider, NewModelNarrator(provider))

	out, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "人参的功效", Config: testConfig}, nil)
	require.NoError(t, err)
	assert.Equal(t, "| 人参 | 12.50 |", out.Reply)
	require.NotNil(t, out.ToolCall)
	assert.Equal(t, tools.FindHerbs, out.ToolCall.Name)

	lookup, ok := out.Result.(*tools.LookupResult)
	require.True(t, ok)
	require.Len(t, lookup.Herbs, 1)

	// The narration call carries only the filled template.
	want, err := RenderPrompt(lookup)
	require.NoError(t, err)
	require.Len(t, provider.requests, 1)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: want}}, provider.requests[0])
	assert.Equal(t, 1000, provider.options[0].MaxTokens)
	assert.Empty(t, provider.options[0].Tools)
	assert.Equal(t, "deepseek-reasoner", provider.options[0].Model)

	cp, err := wf.State("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), cp.State)
	assert.Contains(t, cp.ToolResult, "人参")
}

func TestRun_StreamedTotal(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"甘草 3 克，", "总价 7.50 元"}}
	decider := &StubDecider{Default: mustCall(t, tools.CalculateTotalPrice, map[string]any{
		"names":      []string{"甘草"},
		"quantities": []float64{3},
	})}
	wf, _ := newWorkflow(t, decider, NewModelNarrator(provider))

	var chunks []string
	out, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "甘草三克多少钱", Config: testConfig}, func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"甘草 3 克，", "总价 7.50 元"}, chunks)
	assert.Equal(t, "甘草 3 克，总价 7.50 元", out.Reply)

	total := out.Result.(*tools.PriceTotalResult)
	assert.Equal(t, 7.5, total.TotalPrice)
	assert.Contains(t, provider.requests[0][0].Content, "输出计算好的药材总价：7.50")
}

func TestRun_HistoryIsSent(t *testing.T) {
	provider := &fakeProvider{response: &llm.Response{Content: "好的"}}
	wf, _ := newWorkflow(t, NewModelDecider(provider, tools.NewRegistry(sampleStore()).Definitions()), TableNarrator{})

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "人参多少钱"},
		{Role: llm.RoleAssistant, Content: "12.50 元/克"},
	}
	_, err := wf.Run(context.Background(), Turn{SessionID: "s1", History: history, Input: "谢谢", Config: testConfig}, nil)
	require.NoError(t, err)

	require.Len(t, provider.requests, 1)
	sent := provider.requests[0]
	require.Len(t, sent, 3)
	assert.Equal(t, "谢谢", sent[2].Content)
	assert.Len(t, history, 2, "caller history must not be modified")
}

func TestRun_DeciderFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	wf, _ := newWorkflow(t, failingDecider{err: boom}, TableNarrator{})

	_, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "人参", Config: testConfig}, nil)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeciding, stepErr.State)
	assert.Equal(t, "s1", stepErr.SessionID)
	assert.ErrorIs(t, err, boom)

	cp, err := wf.State("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), cp.State)
	assert.Equal(t, "model unavailable", cp.Error)
}

func TestRun_UnknownTool(t *testing.T) {
	wf, _ := newWorkflow(t, &StubDecider{Default: mustCall(t, "shell", map[string]any{})}, TableNarrator{})

	_, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "rm -rf /", Config: testConfig}, nil)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeciding, stepErr.State)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)

	_, err = wf.Resume(context.Background(), "s1", testConfig, nil)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRun_NarrationFailureThenResume(t *testing.T) {
	provider := &fakeProvider{err: errors.New("timeout")}
	decider := &StubDecider{Default: mustCall(t, tools.FindHerbs, map[string]any{"names": []string{"甘草"}})}
	wf, _ := newWorkflow(t, decider, NewModelNarrator(provider))

	_, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "甘草", Config: testConfig}, nil)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateNarrating, stepErr.State)

	cp, err := wf.State("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), cp.State)
	assert.NotEmpty(t, cp.ToolResult)
	failedTurn := cp.TurnID

	provider.err = nil
	provider.response = &llm.Response{Content: "甘草 2.50 元/克"}
	out, err := wf.Resume(context.Background(), "s1", testConfig, nil)
	require.NoError(t, err)
	assert.Equal(t, "甘草 2.50 元/克", out.Reply)
	assert.Equal(t, failedTurn, out.TurnID)
	assert.Equal(t, "甘草", out.Input)

	cp, err = wf.State("s1")
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), cp.State)
	assert.Empty(t, cp.Error)

	_, err = wf.Resume(context.Background(), "s1", testConfig, nil)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestResume_NoCheckpoint(t *testing.T) {
	wf, _ := newWorkflow(t, &StubDecider{}, TableNarrator{})

	_, err := wf.Resume(context.Background(), "missing", testConfig, nil)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRun_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	decider := &StubDecider{Default: mustCall(t, tools.FindHerbs, map[string]any{"names": []string{"人参"}})}
	wf, _ := newWorkflow(t, decider, TableNarrator{})

	_, err := wf.Run(context.Background(), Turn{SessionID: "s1", Input: "人参", Config: testConfig}, nil)
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"workflow.decide", "workflow.tool", "workflow.narrate", "workflow.Run"}, names)
}

func TestStepError(t *testing.T) {
	inner := errors.New("boom")
	err := &StepError{State: StateNarrating, Err: inner}
	assert.Equal(t, "narrating step failed: boom", err.Error())
	assert.True(t, errors.Is(err, inner))
	assert.True(t, strings.HasPrefix(err.Error(), "narrating"))
}
