package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igm/herbstat/internal/config"
	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/session"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
	"github.com/igm/herbstat/internal/workflow"
)

var sampleHerbs = []herbstore.Record{
	{ID: 1, Name: "人参", Price: 12.5, Effect: "大补元气", Usage: "煎服 3-9g"},
	{ID: 2, Name: "甘草", Price: 2.5, Effect: "调和诸药", Usage: "煎服 2-10g"},
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.WorkDir = t.TempDir()
	return cfg
}

func newOffline(t *testing.T) *Agent {
	t.Helper()
	a, err := New(testConfig(t), true)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Store().ReplaceAll(context.Background(), sampleHerbs))
	return a
}

func TestNew_RequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Type = "deepseek"

	_, err := New(cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--offline")
}

func TestDefaultSessionConfig(t *testing.T) {
	a := newOffline(t)

	sc := a.DefaultSessionConfig()
	assert.Equal(t, 1.0, sc.Temperature)
	assert.Equal(t, 1000, sc.MaxOutputTokens)
	assert.Equal(t, llm.DefaultModel("deepseek"), sc.Model)
}

func TestChat_Offline(t *testing.T) {
	a := newOffline(t)
	require.NoError(t, a.SetSession(""))

	var streamed strings.Builder
	reply, err := a.Chat(context.Background(), "人参3克多少钱", func(c string) { streamed.WriteString(c) })
	require.NoError(t, err)
	assert.Contains(t, reply, "总价：37.50 元")
	assert.Equal(t, reply, streamed.String())

	sess, err := a.Sessions().Get(a.SessionID())
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, llm.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "人参3克多少钱", sess.Messages[0].Content)
	assert.Equal(t, reply, sess.Messages[1].Content)

	cp, err := a.State(a.SessionID())
	require.NoError(t, err)
	assert.Equal(t, string(workflow.StateDone), string(cp.State))
}

func TestChat_EmptyInput(t *testing.T) {
	a := newOffline(t)
	require.NoError(t, a.SetSession(""))

	_, err := a.Chat(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestSetSession_Unknown(t *testing.T) {
	a := newOffline(t)
	assert.Error(t, a.SetSession("missing"))
}

func TestAsk_Busy(t *testing.T) {
	a := newOffline(t)
	require.NoError(t, a.SetSession(""))

	unlock, err := a.Sessions().Lock(a.SessionID())
	require.NoError(t, err)
	defer unlock()

	_, err = a.Ask(context.Background(), a.SessionID(), "人参", nil)
	assert.ErrorIs(t, err, session.ErrBusy)
}

type flakyNarrator struct {
	failures int32
}

func (n *flakyNarrator) Narrate(ctx context.Context, result tools.Result, cfg storage.SessionConfig, onChunk func(string)) (string, error) {
	if atomic.AddInt32(&n.failures, -1) >= 0 {
		return "", errors.New("model unavailable")
	}
	return workflow.TableNarrator{}.Narrate(ctx, result, cfg, onChunk)
}

func TestAsk_ResumeAfterNarrationFailure(t *testing.T) {
	cfg := testConfig(t)
	store, err := herbstore.Open(cfg.HerbStore())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.ReplaceAll(context.Background(), sampleHerbs))

	sessions, err := storage.NewJSONStore(cfg.SessionsDir())
	require.NoError(t, err)

	a := NewWithDeps(cfg, Deps{
		Store:    store,
		Storage:  sessions,
		Decider:  workflow.NewKeywordDecider(store),
		Narrator: &flakyNarrator{failures: 1},
	})
	require.NoError(t, a.SetSession(""))
	id := a.SessionID()

	_, err = a.Ask(context.Background(), id, "甘草有什么功效", nil)
	var stepErr *workflow.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, workflow.StateNarrating, stepErr.State)

	sess, err := a.Sessions().Get(id)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages, "failed turns are not recorded")

	out, err := a.Resume(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "调和诸药")

	sess, err = a.Sessions().Get(id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "甘草有什么功效", sess.Messages[0].Content)
}

// openAIServer answers the decision request with a find_herbs call and the
// narration request with plain text.
func openAIServer(t *testing.T, requests *[]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*requests = append(*requests, req)

		message := map[string]any{"role": "assistant", "content": "人参每克12.50元，大补元气。"}
		if _, ok := req["tools"]; ok {
			message = map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []map[string]any{{
					"id":   "call-1",
					"type": "function",
					"function": map[string]any{
						"name":      tools.FindHerbs,
						"arguments": `{"names":["人参"]}`,
					},
				}},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": "stop"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChat_Model(t *testing.T) {
	var requests []map[string]any
	srv := openAIServer(t, &requests)

	cfg := testConfig(t)
	cfg.Provider = config.ProviderConfig{Type: "openai", BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"}

	a, err := New(cfg, false)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Store().ReplaceAll(context.Background(), sampleHerbs))
	require.NoError(t, a.SetSession(""))

	reply, err := a.Chat(context.Background(), "人参多少钱", nil)
	require.NoError(t, err)
	assert.Equal(t, "人参每克12.50元，大补元气。", reply)

	require.Len(t, requests, 2)
	assert.Equal(t, "test-model", requests[0]["model"])
	assert.Equal(t, "auto", requests[0]["tool_choice"])
	assert.NotContains(t, requests[1], "tools")

	narration := requests[1]["messages"].([]any)
	require.Len(t, narration, 1)
	assert.Contains(t, narration[0].(map[string]any)["content"], `"name":"人参"`)
}

func TestAsk_SessionModel(t *testing.T) {
	var requests []map[string]any
	srv := openAIServer(t, &requests)

	cfg := testConfig(t)
	cfg.Provider = config.ProviderConfig{Type: "openai", BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini"}

	a, err := New(cfg, false)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Store().ReplaceAll(context.Background(), sampleHerbs))

	sc := a.DefaultSessionConfig()
	sc.Model = "deepseek-reasoner"
	sess, err := a.Sessions().Create(sc)
	require.NoError(t, err)

	_, err = a.Ask(context.Background(), sess.ID, "人参多少钱", nil)
	require.NoError(t, err)

	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.Equal(t, "deepseek-reasoner", req["model"])
	}
}

func TestInteractive(t *testing.T) {
	a := newOffline(t)

	in := strings.NewReader(strings.Join([]string{
		"/help",
		"甘草有什么功效",
		"/state",
		"/herbs 人",
		"/bogus",
		"/exit",
		"never read",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, a.Interactive(context.Background(), in, &out))

	text := out.String()
	assert.Contains(t, text, "/switch <id>")
	assert.Contains(t, text, "调和诸药")
	assert.Contains(t, text, ": done")
	assert.Contains(t, text, "12.50")
	assert.Contains(t, text, "Unknown command: /bogus")
	assert.Contains(t, text, "Goodbye!")
}

func TestInteractive_SessionCommands(t *testing.T) {
	a := newOffline(t)
	require.NoError(t, a.SetSession(""))
	first := a.SessionID()

	in := strings.NewReader("/new\n/list\n/switch " + first + "\n/delete " + first + "\n")
	var out bytes.Buffer
	require.NoError(t, a.Interactive(context.Background(), in, &out))

	text := out.String()
	assert.Contains(t, text, "Started new session")
	assert.Contains(t, text, "Switched to: "+first)
	assert.Contains(t, text, "Deleted: "+first)
	assert.NotEqual(t, first, a.SessionID())

	_, err := a.Sessions().Get(first)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
