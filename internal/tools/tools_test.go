package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/goleak"

	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
)

func TestMain(m *testing.M) {
	// genai links in opencensus, whose stats worker runs for the process lifetime.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// memStore answers queries from a slice with the store's filter semantics.
type memStore struct {
	records []herbstore.Record
	err     error
}

func (m *memStore) Query(_ context.Context, f herbstore.Filter) ([]herbstore.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
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
		{ID: 1, Name: "人参", Price: 12.5, Effect: "大补元气"},
		{ID: 2, Name: "甘草", Price: 2.5, Effect: "调和诸药"},
		{ID: 3, Name: "西洋参", Price: 8},
		{ID: 4, Name: "炙甘草", Price: 3},
	}}
}

func TestFindByNames(t *testing.T) {
	res, err := FindByNames(context.Background(), sampleStore(), []string{"人参", "不存在的药材"})
	if err != nil {
		t.Fatalf("FindByNames() error = %v", err)
	}
	if len(res.Herbs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.Herbs))
	}
	if res.Herbs[0].Name != "人参" {
		t.Errorf("unexpected entry: %+v", res.Herbs[0])
	}
}

func TestFindByNames_Order(t *testing.T) {
	res, err := FindByNames(context.Background(), sampleStore(), []string{"甘草", "参"})
	if err != nil {
		t.Fatalf("FindByNames() error = %v", err)
	}

	var ids []int64
	for _, h := range res.Herbs {
		ids = append(ids, h.ID)
	}
	want := []int64{2, 4, 1, 3}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestFindByNames_EmptyStore(t *testing.T) {
	res, err := FindByNames(context.Background(), &memStore{}, []string{"人参"})
	if err != nil {
		t.Fatalf("FindByNames() error = %v", err)
	}
	if res.Herbs == nil || len(res.Herbs) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", res.Herbs)
	}
}

func TestComputeTotal(t *testing.T) {
	res, err := ComputeTotal(context.Background(), sampleStore(), []string{"甘草"}, []float64{3})
	if err != nil {
		t.Fatalf("ComputeTotal() error = %v", err)
	}
	if res.TotalPrice != 7.5 {
		t.Errorf("TotalPrice = %v, want 7.50", res.TotalPrice)
	}
	if len(res.Results) != 1 || res.Results[0].Quantity != 3 {
		t.Errorf("unexpected results: %+v", res.Results)
	}
}

func TestComputeTotal_MismatchedLengths(t *testing.T) {
	res, err := ComputeTotal(context.Background(), sampleStore(), []string{"甘草", "人参"}, []float64{2})
	if err != nil {
		t.Fatalf("ComputeTotal() error = %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Name != "甘草" {
		t.Fatalf("expected only 甘草, got %+v", res.Results)
	}
	if res.TotalPrice != 5 {
		t.Errorf("TotalPrice = %v, want 5", res.TotalPrice)
	}
}

func TestComputeTotal_FirstMatchOnly(t *testing.T) {
	// "甘草" matches both 甘草 (id 2) and 炙甘草 (id 4); only the first is priced.
	res, err := ComputeTotal(context.Background(), sampleStore(), []string{"甘草", "不存在"}, []float64{10, 5})
	if err != nil {
		t.Fatalf("ComputeTotal() error = %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].ID != 2 {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
	if res.TotalPrice != 25 {
		t.Errorf("TotalPrice = %v, want 25", res.TotalPrice)
	}
}

func TestComputeTotal_StoreError(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := ComputeTotal(context.Background(), &memStore{err: boom}, []string{"甘草"}, []float64{1})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	registry := NewRegistry(sampleStore())

	defs := registry.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Function.Name != CalculateTotalPrice || defs[1].Function.Name != FindHerbs {
		t.Errorf("unexpected order: %s, %s", defs[0].Function.Name, defs[1].Function.Name)
	}
	for _, d := range defs {
		if d.Type != "function" {
			t.Errorf("%s: type = %s", d.Function.Name, d.Type)
		}
		if d.Function.Parameters["type"] != "object" {
			t.Errorf("%s: parameters are not an object schema", d.Function.Name)
		}
	}

	if _, ok := registry.Get("nonexistent"); ok {
		t.Error("nonexistent tool should not exist")
	}
}

func TestExecuteTool(t *testing.T) {
	registry := NewRegistry(sampleStore())

	res, err := registry.Execute(context.Background(), &ToolCall{
		ID:      "call-1",
		Name:    CalculateTotalPrice,
		RawArgs: `{"names":["甘草"],"quantities":[3]}`,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	total, ok := res.(*PriceTotalResult)
	if !ok {
		t.Fatalf("expected *PriceTotalResult, got %T", res)
	}
	if total.TotalPrice != 7.5 {
		t.Errorf("TotalPrice = %v", total.TotalPrice)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	registry := NewRegistry(sampleStore())

	_, err := registry.Execute(context.Background(), &ToolCall{ID: "call-2", Name: "shell"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestExecuteMalformedArgs(t *testing.T) {
	registry := NewRegistry(sampleStore())

	_, err := registry.Execute(context.Background(), &ToolCall{ID: "call-3", Name: FindHerbs, RawArgs: `{"names": "人参"`})
	if err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestParseToolCall(t *testing.T) {
	call, err := ParseToolCall(llm.ToolCall{
		ID:       "call-123",
		Type:     "function",
		Function: &llm.ToolCallFunction{Name: FindHerbs, Arguments: `{"names":["人参"]}`},
	})
	if err != nil {
		t.Fatalf("ParseToolCall() error = %v", err)
	}
	if call.ID != "call-123" || call.Name != FindHerbs {
		t.Errorf("unexpected call: %+v", call)
	}

	if _, err := ParseToolCall(llm.ToolCall{ID: "call-124"}); err == nil {
		t.Error("expected error for call without function")
	}
}

func TestEncodeDecode(t *testing.T) {
	res, err := ComputeTotal(context.Background(), sampleStore(), []string{"人参"}, []float64{2})
	if err != nil {
		t.Fatalf("ComputeTotal() error = %v", err)
	}

	data, err := Encode(res)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	entry := raw["results"].([]interface{})[0].(map[string]interface{})
	if entry["name"] != "人参" || entry["quantity"] != float64(2) {
		t.Errorf("record fields not flattened: %v", entry)
	}

	back, err := Decode(CalculateTotalPrice, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if back.(*PriceTotalResult).TotalPrice != 25 {
		t.Errorf("TotalPrice lost: %+v", back)
	}

	if _, err := Decode("shell", data); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}
