// Package workflow runs one assistant turn: the model decides whether to call
// a herb tool, the tool runs against the record store, and the structured
// result is narrated back as text.
//
// A turn moves through Deciding → Narrating → Done, or straight from
// Deciding to Done when the model answers without a tool. Every transition
// is written to a per-session checkpoint so a failed turn can be inspected
// and, when the tool already ran, resumed from narration.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/logger"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
)

// State is a workflow step.
type State string

const (
	StateDeciding  State = "deciding"
	StateNarrating State = "narrating"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ErrNothingToResume is returned by Resume when the session's checkpoint has
// no narration left to redo.
var ErrNothingToResume = errors.New("nothing to resume")

// StepError reports the step a turn failed in. The session checkpoint is
// left in StateFailed.
type StepError struct {
	State     State
	SessionID string
	TurnID    string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Checkpoints persists the per-session workflow snapshot.
type Checkpoints interface {
	SaveCheckpoint(cp *storage.Checkpoint) error
	LoadCheckpoint(sessionID string) (*storage.Checkpoint, error)
}

// Turn is the input of one workflow run.
type Turn struct {
	SessionID string
	History   []llm.Message // prior user and assistant turns
	Input     string
	Config    storage.SessionConfig
}

// Outcome is the result of a finished turn.
type Outcome struct {
	TurnID   string
	Input    string
	Reply    string
	ToolCall *storage.PendingToolCall // nil when the model answered directly
	Result   tools.Result
}

// Workflow wires a Decider, the tool registry and a Narrator.
type Workflow struct {
	decider     Decider
	narrator    Narrator
	tools       *tools.Registry
	checkpoints Checkpoints
	tracer      trace.Tracer
	log         *slog.Logger
}

// New creates a workflow.
func New(decider Decider, narrator Narrator, registry *tools.Registry, checkpoints Checkpoints) *Workflow {
	return &Workflow{
		decider:     decider,
		narrator:    narrator,
		tools:       registry,
		checkpoints: checkpoints,
		tracer:      otel.Tracer("github.com/igm/herbstat/internal/workflow"),
		log:         logger.L().With("component", "workflow"),
	}
}

// Run processes one user turn to completion. onChunk, when non-nil,
// receives narration fragments as they stream in; the returned Reply is
// always the full text.
func (w *Workflow) Run(ctx context.Context, turn Turn, onChunk func(string)) (*Outcome, error) {
	cp := &storage.Checkpoint{
		SessionID: turn.SessionID,
		TurnID:    uuid.NewString(),
		State:     string(StateDeciding),
		Input:     turn.Input,
	}

	ctx, span := w.tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("session.id", cp.SessionID),
		attribute.String("turn.id", cp.TurnID),
	))
	defer span.End()

	log := w.log.With("session", cp.SessionID, "turn", cp.TurnID)
	if err := w.save(cp); err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(turn.History)+1)
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Input})

	decision, err := w.decide(ctx, messages, turn.Config)
	if err != nil {
		return nil, w.fail(ctx, cp, StateDeciding, err)
	}

	out := &Outcome{TurnID: cp.TurnID, Input: turn.Input}
	if decision.ToolCall == nil {
		log.InfoContext(ctx, "answered without tool")
		out.Reply = decision.Reply
		cp.State = string(StateDone)
		cp.Reply = decision.Reply
		if err := w.save(cp); err != nil {
			return nil, err
		}
		return out, nil
	}

	call, err := tools.ParseToolCall(*decision.ToolCall)
	if err != nil {
		return nil, w.fail(ctx, cp, StateDeciding, err)
	}
	cp.ToolCall = &storage.PendingToolCall{ID: call.ID, Name: call.Name, Arguments: call.RawArgs}
	out.ToolCall = cp.ToolCall

	result, err := w.runTool(ctx, call)
	if err != nil {
		return nil, w.fail(ctx, cp, StateDeciding, err)
	}
	encoded, err := tools.Encode(result)
	if err != nil {
		return nil, w.fail(ctx, cp, StateDeciding, err)
	}
	out.Result = result

	cp.State = string(StateNarrating)
	cp.ToolResult = encoded
	if err := w.save(cp); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "tool executed", "tool", call.Name)

	if err := w.finish(ctx, cp, result, turn.Config, onChunk, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resume re-runs narration for a session whose last turn stopped after the
// tool had produced its result. Any other checkpoint yields
// ErrNothingToResume; the caller then retries the whole turn.
func (w *Workflow) Resume(ctx context.Context, sessionID string, cfg storage.SessionConfig, onChunk func(string)) (*Outcome, error) {
	cp, err := w.checkpoints.LoadCheckpoint(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNothingToResume
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	resumable := cp.State == string(StateNarrating) ||
		(cp.State == string(StateFailed) && cp.ToolResult != "")
	if !resumable || cp.ToolCall == nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNothingToResume, sessionID, cp.State)
	}

	result, err := tools.Decode(cp.ToolCall.Name, cp.ToolResult)
	if err != nil {
		return nil, fmt.Errorf("restoring tool result: %w", err)
	}

	ctx, span := w.tracer.Start(ctx, "workflow.Resume", trace.WithAttributes(
		attribute.String("session.id", cp.SessionID),
		attribute.String("turn.id", cp.TurnID),
	))
	defer span.End()

	w.log.InfoContext(ctx, "resuming narration", "session", sessionID, "turn", cp.TurnID, "tool", cp.ToolCall.Name)
	cp.State = string(StateNarrating)
	cp.Error = ""
	if err := w.save(cp); err != nil {
		return nil, err
	}

	out := &Outcome{TurnID: cp.TurnID, Input: cp.Input, ToolCall: cp.ToolCall, Result: result}
	if err := w.finish(ctx, cp, result, cfg, onChunk, out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns the last checkpoint written for a session.
func (w *Workflow) State(sessionID string) (*storage.Checkpoint, error) {
	return w.checkpoints.LoadCheckpoint(sessionID)
}

func (w *Workflow) finish(ctx context.Context, cp *storage.Checkpoint, result tools.Result, cfg storage.SessionConfig, onChunk func(string), out *Outcome) error {
	reply, err := w.narrate(ctx, result, cfg, onChunk)
	if err != nil {
		return w.fail(ctx, cp, StateNarrating, err)
	}
	out.Reply = reply

	cp.State = string(StateDone)
	cp.Reply = reply
	return w.save(cp)
}

func (w *Workflow) decide(ctx context.Context, messages []llm.Message, cfg storage.SessionConfig) (Decision, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.decide")
	defer span.End()

	d, err := w.decider.Decide(ctx, messages, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	span.SetAttributes(attribute.Bool("tool.selected", d.ToolCall != nil))
	return d, nil
}

func (w *Workflow) runTool(ctx context.Context, call *tools.ToolCall) (tools.Result, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	res, err := w.tools.Execute(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (w *Workflow) narrate(ctx context.Context, result tools.Result, cfg storage.SessionConfig, onChunk func(string)) (string, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.narrate", trace.WithAttributes(
		attribute.String("tool.name", result.ToolName()),
		attribute.Bool("stream", onChunk != nil),
	))
	defer span.End()

	reply, err := w.narrator.Narrate(ctx, result, cfg, onChunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (w *Workflow) save(cp *storage.Checkpoint) error {
	if err := w.checkpoints.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// fail records the failure in the checkpoint and wraps err in a StepError.
func (w *Workflow) fail(ctx context.Context, cp *storage.Checkpoint, step State, err error) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
	w.log.ErrorContext(ctx, "turn failed", "session", cp.SessionID, "turn", cp.TurnID, "step", step, "error", err)

	cp.State = string(StateFailed)
	cp.Error = err.Error()
	if saveErr := w.save(cp); saveErr != nil {
		w.log.ErrorContext(ctx, "recording failure", "session", cp.SessionID, "error", saveErr)
	}
	return &StepError{State: step, SessionID: cp.SessionID, TurnID: cp.TurnID, Err: err}
}
