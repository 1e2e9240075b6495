package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
	"github.com/igm/herbstat/internal/workflow"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) registerSessionRoutes(r fiber.Router) {
	h := r.Group("/sessions")
	h.Get("", s.listSessions)
	h.Post("", s.createSession)
	h.Get("/:id", s.showSession)
	h.Delete("/:id", s.deleteSession)
	h.Post("/:id/messages", s.sendMessage)
	h.Post("/:id/resume", s.resumeTurn)
}

// createSessionRequest overrides the configured session defaults.
type createSessionRequest struct {
	Temperature     *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxOutputTokens *int     `json:"max_output_tokens" validate:"omitempty,gt=0"`
	Model           string   `json:"model"`
}

type sessionResponse struct {
	Session    *storage.Session    `json:"session"`
	Checkpoint *storage.Checkpoint `json:"checkpoint,omitempty"`
}

type messageRequest struct {
	Content string `json:"content" validate:"required"`
}

type turnResponse struct {
	TurnID   string                   `json:"turn_id"`
	Reply    string                   `json:"reply"`
	ToolCall *storage.PendingToolCall `json:"tool_call,omitempty"`
	Result   tools.Result             `json:"result,omitempty"`
}

func newTurnResponse(out *workflow.Outcome) turnResponse {
	return turnResponse{
		TurnID:   out.TurnID,
		Reply:    out.Reply,
		ToolCall: out.ToolCall,
		Result:   out.Result,
	}
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	ids, err := s.agent.Sessions().List()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"sessions": ids})
}

func (s *Server) createSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
		}
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	cfg := s.agent.DefaultSessionConfig()
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = *req.MaxOutputTokens
	}
	if req.Model != "" {
		cfg.Model = req.Model
	}

	sess, err := s.agent.Sessions().Create(cfg)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sessionResponse{Session: sess})
}

func (s *Server) showSession(c *fiber.Ctx) error {
	id := c.Params("id")
	sess, err := s.agent.Sessions().Get(id)
	if err != nil {
		return err
	}

	cp, err := s.agent.State(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return c.JSON(sessionResponse{Session: sess, Checkpoint: cp})
}

func (s *Server) deleteSession(c *fiber.Ctx) error {
	if err := s.agent.Sessions().Delete(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// sendMessage runs one turn. With ?stream=true the reply is sent as
// server-sent events: "chunk" events carry narration text and a final
// "done" or "error" event closes the stream.
func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	// The stream writer outlives the handler, so the id must not alias the request buffer.
	id := utils.CopyString(c.Params("id"))
	return s.runTurn(c, id, func(ctx context.Context, onChunk func(string)) (*workflow.Outcome, error) {
		return s.agent.Ask(ctx, id, req.Content, onChunk)
	})
}

// resumeTurn retries the narration of a turn whose narration failed.
func (s *Server) resumeTurn(c *fiber.Ctx) error {
	id := utils.CopyString(c.Params("id"))
	return s.runTurn(c, id, func(ctx context.Context, onChunk func(string)) (*workflow.Outcome, error) {
		return s.agent.Resume(ctx, id, onChunk)
	})
}

type turnFunc func(ctx context.Context, onChunk func(string)) (*workflow.Outcome, error)

func (s *Server) runTurn(c *fiber.Ctx, id string, run turnFunc) error {
	ctx := c.UserContext()

	if !c.QueryBool("stream") {
		out, err := run(ctx, nil)
		if err != nil {
			return err
		}
		return c.JSON(newTurnResponse(out))
	}

	// Unknown sessions are still reported with a status code.
	if _, err := s.agent.Sessions().Get(id); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		out, err := run(ctx, func(chunk string) {
			writeEvent(w, "chunk", fiber.Map{"content": chunk})
		})
		if err != nil {
			resp := errorResponse{Error: err.Error()}
			var stepErr *workflow.StepError
			if errors.As(err, &stepErr) {
				resp.State = string(stepErr.State)
			}
			s.log.WarnContext(ctx, "streamed turn failed", "session", id, "error", err)
			writeEvent(w, "error", resp)
			return
		}
		writeEvent(w, "done", newTurnResponse(out))
	})
	return nil
}

func writeEvent(w *bufio.Writer, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	w.Flush()
}
