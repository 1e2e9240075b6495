package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/igm/herbstat/internal/config"
	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/logger"
	"github.com/igm/herbstat/internal/session"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tools"
	"github.com/igm/herbstat/internal/workflow"
)

// ErrEmptyInput is returned for blank user messages.
var ErrEmptyInput = errors.New("empty message")

// Agent is the herb assistant: it owns the record store, the sessions and
// the workflow that answers each turn.
type Agent struct {
	config    *config.Config
	store     herbstore.Store
	sessions  *session.Manager
	flow      *workflow.Workflow
	sessionID string
	log       *slog.Logger
}

// Deps are the collaborators an Agent is assembled from.
type Deps struct {
	Store    herbstore.Store
	Storage  storage.Storage
	Decider  workflow.Decider
	Narrator workflow.Narrator
}

// New creates an agent from configuration. Offline agents answer with the
// keyword decider and render tables locally instead of calling a model.
func New(cfg *config.Config, offline bool) (*Agent, error) {
	if err := cfg.EnsureWorkDir(); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	store, err := herbstore.Open(cfg.HerbStore())
	if err != nil {
		return nil, fmt.Errorf("opening herb store: %w", err)
	}

	sessionStore, err := storage.NewJSONStore(cfg.SessionsDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	deps := Deps{Store: store, Storage: sessionStore}
	if offline {
		deps.Decider = workflow.NewKeywordDecider(store)
		deps.Narrator = workflow.TableNarrator{}
	} else {
		provider, err := llm.New(llm.ProviderConfig{
			Type:    cfg.Provider.Type,
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			Model:   cfg.Provider.Model,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("initializing provider (use --offline to run without one): %w", err)
		}
		deps.Decider = workflow.NewModelDecider(provider, tools.NewRegistry(store).Definitions())
		deps.Narrator = workflow.NewModelNarrator(provider)
	}

	return NewWithDeps(cfg, deps), nil
}

// NewWithDeps assembles an agent from explicit collaborators.
func NewWithDeps(cfg *config.Config, deps Deps) *Agent {
	registry := tools.NewRegistry(deps.Store)
	return &Agent{
		config:   cfg,
		store:    deps.Store,
		sessions: session.NewManager(deps.Storage, cfg.Session.CacheTTL),
		flow:     workflow.New(deps.Decider, deps.Narrator, registry, deps.Storage),
		log:      logger.L().With("component", "agent"),
	}
}

// Store returns the record store
func (a *Agent) Store() herbstore.Store { return a.store }

// Sessions returns the session manager
func (a *Agent) Sessions() *session.Manager { return a.sessions }

// Close releases the record store
func (a *Agent) Close() error { return a.store.Close() }

// DefaultSessionConfig returns the configured settings for new sessions
func (a *Agent) DefaultSessionConfig() storage.SessionConfig {
	model := a.config.Provider.Model
	if model == "" {
		model = llm.DefaultModel(a.config.Provider.Type)
	}
	return storage.SessionConfig{
		Temperature:     a.config.Session.Temperature,
		MaxOutputTokens: a.config.Session.MaxOutputTokens,
		Model:           model,
	}
}

// SetSession selects the session used by Chat and the REPL. An empty id
// starts a new session with the default configuration.
func (a *Agent) SetSession(id string) error {
	if id == "" {
		sess, err := a.sessions.Create(a.DefaultSessionConfig())
		if err != nil {
			return err
		}
		a.sessionID = sess.ID
		return nil
	}

	if _, err := a.sessions.Get(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s not found", id)
		}
		return err
	}
	a.sessionID = id
	return nil
}

// SessionID returns the current session
func (a *Agent) SessionID() string { return a.sessionID }

// Chat sends a message in the current session and returns the reply
func (a *Agent) Chat(ctx context.Context, input string, onChunk func(string)) (string, error) {
	out, err := a.Ask(ctx, a.sessionID, input, onChunk)
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}

// Ask runs one turn in a session. The session is locked for the duration
// of the turn; a concurrent turn fails with session.ErrBusy. The user
// message and the reply are appended to the history only when the turn
// completes.
func (a *Agent) Ask(ctx context.Context, sessionID, input string, onChunk func(string)) (*workflow.Outcome, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	unlock, err := a.sessions.Lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	out, err := a.flow.Run(ctx, workflow.Turn{
		SessionID: sessionID,
		History:   sess.Messages,
		Input:     input,
		Config:    sess.Config,
	}, onChunk)
	if err != nil {
		return nil, err
	}

	if err := a.record(sessionID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resume finishes a turn whose narration failed, then records it.
func (a *Agent) Resume(ctx context.Context, sessionID string, onChunk func(string)) (*workflow.Outcome, error) {
	unlock, err := a.sessions.Lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	out, err := a.flow.Resume(ctx, sessionID, sess.Config, onChunk)
	if err != nil {
		return nil, err
	}
	if err := a.record(sessionID, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Agent) record(sessionID string, out *workflow.Outcome) error {
	_, err := a.sessions.Append(sessionID,
		llm.Message{Role: llm.RoleUser, Content: out.Input},
		llm.Message{Role: llm.RoleAssistant, Content: out.Reply},
	)
	if err != nil {
		return fmt.Errorf("saving turn: %w", err)
	}
	a.log.Debug("turn recorded", "session", sessionID, "turn", out.TurnID)
	return nil
}

// State returns the last workflow checkpoint of a session
func (a *Agent) State(sessionID string) (*storage.Checkpoint, error) {
	return a.flow.State(sessionID)
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	infoColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

// Interactive runs a REPL on in/out until EOF, /exit or ctx is done.
func (a *Agent) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	if a.sessionID == "" {
		if err := a.SetSession(""); err != nil {
			return err
		}
	}
	infoColor.Fprintf(out, "herbstat ready (session %s). Type /help for commands.\n", a.sessionID)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		promptColor.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if a.handleCommand(ctx, input, out) {
				return nil
			}
			continue
		}

		fmt.Fprintln(out)
		_, err := a.Chat(ctx, input, func(chunk string) {
			fmt.Fprint(out, chunk)
		})
		if err != nil {
			errColor.Fprintf(out, "\nError: %v\n", err)
			var stepErr *workflow.StepError
			if errors.As(err, &stepErr) && stepErr.State == workflow.StateNarrating {
				infoColor.Fprintln(out, "The lookup succeeded; /resume retries the answer.")
			}
			continue
		}
		fmt.Fprint(out, "\n\n")
	}
}

// handleCommand processes slash commands. It reports whether the REPL
// should exit.
func (a *Agent) handleCommand(ctx context.Context, input string, out io.Writer) bool {
	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case "/help":
		fmt.Fprintln(out, `Commands:
  /help          - Show this help
  /new           - Start a new session
  /list          - List sessions
  /switch <id>   - Switch to a session
  /delete <id>   - Delete a session
  /state         - Show the workflow state of the current session
  /resume        - Retry the answer of a turn whose narration failed
  /herbs [name]  - List herbs, optionally filtered by name
  /exit          - Exit`)

	case "/new":
		if err := a.SetSession(""); err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
		} else {
			infoColor.Fprintf(out, "Started new session: %s\n", a.sessionID)
		}

	case "/list":
		ids, err := a.sessions.List()
		if err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
			break
		}
		fmt.Fprintln(out, "Sessions:")
		for _, id := range ids {
			marker := ""
			if id == a.sessionID {
				marker = " *"
			}
			fmt.Fprintf(out, "  %s%s\n", id, marker)
		}

	case "/switch":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Usage: /switch <session-id>")
			break
		}
		if err := a.SetSession(parts[1]); err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
		} else {
			infoColor.Fprintf(out, "Switched to: %s\n", parts[1])
		}

	case "/delete":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Usage: /delete <session-id>")
			break
		}
		if err := a.sessions.Delete(parts[1]); err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
			break
		}
		infoColor.Fprintf(out, "Deleted: %s\n", parts[1])
		if parts[1] == a.sessionID {
			a.sessionID = ""
			if err := a.SetSession(""); err == nil {
				infoColor.Fprintf(out, "Started new session: %s\n", a.sessionID)
			}
		}

	case "/state":
		cp, err := a.State(a.sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintln(out, "No turns yet")
				break
			}
			errColor.Fprintf(out, "Error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "Turn %s: %s\n", cp.TurnID, cp.State)
		if cp.ToolCall != nil {
			fmt.Fprintf(out, "  tool: %s %s\n", cp.ToolCall.Name, cp.ToolCall.Arguments)
		}
		if cp.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", cp.Error)
		}

	case "/resume":
		fmt.Fprintln(out)
		_, err := a.Resume(ctx, a.sessionID, func(chunk string) {
			fmt.Fprint(out, chunk)
		})
		if err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
			break
		}
		fmt.Fprint(out, "\n\n")

	case "/herbs":
		var f herbstore.Filter
		if len(parts) > 1 {
			f = herbstore.ByName(parts[1])
		}
		records, err := a.store.Query(ctx, f)
		if err != nil {
			errColor.Fprintf(out, "Error: %v\n", err)
			break
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No herbs found")
			break
		}
		for _, r := range records {
			fmt.Fprintf(out, "  %d\t%s\t%.2f\t%s\n", r.ID, r.Name, r.Price, r.Effect)
		}

	case "/exit":
		infoColor.Fprintln(out, "Goodbye!")
		return true

	default:
		errColor.Fprintf(out, "Unknown command: %s\n", cmd)
	}
	return false
}
