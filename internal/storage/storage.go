package storage

import (
	"errors"
	"time"

	"github.com/igm/herbstat/internal/llm"
)

var (
	// ErrNotFound indicates the requested item was not found
	ErrNotFound = errors.New("not found")
)

// Storage defines the interface for session persistence
type Storage interface {
	// Session management
	SaveSession(sess *Session) error
	LoadSession(id string) (*Session, error)
	ListSessions() ([]string, error)
	DeleteSession(id string) error

	// Workflow checkpoints, one per session
	SaveCheckpoint(cp *Checkpoint) error
	LoadCheckpoint(sessionID string) (*Checkpoint, error)
	DeleteCheckpoint(sessionID string) error
}

// SessionConfig is fixed when a session is created
type SessionConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Model           string  `json:"model,omitempty"`
}

// Session holds a conversation's turns and its configuration
type Session struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Config    SessionConfig `json:"config"`
	Messages  []llm.Message `json:"messages"`
}

// PendingToolCall is the tool invocation chosen by the model for a turn
type PendingToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Checkpoint is the persisted workflow state of a session's latest turn
type Checkpoint struct {
	SessionID  string           `json:"session_id"`
	TurnID     string           `json:"turn_id"`
	State      string           `json:"state"`
	Input      string           `json:"input"`
	ToolCall   *PendingToolCall `json:"tool_call,omitempty"`
	ToolResult string           `json:"tool_result,omitempty"` // JSON
	Reply      string           `json:"reply,omitempty"`
	Error      string           `json:"error,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
