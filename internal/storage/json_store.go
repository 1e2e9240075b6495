package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/igm/herbstat/internal/logger"
)

const (
	sessionsDir    = "sessions"
	checkpointsDir = "checkpoints"
)

// JSONStore implements Storage using JSON files
type JSONStore struct {
	baseDir string
	mu      sync.RWMutex
	log     *slog.Logger
}

// NewJSONStore creates a new JSON-based storage
func NewJSONStore(baseDir string) (*JSONStore, error) {
	log := logger.L().With("component", "storage")

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	log.Debug("storage directory created", "path", baseDir)

	store := &JSONStore{
		baseDir: baseDir,
		log:     log,
	}

	for _, sub := range []string{sessionsDir, checkpointsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, err
		}
	}
	log.Debug("storage subdirectories ensured")

	return store, nil
}

// path maps an id to its file. Ids that could escape the directory are
// rejected.
func (s *JSONStore) path(sub, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid id %q: %w", id, ErrNotFound)
	}
	return filepath.Join(s.baseDir, sub, id+".json"), nil
}

// writeJSON writes through a temp file so a crash never leaves a torn file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveSession saves a session to storage
func (s *JSONStore) SaveSession(sess *Session) error {
	path, err := s.path(sessionsDir, sess.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.UpdatedAt = time.Now()
	if err := writeJSON(path, sess); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}

	s.log.Debug("session saved", "id", sess.ID, "message_count", len(sess.Messages))
	return nil
}

// LoadSession loads a session by ID
func (s *JSONStore) LoadSession(id string) (*Session, error) {
	path, err := s.path(sessionsDir, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	if err := readJSON(path, &sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}

	s.log.Debug("session loaded", "id", id, "message_count", len(sess.Messages))
	return &sess, nil
}

// ListSessions returns all session IDs, sorted
func (s *JSONStore) ListSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, sessionsDir))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteSession removes a session and its checkpoint
func (s *JSONStore) DeleteSession(id string) error {
	path, err := s.path(sessionsDir, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	cpPath, _ := s.path(checkpointsDir, id)
	if err := os.Remove(cpPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	s.log.Info("session deleted", "id", id)
	return nil
}

// SaveCheckpoint replaces the checkpoint of cp.SessionID
func (s *JSONStore) SaveCheckpoint(cp *Checkpoint) error {
	path, err := s.path(checkpointsDir, cp.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp.UpdatedAt = time.Now()
	if err := writeJSON(path, cp); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	s.log.Debug("checkpoint saved", "session", cp.SessionID, "turn", cp.TurnID, "state", cp.State)
	return nil
}

// LoadCheckpoint loads the checkpoint of a session
func (s *JSONStore) LoadCheckpoint(sessionID string) (*Checkpoint, error) {
	path, err := s.path(checkpointsDir, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp Checkpoint
	if err := readJSON(path, &cp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a session's checkpoint. Missing checkpoints are
// not an error.
func (s *JSONStore) DeleteCheckpoint(sessionID string) error {
	path, err := s.path(checkpointsDir, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
