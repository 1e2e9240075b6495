// Package session manages conversation sessions: append-only turn history,
// a configuration fixed at creation, and a per-session turn lock.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/logger"
	"github.com/igm/herbstat/internal/storage"
)

var (
	// ErrBusy is returned by Lock while another turn of the session is running.
	ErrBusy = errors.New("session is busy")

	// ErrInvalidTurn is returned by Append for roles other than user and assistant.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Manager creates, loads and updates sessions. Loaded sessions are kept in
// an expiring in-memory cache in front of the storage backend.
type Manager struct {
	store storage.Storage
	cache *cache.Cache
	log   *slog.Logger

	mu    sync.Mutex // guards writes and locks
	locks map[string]*sync.Mutex
}

// NewManager creates a manager over store. Cached sessions expire after ttl.
func NewManager(store storage.Storage, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		store: store,
		cache: cache.New(ttl, 10*time.Minute),
		log:   logger.L().With("component", "session"),
		locks: make(map[string]*sync.Mutex),
	}
}

// Create starts a new session with a generated id.
func (m *Manager) Create(cfg storage.SessionConfig) (*storage.Session, error) {
	now := time.Now()
	sess := &storage.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
		Messages:  []llm.Message{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	m.cache.Set(sess.ID, sess, cache.DefaultExpiration)

	m.log.Info("session created", "id", sess.ID, "temperature", cfg.Temperature, "max_output_tokens", cfg.MaxOutputTokens)
	return clone(sess), nil
}

// Get returns a copy of the session. Missing sessions yield storage.ErrNotFound.
func (m *Manager) Get(id string) (*storage.Session, error) {
	sess, err := m.load(id)
	if err != nil {
		return nil, err
	}
	return clone(sess), nil
}

func (m *Manager) load(id string) (*storage.Session, error) {
	if x, found := m.cache.Get(id); found {
		return x.(*storage.Session), nil
	}
	sess, err := m.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	m.cache.Set(id, sess, cache.DefaultExpiration)
	return sess, nil
}

// List returns the ids of all stored sessions.
func (m *Manager) List() ([]string, error) {
	return m.store.ListSessions()
}

// Delete removes a session, its checkpoint and its cache entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Delete(id)
	delete(m.locks, id)
	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	m.log.Info("session deleted", "id", id)
	return nil
}

// Append adds turns to the end of the history and persists the session.
// Only user and assistant turns are accepted; the configuration is never
// touched.
func (m *Manager) Append(id string, turns ...llm.Message) (*storage.Session, error) {
	for _, t := range turns {
		if t.Role != llm.RoleUser && t.Role != llm.RoleAssistant {
			return nil, fmt.Errorf("%w: role %q", ErrInvalidTurn, t.Role)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.load(id)
	if err != nil {
		return nil, err
	}

	next := clone(sess)
	for _, t := range turns {
		next.Messages = append(next.Messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	if err := m.store.SaveSession(next); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	m.cache.Set(id, next, cache.DefaultExpiration)

	m.log.Debug("turns appended", "id", id, "count", len(turns), "history", len(next.Messages))
	return clone(next), nil
}

// Lock claims the session for one turn. It fails with ErrBusy instead of
// waiting when a turn is already in flight, and with storage.ErrNotFound for
// unknown ids. The returned func releases it.
func (m *Manager) Lock(id string) (func(), error) {
	m.mu.Lock()
	if _, err := m.load(id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	if !l.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	var once sync.Once
	return func() { once.Do(l.Unlock) }, nil
}

func clone(s *storage.Session) *storage.Session {
	c := *s
	c.Messages = make([]llm.Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}
