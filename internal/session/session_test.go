package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.JSONStore) {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, time.Minute), store
}

func TestCreateAndGet(t *testing.T) {
	m, store := newManager(t)

	cfg := storage.SessionConfig{Temperature: 1.0, MaxOutputTokens: 1000, Model: "deepseek-chat"}
	sess, err := m.Create(cfg)
	require.NoError(t, err)
	assert.Len(t, sess.ID, 36)
	assert.Equal(t, cfg, sess.Config)
	assert.Empty(t, sess.Messages)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Persisted, not only cached.
	onDisk, err := store.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg, onDisk.Config)
}

func TestGet_NotFound(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGet_LoadsFromStorage(t *testing.T) {
	m, store := newManager(t)
	require.NoError(t, store.SaveSession(&storage.Session{
		ID:       "existing",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "你好"}},
	}))

	sess, err := m.Get("existing")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "你好", sess.Messages[0].Content)
}

func TestAppend(t *testing.T) {
	m, store := newManager(t)
	sess, err := m.Create(storage.SessionConfig{Temperature: 0.5})
	require.NoError(t, err)

	_, err = m.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: "人参多少钱"})
	require.NoError(t, err)
	updated, err := m.Append(sess.ID, llm.Message{Role: llm.RoleAssistant, Content: "12.50 元/克"})
	require.NoError(t, err)

	require.Len(t, updated.Messages, 2)
	assert.Equal(t, llm.RoleUser, updated.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, updated.Messages[1].Role)
	assert.Equal(t, 0.5, updated.Config.Temperature)

	onDisk, err := store.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Len(t, onDisk.Messages, 2)
}

func TestAppend_RejectsOtherRoles(t *testing.T) {
	m, _ := newManager(t)
	sess, err := m.Create(storage.SessionConfig{})
	require.NoError(t, err)

	_, err = m.Append(sess.ID, llm.Message{Role: llm.RoleTool, Content: "{}"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestGet_ReturnsCopy(t *testing.T) {
	m, _ := newManager(t)
	sess, err := m.Create(storage.SessionConfig{Temperature: 1})
	require.NoError(t, err)
	_, err = m.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: "原文"})
	require.NoError(t, err)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "篡改"
	got.Config.Temperature = 2

	again, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "原文", again.Messages[0].Content)
	assert.Equal(t, 1.0, again.Config.Temperature)
}

func TestListAndDelete(t *testing.T) {
	m, _ := newManager(t)
	a, err := m.Create(storage.SessionConfig{})
	require.NoError(t, err)
	b, err := m.Create(storage.SessionConfig{})
	require.NoError(t, err)

	ids, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	require.NoError(t, m.Delete(a.ID))
	_, err = m.Get(a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, m.Delete(a.ID), storage.ErrNotFound)
}

func seedSessions(t *testing.T, store *storage.JSONStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.SaveSession(&storage.Session{ID: id, Messages: []llm.Message{}}))
	}
}

func TestLock_Busy(t *testing.T) {
	m, store := newManager(t)
	seedSessions(t, store, "s1", "s2")

	unlock, err := m.Lock("s1")
	require.NoError(t, err)

	_, err = m.Lock("s1")
	assert.True(t, errors.Is(err, ErrBusy))

	// Other sessions are independent.
	unlockOther, err := m.Lock("s2")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock() // idempotent

	unlock, err = m.Lock("s1")
	require.NoError(t, err)
	unlock()
}

func TestLock_UnknownSession(t *testing.T) {
	m, store := newManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.Lock("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Empty(t, m.locks, "unknown ids leave no lock behind")

	seedSessions(t, store, "s1")
	unlock, err := m.Lock("s1")
	require.NoError(t, err)
	unlock()
	require.NoError(t, m.Delete("s1"))
	assert.Empty(t, m.locks)
}

func TestLock_OneTurnAtATime(t *testing.T) {
	m, store := newManager(t)
	seedSessions(t, store, "s1")

	var acquired, busy int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			unlock, err := m.Lock("s1")
			if err != nil {
				atomic.AddInt32(&busy, 1)
				return
			}
			atomic.AddInt32(&acquired, 1)
			<-release
			unlock()
		}()
	}
	close(start)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&acquired)+atomic.LoadInt32(&busy) == 10
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), acquired)
	assert.Equal(t, int32(9), busy)
}
