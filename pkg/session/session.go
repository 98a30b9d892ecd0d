package session

import (
	"context"
	"sync"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// HistoryStore persists session messages outside the process
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]*model.Message, error)
	Append(ctx context.Context, sessionID string, messages ...*model.Message) error
}

// Manager maps session ids to conversation histories. Sessions are never removed.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*model.History
	store    HistoryStore
}

type Option func(*Manager)

// WithHistoryStore mirrors recorded messages to store and seeds new sessions from it
func WithHistoryStore(store HistoryStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{sessions: make(map[string]*model.History)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the history of a known session, or creates and stores an empty one.
// The same *model.History is returned for every call with the same id.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) *model.History {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.sessions[sessionID]; ok {
		return h
	}

	h := model.NewHistory()
	if m.store != nil {
		messages, err := m.store.Load(ctx, sessionID)
		if err != nil {
			logging.From(ctx).Warn("failed to load session history, starting empty", "session_id", sessionID, logging.ErrAttr(err))
		} else {
			h.Append(messages...)
		}
	}

	m.sessions[sessionID] = h
	return h
}

// Get returns the history of a known session
func (m *Manager) Get(sessionID string) (*model.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sessions[sessionID]
	if !ok {
		return nil, goerr.New("session not found", goerr.V("session_id", sessionID), goerr.T(model.ErrTagNotFound))
	}
	return h, nil
}

// Record appends messages to the session history and mirrors them to the history store.
// A store failure is logged; the in-memory history is still updated.
func (m *Manager) Record(ctx context.Context, sessionID string, messages ...*model.Message) {
	h := m.GetOrCreate(ctx, sessionID)
	h.Append(messages...)

	if m.store == nil {
		return
	}
	if err := m.store.Append(ctx, sessionID, messages...); err != nil {
		logging.From(ctx).Warn("failed to mirror session history", "session_id", sessionID, logging.ErrAttr(err))
	}
}
