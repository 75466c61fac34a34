// Package memory is the in-memory storage backend: mutex-guarded maps, no
// external dependencies, used for development and tests. It is the backend
// selected by default when no storage.backend is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit/mcpcore/internal/storage"
)

// Backend implements storage.Backend entirely in process memory.
//
// Sessions, events, and tasks each live behind their own mutex; the event
// counter is a per-session atomic-by-lock integer, matching the "atomic
// integer per session" scheme called out for in-memory backends.
//
// Example usage:
//
//	b := memory.New()
//	sess, _ := b.CreateSession(ctx, serverCaps)
type Backend struct {
	mu       sync.RWMutex
	sessions map[string]storage.Session

	eventsMu  sync.RWMutex
	events    map[string][]storage.Event
	eventSeq  map[string]int64

	tasksMu sync.RWMutex
	tasks   map[string]storage.Task
	results map[string]storage.TaskOutcome
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		sessions: make(map[string]storage.Session),
		events:   make(map[string][]storage.Event),
		eventSeq: make(map[string]int64),
		tasks:    make(map[string]storage.Task),
		results:  make(map[string]storage.TaskOutcome),
	}
}

// Close releases resources. The in-memory backend holds none.
func (b *Backend) Close() error { return nil }

// --- SessionStore ---

func (b *Backend) CreateSession(ctx context.Context, caps map[string]any) (storage.Session, error) {
	return b.CreateSessionWithID(ctx, uuid.NewString(), caps)
}

func (b *Backend) CreateSessionWithID(ctx context.Context, id string, caps map[string]any) (storage.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[id]; exists {
		return storage.Session{}, storage.ErrConcurrentModification
	}

	now := time.Now()
	s := storage.Session{
		ID:                 id,
		ServerCapabilities: caps,
		State:              make(map[string]any),
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	b.sessions[id] = s
	return s, nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (storage.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.sessions[id]
	if !ok {
		return storage.Session{}, &storage.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, s storage.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[s.ID]; !ok {
		return &storage.NotFoundError{Kind: "session", ID: s.ID}
	}
	b.sessions[s.ID] = s
	return nil
}

func (b *Backend) SetSessionState(ctx context.Context, id, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return &storage.NotFoundError{Kind: "session", ID: id}
	}
	if s.State == nil {
		s.State = make(map[string]any)
	}
	s.State[key] = value
	b.sessions[id] = s
	return nil
}

func (b *Backend) GetSessionState(ctx context.Context, id, key string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.sessions[id]
	if !ok {
		return nil, &storage.NotFoundError{Kind: "session", ID: id}
	}
	v, ok := s.State[key]
	if !ok {
		return nil, &storage.NotFoundError{Kind: "session state key", ID: key}
	}
	return v, nil
}

func (b *Backend) RemoveSessionState(ctx context.Context, id, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return &storage.NotFoundError{Kind: "session", ID: id}
	}
	delete(s.State, key)
	b.sessions[id] = s
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	_, existed := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()

	b.eventsMu.Lock()
	delete(b.events, id)
	delete(b.eventSeq, id)
	b.eventsMu.Unlock()

	return existed, nil
}

func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) ExpireSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	for id, s := range b.sessions {
		if s.LastActivityAt.Before(olderThan) {
			expired = append(expired, id)
			delete(b.sessions, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (b *Backend) SessionCount(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions), nil
}
