package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// MemoryStore keeps everything in process memory. Reads return copies so
// callers can never mutate shared state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.Message
	counters map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]models.Message{},
		counters: map[string]int64{},
	}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	return &c
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ChatID]; exists {
		return fmt.Errorf("session %s already exists", s.ChatID)
	}
	m.sessions[s.ChatID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, chatID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) FindReusable(_ context.Context, appID, userID, workflowName, clientRequestID string, window time.Duration) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var best *models.Session
	for _, s := range m.sessions {
		if s.AppID != appID || s.UserID != userID || s.WorkflowName != workflowName {
			continue
		}
		if s.Status.Terminal() || s.ClientRequestID != clientRequestID || !s.CreatedAt.After(cutoff) {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return cloneSession(best), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, chatID string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return ErrTerminalStatus
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, appID, userID string, limit int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.AppID == appID && s.UserID == userID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) HasCompleted(_ context.Context, appID, userID, workflowName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.AppID == appID && s.UserID == userID &&
			s.WorkflowName == workflowName && s.Status == models.SessionCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], *msg)
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, chatID string, afterSeq int64) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages[chatID] {
		if msg.SequenceNo > afterSeq {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (m *MemoryStore) SetLastSequence(_ context.Context, chatID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrSessionNotFound
	}
	if seq > s.LastSequenceNo {
		s.LastSequenceNo = seq
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) AddTokens(_ context.Context, chatID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return ErrSessionNotFound
	}
	s.TotalTokens += tokens
	return nil
}

func counterID(appID, userID, period string) string {
	return appID + ":" + userID + ":" + period
}

func (m *MemoryStore) LoadCounter(_ context.Context, appID, userID, period string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterID(appID, userID, period)], nil
}

func (m *MemoryStore) SaveCounter(_ context.Context, appID, userID, period string, used int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterID(appID, userID, period)] = used
	return nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }
