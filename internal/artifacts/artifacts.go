// Package artifacts stores client-rendered artifact state per chat and
// applies RFC 6902 patches on update. State reads are tenant-scoped; a TTL
// pruner expires stale entries when configured.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactExpired  = errors.New("artifact state expired")
	ErrInvalidPatch     = errors.New("invalid artifact patch")
)

// Repository is the artifact state persistence contract.
type Repository interface {
	Put(ctx context.Context, state *models.ArtifactState) error
	Get(ctx context.Context, appID, chatID, artifactID string) (*models.ArtifactState, error)
	Latest(ctx context.Context, appID, chatID string) (*models.ArtifactState, error)
	Delete(ctx context.Context, appID, chatID, artifactID string) error
	Prune(ctx context.Context, now time.Time) (int, error)
}

// ApplyPatch applies RFC 6902 operations to the current state. A single
// replace with path "" swaps the whole document.
func ApplyPatch(current json.RawMessage, ops []map[string]any) (json.RawMessage, error) {
	if len(ops) == 1 {
		if p, _ := ops[0]["path"].(string); p == "" && ops[0]["op"] == "replace" {
			replaced, err := json.Marshal(ops[0]["value"])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
			}
			return replaced, nil
		}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return next, nil
}

// Service wraps a repository with TTL stamping and tenant checks.
type Service struct {
	repo   Repository
	ttl    time.Duration // zero = no expiry
	logger *slog.Logger
}

// NewService creates the artifact service. ttl of zero disables expiry.
func NewService(repo Repository, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ttl: ttl, logger: logger}
}

// Save stores a full artifact snapshot, stamping the TTL when configured.
func (s *Service) Save(ctx context.Context, state *models.ArtifactState) error {
	now := time.Now().UTC()
	state.UpdatedAt = now
	if s.ttl > 0 {
		exp := now.Add(s.ttl)
		state.ExpiresAt = &exp
	}
	return s.repo.Put(ctx, state)
}

// Patch applies RFC 6902 operations to the stored state and persists the
// result.
func (s *Service) Patch(ctx context.Context, appID, chatID, artifactID string, ops []map[string]any) (*models.ArtifactState, error) {
	state, err := s.Get(ctx, appID, chatID, artifactID)
	if err != nil {
		return nil, err
	}
	next, err := ApplyPatch(state.State, ops)
	if err != nil {
		return nil, err
	}
	state.State = next
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the artifact state, treating expired entries as absent.
func (s *Service) Get(ctx context.Context, appID, chatID, artifactID string) (*models.ArtifactState, error) {
	state, err := s.repo.Get(ctx, appID, chatID, artifactID)
	if err != nil {
		return nil, err
	}
	if state.Expired(time.Now()) {
		return nil, ErrArtifactExpired
	}
	return state, nil
}

// Latest returns the most recently updated non-expired artifact for a chat,
// used to replay render state on reconnect.
func (s *Service) Latest(ctx context.Context, appID, chatID string) (*models.ArtifactState, error) {
	state, err := s.repo.Latest(ctx, appID, chatID)
	if err != nil {
		return nil, err
	}
	if state.Expired(time.Now()) {
		return nil, ErrArtifactExpired
	}
	return state, nil
}

// StartPruner launches the periodic TTL sweep. No-op when TTL is disabled.
func (s *Service) StartPruner(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.Prune(ctx, time.Now())
				if err != nil {
					s.logger.Warn("artifact prune failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("artifact states pruned", "count", n)
				}
			}
		}
	}()
}

// MemoryRepository keeps artifact state in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*models.ArtifactState
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: map[string]*models.ArtifactState{}}
}

func artifactKey(appID, chatID, artifactID string) string {
	return appID + ":" + chatID + ":" + artifactID
}

func (r *MemoryRepository) Put(_ context.Context, state *models.ArtifactState) error {
	c := *state
	r.mu.Lock()
	r.states[artifactKey(state.AppID, state.ChatID, state.ArtifactID)] = &c
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, appID, chatID, artifactID string) (*models.ArtifactState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[artifactKey(appID, chatID, artifactID)]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	c := *state
	return &c, nil
}

func (r *MemoryRepository) Latest(_ context.Context, appID, chatID string) (*models.ArtifactState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.ArtifactState
	for _, state := range r.states {
		if state.AppID != appID || state.ChatID != chatID {
			continue
		}
		if latest == nil || state.UpdatedAt.After(latest.UpdatedAt) {
			latest = state
		}
	}
	if latest == nil {
		return nil, ErrArtifactNotFound
	}
	c := *latest
	return &c, nil
}

func (r *MemoryRepository) Delete(_ context.Context, appID, chatID, artifactID string) error {
	r.mu.Lock()
	delete(r.states, artifactKey(appID, chatID, artifactID))
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Prune(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for k, state := range r.states {
		if state.Expired(now) {
			delete(r.states, k)
			n++
		}
	}
	return n, nil
}
