// Package sessions persists chat sessions, their message logs, and the
// per-period usage counters. Two backends: an in-memory store for tests and
// single-process deployments, and a MongoDB store for durability.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTerminalStatus  = errors.New("session status is terminal")
)

// Store is the session persistence contract. Implementations also satisfy
// the usage counter store so token accounting shares the backend.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, chatID string) (*models.Session, error)

	// FindReusable returns the most recent non-terminal session whose
	// (app_id, user_id, workflow_name, client_request_id) key matches
	// exactly and that was created inside the idempotency window. Returns
	// ErrSessionNotFound when nothing matches.
	FindReusable(ctx context.Context, appID, userID, workflowName, clientRequestID string, window time.Duration) (*models.Session, error)

	UpdateStatus(ctx context.Context, chatID string, status models.SessionStatus) error
	ListSessions(ctx context.Context, appID, userID string, limit int) ([]*models.Session, error)

	// HasCompleted reports whether the user has at least one completed
	// session of the workflow. Used for prerequisite gating.
	HasCompleted(ctx context.Context, appID, userID, workflowName string) (bool, error)

	AppendMessage(ctx context.Context, m *models.Message) error
	Messages(ctx context.Context, chatID string, afterSeq int64) ([]models.Message, error)
	SetLastSequence(ctx context.Context, chatID string, seq int64) error
	AddTokens(ctx context.Context, chatID string, tokens int64) error

	LoadCounter(ctx context.Context, appID, userID, period string) (int64, error)
	SaveCounter(ctx context.Context, appID, userID, period string, used int64) error

	Close(ctx context.Context) error
}
