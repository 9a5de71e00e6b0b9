package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func newSession(chatID, clientRequestID string, status models.SessionStatus, age time.Duration) *models.Session {
	now := time.Now().UTC().Add(-age)
	return &models.Session{
		ChatID:          chatID,
		AppID:           "app-1",
		UserID:          "user-1",
		WorkflowName:    "onboarding",
		Status:          status,
		ClientRequestID: clientRequestID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := newSession("chat-1", "", models.SessionInProgress, 0)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := store.CreateSession(ctx, sess); err == nil {
		t.Error("duplicate CreateSession() succeeded")
	}

	got, err := store.GetSession(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.WorkflowName != "onboarding" {
		t.Errorf("WorkflowName = %q, want onboarding", got.WorkflowName)
	}

	// Mutating the returned copy must not touch the stored session.
	got.Status = models.SessionFailed
	again, _ := store.GetSession(ctx, "chat-1")
	if again.Status != models.SessionInProgress {
		t.Error("GetSession() returned shared state")
	}

	if _, err := store.GetSession(ctx, "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(ghost) error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStore_FindReusable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.CreateSession(ctx, newSession("older", "", models.SessionInProgress, time.Hour))
	_ = store.CreateSession(ctx, newSession("newest", "", models.SessionInProgress, time.Minute))
	_ = store.CreateSession(ctx, newSession("done", "", models.SessionCompleted, 0))
	_ = store.CreateSession(ctx, newSession("keyed", "req-42", models.SessionInProgress, 30*time.Minute))

	// Exact client_request_id match wins even over a newer session.
	got, err := store.FindReusable(ctx, "app-1", "user-1", "onboarding", "req-42", time.Hour)
	if err != nil {
		t.Fatalf("FindReusable() error = %v", err)
	}
	if got.ChatID != "keyed" {
		t.Errorf("ChatID = %q, want keyed", got.ChatID)
	}

	// An empty request id only matches the newest session started without
	// one.
	got, err = store.FindReusable(ctx, "app-1", "user-1", "onboarding", "", time.Hour)
	if err != nil {
		t.Fatalf("FindReusable() error = %v", err)
	}
	if got.ChatID != "newest" {
		t.Errorf("ChatID = %q, want newest", got.ChatID)
	}

	// A different request id never piggybacks on another key's session.
	if _, err := store.FindReusable(ctx, "app-1", "user-1", "onboarding", "req-other", time.Hour); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("FindReusable(different key) error = %v, want ErrSessionNotFound", err)
	}

	// A keyed match outside the idempotency window is not reused.
	if _, err := store.FindReusable(ctx, "app-1", "user-1", "onboarding", "req-42", 10*time.Minute); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("FindReusable(stale key) error = %v, want ErrSessionNotFound", err)
	}

	if _, err := store.FindReusable(ctx, "app-2", "user-1", "onboarding", "", time.Hour); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("FindReusable(other app) error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStore_UpdateStatusTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateSession(ctx, newSession("chat-1", "", models.SessionInProgress, 0))

	if err := store.UpdateStatus(ctx, "chat-1", models.SessionCompleted); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := store.UpdateStatus(ctx, "chat-1", models.SessionFailed); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("UpdateStatus() on terminal session error = %v, want ErrTerminalStatus", err)
	}
}

func TestMemoryStore_HasCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateSession(ctx, newSession("running", "", models.SessionInProgress, 0))

	done, err := store.HasCompleted(ctx, "app-1", "user-1", "onboarding")
	if err != nil {
		t.Fatalf("HasCompleted() error = %v", err)
	}
	if done {
		t.Error("HasCompleted() = true with only an in-progress session")
	}

	_ = store.CreateSession(ctx, newSession("finished", "", models.SessionCompleted, time.Hour))
	done, err = store.HasCompleted(ctx, "app-1", "user-1", "onboarding")
	if err != nil || !done {
		t.Errorf("HasCompleted() = %v, %v, want true", done, err)
	}

	// Completion by one user does not count for another.
	done, _ = store.HasCompleted(ctx, "app-1", "user-2", "onboarding")
	if done {
		t.Error("HasCompleted() = true for a different user")
	}
}

func TestMemoryStore_MessagesAfterSeq(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateSession(ctx, newSession("chat-1", "", models.SessionInProgress, 0))

	for _, seq := range []int64{3, 1, 2} {
		_ = store.AppendMessage(ctx, &models.Message{
			ChatID: "chat-1", SequenceNo: seq, Role: models.RoleAgent, Content: "m",
		})
	}

	msgs, err := store.Messages(ctx, "chat-1", 1)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].SequenceNo != 2 || msgs[1].SequenceNo != 3 {
		t.Errorf("messages not sorted ascending: %d, %d", msgs[0].SequenceNo, msgs[1].SequenceNo)
	}
}

func TestMemoryStore_SetLastSequenceMonotone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateSession(ctx, newSession("chat-1", "", models.SessionInProgress, 0))

	_ = store.SetLastSequence(ctx, "chat-1", 10)
	_ = store.SetLastSequence(ctx, "chat-1", 5)

	sess, _ := store.GetSession(ctx, "chat-1")
	if sess.LastSequenceNo != 10 {
		t.Errorf("LastSequenceNo = %d, want 10", sess.LastSequenceNo)
	}
}

func TestMemoryStore_ListSessionsOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.CreateSession(ctx, newSession("a", "", models.SessionInProgress, 3*time.Hour))
	_ = store.CreateSession(ctx, newSession("b", "", models.SessionInProgress, time.Hour))
	_ = store.CreateSession(ctx, newSession("c", "", models.SessionInProgress, 2*time.Hour))

	list, err := store.ListSessions(ctx, "app-1", "user-1", 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("session count = %d, want 2", len(list))
	}
	if list[0].ChatID != "b" || list[1].ChatID != "c" {
		t.Errorf("order = %s, %s, want b, c", list[0].ChatID, list[1].ChatID)
	}
}

func TestMemoryStore_Counters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.SaveCounter(ctx, "app-1", "user-1", "2026-08", 1500); err != nil {
		t.Fatalf("SaveCounter() error = %v", err)
	}
	used, err := store.LoadCounter(ctx, "app-1", "user-1", "2026-08")
	if err != nil || used != 1500 {
		t.Errorf("LoadCounter() = %d, %v, want 1500", used, err)
	}
	used, _ = store.LoadCounter(ctx, "app-1", "user-1", "2026-09")
	if used != 0 {
		t.Errorf("LoadCounter(new period) = %d, want 0", used)
	}
}
