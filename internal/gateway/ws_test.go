package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/artifacts"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func TestInboundMessage_UIToolCorrelation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"corr field",
			`{"type":"ui.tool.response","corr":"c-42","response_data":{"name":"Ada"}}`, "c-42"},
		{"event_id field",
			`{"type":"ui.tool.response","event_id":"c-42","response_data":{"name":"Ada"}}`, "c-42"},
		{"corr wins over event_id",
			`{"type":"ui.tool.response","corr":"c-1","event_id":"c-2"}`, "c-1"},
		{"neither",
			`{"type":"ui.tool.response"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg inboundMessage
			if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
				t.Fatal(err)
			}
			if got := msg.correlationID(); got != tc.want {
				t.Errorf("correlationID() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestServer_AttachReplaysBeforeBufferedFlush(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	disp := events.NewDispatcher(true, nil)
	tr := NewTransport(8, nil, nil)
	disp.Subscribe(tr)
	s := NewServer(Options{
		Config:    &config.Config{},
		Store:     store,
		Artifacts: artifacts.NewService(artifacts.NewMemoryRepository(), 0, nil),
		Events:    disp,
		Transport: tr,
	})

	_ = store.AppendMessage(ctx, &models.Message{
		ChatID: "chat-1", AppID: "app-1", SequenceNo: 1,
		Role: models.RoleAgent, Content: "hello",
	})
	// Produced while no socket was attached, so it lands in the ring.
	disp.Dispatch(ctx, "app-1", "chat-1", events.TypeChatHandoff,
		map[string]any{"from": "a", "to": "b"})

	conn := newChatConn(nil, slog.Default())
	s.attachAndReplay(ctx, "app-1", "chat-1", conn)
	defer tr.detach("chat-1", conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.queue) < 2 {
		t.Fatalf("queue length = %d, want snapshot then buffered event", len(conn.queue))
	}
	first := conn.queue[0]
	if first.Type != events.AGUIMessagesSnapshot {
		t.Errorf("first queued = %q, want %q", first.Type, events.AGUIMessagesSnapshot)
	}
	if mode := first.Data["mode"]; mode != "auto" {
		t.Errorf("snapshot mode = %v, want auto", mode)
	}
	last := conn.queue[len(conn.queue)-1]
	if last.Type != events.TypeChatHandoff {
		t.Errorf("last queued = %q, want buffered %q", last.Type, events.TypeChatHandoff)
	}
}

func TestServer_PingAnswersOnConnection(t *testing.T) {
	disp := events.NewDispatcher(true, nil)
	var dispatched int
	disp.Subscribe(events.SubscriberFunc{
		ID: "count",
		Fn: func(context.Context, *models.Envelope) error {
			dispatched++
			return nil
		},
	})
	s := NewServer(Options{Config: &config.Config{}, Events: disp})

	conn := newChatConn(nil, slog.Default())
	s.handleInbound(context.Background(), conn, &inboundMessage{Type: "ping"},
		&models.Identity{UserID: "user-1"}, "app-1", "chat-1", "onboarding")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.queue) != 1 || conn.queue[0].Type != "pong" {
		t.Fatalf("queue = %d envelopes, want a single pong", len(conn.queue))
	}
	if conn.queue[0].SequenceNo != 0 {
		t.Errorf("pong SequenceNo = %d, want none assigned", conn.queue[0].SequenceNo)
	}
	if conn.queue[0].Timestamp == "" {
		t.Error("pong not stamped")
	}
	if dispatched != 0 {
		t.Errorf("dispatcher saw %d events, want 0 for a liveness ping", dispatched)
	}
}
