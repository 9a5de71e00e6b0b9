package events

import (
	"context"
	"sync"
	"testing"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// capture records every envelope it observes, in order.
type capture struct {
	mu   sync.Mutex
	envs []*models.Envelope
}

func (c *capture) Name() string { return "capture" }

func (c *capture) OnEvent(_ context.Context, env *models.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Type
	}
	return out
}

func TestDispatcher_DenseSequencing(t *testing.T) {
	d := NewDispatcher(false, nil)
	sink := &capture{}
	d.Subscribe(sink)

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatPrint, map[string]any{"content": "x"})
	}

	for i, env := range sink.envs {
		want := int64(i + 1)
		if env.SequenceNo != want {
			t.Errorf("envelope %d: SequenceNo = %d, want %d", i, env.SequenceNo, want)
		}
	}
}

func TestDispatcher_IndependentChats(t *testing.T) {
	d := NewDispatcher(false, nil)

	a := d.Dispatch(context.Background(), "app-1", "chat-a", TypeChatText, map[string]any{"content": "a"})
	b := d.Dispatch(context.Background(), "app-1", "chat-b", TypeChatText, map[string]any{"content": "b"})

	if a.SequenceNo != 1 || b.SequenceNo != 1 {
		t.Errorf("per-chat counters shared: got %d and %d, want 1 and 1", a.SequenceNo, b.SequenceNo)
	}
}

func TestDispatcher_SeedSequence(t *testing.T) {
	d := NewDispatcher(false, nil)
	d.SeedSequence("chat-1", 41)

	env := d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{})
	if env.SequenceNo != 42 {
		t.Errorf("SequenceNo = %d, want 42", env.SequenceNo)
	}

	// Seeding below the current floor must not rewind.
	d.SeedSequence("chat-1", 10)
	env = d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{})
	if env.SequenceNo != 43 {
		t.Errorf("SequenceNo after low seed = %d, want 43", env.SequenceNo)
	}
}

func TestDispatcher_ReleaseResetsChat(t *testing.T) {
	d := NewDispatcher(false, nil)
	d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{})
	d.Release("chat-1")

	env := d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{})
	if env.SequenceNo != 1 {
		t.Errorf("SequenceNo after release = %d, want 1", env.SequenceNo)
	}
}

func TestDispatcher_SubscriberOrderCoversMirrors(t *testing.T) {
	d := NewDispatcher(true, nil)

	var order []string
	var lastSeq int64
	observe := func(name string) Subscriber {
		return SubscriberFunc{ID: name, Fn: func(_ context.Context, env *models.Envelope) error {
			order = append(order, name+":"+env.Type)
			if name == "persistence" && env.SequenceNo > lastSeq {
				lastSeq = env.SequenceNo
			}
			return nil
		}}
	}
	d.Subscribe(observe("persistence"))
	d.Subscribe(observe("transport"))

	env := d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{"content": "hi"})

	// Each envelope reaches persistence before transport, primary first.
	if len(order) < 2 || order[0] != "persistence:"+TypeChatText || order[1] != "transport:"+TypeChatText {
		t.Fatalf("fan-out order = %v, want persistence before transport", order)
	}
	// The persistence subscriber observes the mirror sequence numbers the
	// primary envelope alone would miss.
	if lastSeq <= env.SequenceNo {
		t.Fatalf("highest persisted seq = %d, want > primary %d", lastSeq, env.SequenceNo)
	}

	// Seeding a resumed chat from that high-water mark keeps numbering
	// dense with no duplicates.
	d.Release("chat-1")
	d.SeedSequence("chat-1", lastSeq)
	next := d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatPrint, map[string]any{"content": "x"})
	if next.SequenceNo != lastSeq+1 {
		t.Errorf("SequenceNo after reseed = %d, want %d", next.SequenceNo, lastSeq+1)
	}
}

func TestDispatcher_DualEmission_RunLifecycle(t *testing.T) {
	d := NewDispatcher(true, nil)
	sink := &capture{}
	d.Subscribe(sink)

	d.Dispatch(context.Background(), "app-1", "chat-1", TypeRunStarted, map[string]any{"run_id": "chat-1"})

	got := sink.types()
	want := []string{TypeRunStarted, AGUIRunStarted}
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	mirror := sink.envs[1]
	if mirror.Data["runId"] != "chat-1" {
		t.Errorf("runId = %v, want chat-1", mirror.Data["runId"])
	}
	if mirror.Data["threadId"] != "app-1:chat-1" {
		t.Errorf("threadId = %v, want app-1:chat-1", mirror.Data["threadId"])
	}
	if mirror.SequenceNo != 2 {
		t.Errorf("mirror SequenceNo = %d, want 2 (shared counter)", mirror.SequenceNo)
	}
}

func TestDispatcher_TextFraming_PrintThenText(t *testing.T) {
	d := NewDispatcher(true, nil)
	sink := &capture{}
	d.Subscribe(sink)

	ctx := context.Background()
	d.Dispatch(ctx, "app-1", "chat-1", TypeChatPrint, map[string]any{"content": "Hel"})
	d.Dispatch(ctx, "app-1", "chat-1", TypeChatPrint, map[string]any{"content": "lo"})
	d.Dispatch(ctx, "app-1", "chat-1", TypeChatText, map[string]any{"content": "Hello"})

	want := []string{
		TypeChatPrint, AGUITextMessageStart, AGUITextMessageContent,
		TypeChatPrint, AGUITextMessageContent,
		TypeChatText, AGUITextMessageEnd,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	// All text events in one stream share a messageId.
	start := sink.envs[1].Data["messageId"]
	if start == "" || start == nil {
		t.Fatal("messageId missing on TextMessageStart")
	}
	for _, idx := range []int{2, 4, 6} {
		if sink.envs[idx].Data["messageId"] != start {
			t.Errorf("event %d messageId = %v, want %v", idx, sink.envs[idx].Data["messageId"], start)
		}
	}
}

func TestDispatcher_TextFraming_BareTextSynthesizesTriple(t *testing.T) {
	d := NewDispatcher(true, nil)
	sink := &capture{}
	d.Subscribe(sink)

	d.Dispatch(context.Background(), "app-1", "chat-1", TypeChatText, map[string]any{"content": "done"})

	want := []string{TypeChatText, AGUITextMessageStart, AGUITextMessageContent, AGUITextMessageEnd}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
	if sink.envs[2].Data["delta"] != "done" {
		t.Errorf("delta = %v, want done", sink.envs[2].Data["delta"])
	}
}

func TestDispatcher_ToolMirror(t *testing.T) {
	d := NewDispatcher(true, nil)
	sink := &capture{}
	d.Subscribe(sink)

	ctx := context.Background()
	d.Dispatch(ctx, "app-1", "chat-1", TypeChatToolCall, map[string]any{
		"call_id": "tc-1", "name": "lookup",
	})
	d.Dispatch(ctx, "app-1", "chat-1", TypeChatToolResponse, map[string]any{
		"call_id": "tc-1", "result": map[string]any{"ok": true}, "status": "ok",
	})

	want := []string{
		TypeChatToolCall, AGUIToolCallStart,
		TypeChatToolResponse, AGUIToolCallEnd, AGUIToolCallResult,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
	if sink.envs[1].Data["toolCallId"] != "tc-1" {
		t.Errorf("toolCallId = %v, want tc-1", sink.envs[1].Data["toolCallId"])
	}
}

func TestDispatcher_DisabledAGUIEmitsPrimaryOnly(t *testing.T) {
	d := NewDispatcher(false, nil)
	sink := &capture{}
	d.Subscribe(sink)

	d.Dispatch(context.Background(), "app-1", "chat-1", TypeRunStarted, map[string]any{})
	d.DispatchStateSnapshot(context.Background(), "app-1", "chat-1", "art-1", "wf", map[string]any{})

	got := sink.types()
	if len(got) != 1 || got[0] != TypeRunStarted {
		t.Errorf("events = %v, want only %q", got, TypeRunStarted)
	}
}

func TestDispatcher_StateDelta(t *testing.T) {
	d := NewDispatcher(true, nil)
	sink := &capture{}
	d.Subscribe(sink)

	patch := []map[string]any{{"op": "replace", "path": "/title", "value": "v2"}}
	d.DispatchStateDelta(context.Background(), "app-1", "chat-1", "art-1", patch)

	if len(sink.envs) != 1 || sink.envs[0].Type != AGUIStateDelta {
		t.Fatalf("events = %v, want one %q", sink.types(), AGUIStateDelta)
	}
	if sink.envs[0].Data["artifact_id"] != "art-1" {
		t.Errorf("artifact_id = %v, want art-1", sink.envs[0].Data["artifact_id"])
	}
}
