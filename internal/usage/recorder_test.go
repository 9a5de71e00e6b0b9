package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]models.UsageEvent
	fail    int
}

func (s *fakeSink) PostUsageEvents(_ context.Context, events []models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("platform unavailable")
	}
	batch := make([]models.UsageEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func testEvent(chatID string) models.UsageEvent {
	return models.UsageEvent{
		AppID:     "app-1",
		UserID:    "user-1",
		EventType: "tokens.consumed",
		Data:      map[string]any{"chat_id": chatID, "total_tokens": 100},
	}
}

func TestRecorder_RecordStampsEvent(t *testing.T) {
	r := NewRecorder(DefaultRecorderConfig(), nil, nil, nil)
	r.Record(testEvent("chat-1"))

	r.mu.Lock()
	ev := r.buffer[0]
	r.mu.Unlock()
	if ev.EventID == "" {
		t.Error("Record() did not assign an event id")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Record() did not stamp the event")
	}
}

func TestRecorder_FlushForwardsBatch(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(RecorderConfig{BufferSize: 10, BatchSize: 2, FlushInterval: time.Hour}, sink, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		r.Record(testEvent(id))
	}
	r.flush(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
	if len(sink.batches[0]) != 2 {
		t.Errorf("batch size = %d, want BatchSize cap of 2", len(sink.batches[0]))
	}
	if got := sink.batches[0][0].Data["chat_id"]; got != "a" {
		t.Errorf("first flushed event = %v, want oldest", got)
	}

	buffered, flushed, dropped := r.Stats()
	if buffered != 1 || flushed != 2 || dropped != 0 {
		t.Errorf("Stats() = %d, %d, %d, want 1, 2, 0", buffered, flushed, dropped)
	}
}

func TestRecorder_OverflowDropsOldest(t *testing.T) {
	r := NewRecorder(RecorderConfig{BufferSize: 2, BatchSize: 100, FlushInterval: time.Hour}, nil, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		r.Record(testEvent(id))
	}

	buffered, _, dropped := r.Stats()
	if buffered != 2 || dropped != 1 {
		t.Errorf("Stats() buffered=%d dropped=%d, want 2 and 1", buffered, dropped)
	}
	r.mu.Lock()
	first := r.buffer[0].Data["chat_id"]
	r.mu.Unlock()
	if first != "b" {
		t.Errorf("oldest surviving event = %v, want b", first)
	}
}

func TestRecorder_StartedFlusherDrainsOnClose(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(RecorderConfig{BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour}, sink, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		r.Record(testEvent(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 || len(sink.batches[0]) != 3 {
		t.Fatalf("batches = %d, want one batch of 3", len(sink.batches))
	}
	buffered, flushed, _ := r.Stats()
	if buffered != 0 || flushed != 3 {
		t.Errorf("Stats() buffered=%d flushed=%d, want drained on close", buffered, flushed)
	}
}

func TestRecorder_FailedFlushRequeues(t *testing.T) {
	// Enough failures to exhaust the retry attempts of a single flush.
	sink := &fakeSink{fail: 4}
	r := NewRecorder(RecorderConfig{BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour}, sink, nil, nil)

	r.Record(testEvent("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.flush(ctx)

	buffered, flushed, _ := r.Stats()
	if buffered != 1 || flushed != 0 {
		t.Errorf("Stats() buffered=%d flushed=%d, want event re-queued", buffered, flushed)
	}
}
