package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/metrics"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Subscriber receives every dispatched envelope for a chat. Delivery is
// synchronous and in registration order, so persistence subscribers observe
// an event before the transport does.
type Subscriber interface {
	Name() string
	OnEvent(ctx context.Context, env *models.Envelope) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, env *models.Envelope) error
}

func (s SubscriberFunc) Name() string { return s.ID }

func (s SubscriberFunc) OnEvent(ctx context.Context, env *models.Envelope) error {
	return s.Fn(ctx, env)
}

// chatState holds the per-chat sequence counter and the AG-UI text stream
// framing state. Guarded by its own mutex so chats dispatch independently.
type chatState struct {
	mu            sync.Mutex
	seq           int64
	openMessageID string
}

// Dispatcher assigns dense per-chat sequence numbers and fans envelopes out
// to its subscribers, mirroring an agui.* envelope for each mapped event when
// dual emission is enabled.
type Dispatcher struct {
	aguiEnabled bool
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	chats map[string]*chatState
	subs  []Subscriber
}

// NewDispatcher creates a dispatcher. Subscribers are attached afterwards
// with Subscribe, before the first Dispatch.
func NewDispatcher(aguiEnabled bool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		aguiEnabled: aguiEnabled,
		logger:      logger,
		now:         time.Now,
		chats:       map[string]*chatState{},
	}
}

// Subscribe appends a subscriber. Order matters: earlier subscribers observe
// each envelope first.
func (d *Dispatcher) Subscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
}

func (d *Dispatcher) chat(chatID string) *chatState {
	d.mu.RLock()
	cs := d.chats[chatID]
	d.mu.RUnlock()
	if cs != nil {
		return cs
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs = d.chats[chatID]; cs == nil {
		cs = &chatState{}
		d.chats[chatID] = cs
	}
	return cs
}

// SeedSequence sets the sequence floor for a chat, used when resuming a
// session whose last persisted sequence number is known.
func (d *Dispatcher) SeedSequence(chatID string, last int64) {
	cs := d.chat(chatID)
	cs.mu.Lock()
	if last > cs.seq {
		cs.seq = last
	}
	cs.mu.Unlock()
}

// Release drops the per-chat state once a session reaches a terminal status.
func (d *Dispatcher) Release(chatID string) {
	d.mu.Lock()
	delete(d.chats, chatID)
	d.mu.Unlock()
}

// Dispatch stamps, sequences, and fans out one event, then emits any mapped
// agui.* envelopes in the same per-chat critical section so subscribers see
// primary and secondary events adjacent and ordered.
func (d *Dispatcher) Dispatch(ctx context.Context, appID, chatID, eventType string, data map[string]any) *models.Envelope {
	cs := d.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	env := d.emit(ctx, cs, appID, chatID, eventType, data)
	if d.aguiEnabled {
		for _, sec := range d.mirror(cs, appID, chatID, eventType, data) {
			d.emit(ctx, cs, appID, chatID, sec.eventType, sec.data)
		}
	}
	return env
}

func (d *Dispatcher) emit(ctx context.Context, cs *chatState, appID, chatID, eventType string, data map[string]any) *models.Envelope {
	cs.seq++
	env := &models.Envelope{
		Type:       eventType,
		Data:       data,
		ChatID:     chatID,
		AppID:      appID,
		SequenceNo: cs.seq,
	}
	env.Stamp(d.now())

	metrics.EventsDispatched.WithLabelValues(namespace(eventType)).Inc()

	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.OnEvent(ctx, env); err != nil {
			d.logger.Error("event subscriber failed",
				"subscriber", sub.Name(), "type", eventType, "chat_id", chatID, "error", err)
		}
	}
	return env
}

type secondary struct {
	eventType string
	data      map[string]any
}

// mirror maps one legacy event to its agui.* counterparts, maintaining the
// per-chat open text stream. Caller holds cs.mu.
func (d *Dispatcher) mirror(cs *chatState, appID, chatID, eventType string, data map[string]any) []secondary {
	base := func(extra map[string]any) map[string]any {
		out := map[string]any{
			"runId":    chatID,
			"threadId": appID + ":" + chatID,
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	switch eventType {
	case TypeRunStarted:
		return []secondary{{AGUIRunStarted, base(nil)}}
	case TypeRunCompleted:
		return []secondary{{AGUIRunFinished, base(nil)}}
	case TypeRunFailed:
		return []secondary{{AGUIRunError, base(map[string]any{
			"message": data["error"], "code": data["code"],
		})}}
	case TypeAgentStarted:
		return []secondary{{AGUIStepStarted, base(map[string]any{"stepName": data["agent"]})}}
	case TypeAgentCompleted:
		return []secondary{{AGUIStepFinished, base(map[string]any{"stepName": data["agent"]})}}

	case TypeChatPrint:
		var out []secondary
		if cs.openMessageID == "" {
			cs.openMessageID = uuid.NewString()
			out = append(out, secondary{AGUITextMessageStart, base(map[string]any{
				"messageId": cs.openMessageID, "role": "assistant",
			})})
		}
		out = append(out, secondary{AGUITextMessageContent, base(map[string]any{
			"messageId": cs.openMessageID, "delta": data["content"],
		})})
		return out

	case TypeChatText:
		// A chat.text with no open stream synthesizes the full triple.
		var out []secondary
		if cs.openMessageID == "" {
			id := uuid.NewString()
			out = append(out,
				secondary{AGUITextMessageStart, base(map[string]any{"messageId": id, "role": "assistant"})},
				secondary{AGUITextMessageContent, base(map[string]any{"messageId": id, "delta": data["content"]})},
				secondary{AGUITextMessageEnd, base(map[string]any{"messageId": id})},
			)
			return out
		}
		out = append(out, secondary{AGUITextMessageEnd, base(map[string]any{"messageId": cs.openMessageID})})
		cs.openMessageID = ""
		return out

	case TypeChatToolCall:
		return []secondary{{AGUIToolCallStart, base(map[string]any{
			"toolCallId": data["call_id"], "toolCallName": data["name"],
		})}}
	case TypeChatToolResponse:
		return []secondary{
			{AGUIToolCallEnd, base(map[string]any{"toolCallId": data["call_id"]})},
			{AGUIToolCallResult, base(map[string]any{
				"toolCallId": data["call_id"], "content": data["result"], "status": data["status"],
			})},
		}
	}
	return nil
}

// DispatchStateSnapshot emits an agui.state.StateSnapshot, bypassing the
// legacy namespace. Used on initial artifact render.
func (d *Dispatcher) DispatchStateSnapshot(ctx context.Context, appID, chatID, artifactID, workflowName string, state map[string]any) {
	if !d.aguiEnabled {
		return
	}
	cs := d.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	d.emit(ctx, cs, appID, chatID, AGUIStateSnapshot, map[string]any{
		"runId":         chatID,
		"threadId":      appID + ":" + chatID,
		"artifact_id":   artifactID,
		"state":         state,
		"workflow_name": workflowName,
	})
}

// DispatchStateDelta emits an agui.state.StateDelta carrying RFC 6902 patch
// operations for an artifact update.
func (d *Dispatcher) DispatchStateDelta(ctx context.Context, appID, chatID, artifactID string, patch []map[string]any) {
	if !d.aguiEnabled {
		return
	}
	cs := d.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	d.emit(ctx, cs, appID, chatID, AGUIStateDelta, map[string]any{
		"runId":       chatID,
		"threadId":    appID + ":" + chatID,
		"artifact_id": artifactID,
		"patch":       patch,
	})
}

// DispatchMessagesSnapshot emits the reconnect/resume replay header.
func (d *Dispatcher) DispatchMessagesSnapshot(ctx context.Context, appID, chatID string, messages []models.Message, mode string) {
	if !d.aguiEnabled {
		return
	}
	cs := d.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	d.emit(ctx, cs, appID, chatID, AGUIMessagesSnapshot, map[string]any{
		"runId":          chatID,
		"threadId":       appID + ":" + chatID,
		"messages":       messages,
		"mode":           mode,
		"total_messages": len(messages),
	})
}

func namespace(eventType string) string {
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			return eventType[:i]
		}
	}
	return eventType
}
