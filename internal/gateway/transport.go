package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/metrics"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

const (
	// outboundSoftCap triggers coalescing of consecutive chat.print
	// envelopes; outboundHardCap closes the connection.
	outboundSoftCap = 128
	outboundHardCap = 512

	wsWriteWait = 10 * time.Second
)

// Transport is the dispatcher subscriber that streams envelopes to connected
// WebSocket clients, buffering events for chats whose socket is not yet
// attached.
type Transport struct {
	prebufferSize int
	audit         *audit.Logger
	logger        *slog.Logger

	mu      sync.RWMutex
	conns   map[string]*chatConn          // chat_id -> live connection
	buffers map[string][]*models.Envelope // chat_id -> pre-subscription ring
}

// NewTransport creates the transport subscriber.
func NewTransport(prebufferSize int, auditLogger *audit.Logger, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if prebufferSize <= 0 {
		prebufferSize = 200
	}
	return &Transport{
		prebufferSize: prebufferSize,
		audit:         auditLogger,
		logger:        logger,
		conns:         map[string]*chatConn{},
		buffers:       map[string][]*models.Envelope{},
	}
}

func (t *Transport) Name() string { return "transport" }

// OnEvent routes one envelope to the chat's connection, or into its
// pre-subscription ring with drop-oldest on overflow. App-scoped envelopes
// with no chat id belong to other subscribers and are skipped.
func (t *Transport) OnEvent(_ context.Context, env *models.Envelope) error {
	if env.ChatID == "" {
		return nil
	}
	t.mu.RLock()
	conn := t.conns[env.ChatID]
	t.mu.RUnlock()

	if conn != nil {
		conn.enqueue(env)
		return nil
	}

	t.mu.Lock()
	buf := append(t.buffers[env.ChatID], env)
	if len(buf) > t.prebufferSize {
		dropped := len(buf) - t.prebufferSize
		buf = buf[dropped:]
		t.audit.Log(audit.Event{
			Type:   audit.EventBufferDropped,
			Level:  "warn",
			AppID:  env.AppID,
			ChatID: env.ChatID,
			Detail: "pre-subscription buffer overflow",
		})
	}
	t.buffers[env.ChatID] = buf
	t.mu.Unlock()
	return nil
}

// attach registers a connection as the single writer for a chat and returns
// the buffered envelopes to flush. A previous connection for the chat is
// displaced.
func (t *Transport) attach(chatID string, conn *chatConn) []*models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev := t.conns[chatID]; prev != nil {
		prev.closeWith(websocket.CloseNormalClosure, "superseded")
	}
	t.conns[chatID] = conn
	buffered := t.buffers[chatID]
	delete(t.buffers, chatID)
	metrics.WSConnections.Inc()
	return buffered
}

func (t *Transport) detach(chatID string, conn *chatConn) {
	t.mu.Lock()
	if t.conns[chatID] == conn {
		delete(t.conns, chatID)
	}
	t.mu.Unlock()
	metrics.WSConnections.Dec()
}

// chatConn is one WebSocket connection with its ordered outbound queue.
type chatConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	queue  []*models.Envelope
	signal chan struct{}
	closed bool
}

func newChatConn(ws *websocket.Conn, logger *slog.Logger) *chatConn {
	return &chatConn{ws: ws, logger: logger, signal: make(chan struct{}, 1)}
}

// enqueue appends an envelope to the outbound queue. Above the soft cap,
// consecutive chat.print envelopes are merged; at the hard cap the
// connection is closed with a policy violation and the run continues.
func (c *chatConn) enqueue(env *models.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= outboundSoftCap {
		if last := c.lastLocked(); last != nil &&
			last.Type == "chat.print" && env.Type == "chat.print" {
			prev, _ := last.Data["content"].(string)
			next, _ := env.Data["content"].(string)
			last.Data["content"] = prev + next
			c.mu.Unlock()
			return
		}
	}
	if len(c.queue) >= outboundHardCap {
		c.mu.Unlock()
		c.closeWith(websocket.ClosePolicyViolation, "outbound queue overflow")
		return
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *chatConn) lastLocked() *models.Envelope {
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[len(c.queue)-1]
}

// writeLoop drains the queue in FIFO order until the context ends or the
// connection closes.
func (c *chatConn) writeLoop(ctx context.Context, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.signal:
			for {
				c.mu.Lock()
				if c.closed || len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				env := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				raw, err := json.Marshal(env)
				if err != nil {
					c.logger.Error("envelope marshal failed", "type", env.Type, "error", err)
					continue
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
		}
	}
}

func (c *chatConn) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	_ = c.ws.Close()
}
