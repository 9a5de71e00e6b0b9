package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/actions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/identity"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Application close codes for the chat socket.
const (
	closeAuthRequired   = 4001
	closeTenantMismatch = 4003
	closePrerequisite   = 4009
)

const wsMaxMessageSize = 1 << 20 // 1 MiB inbound frames

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// inboundMessage is the envelope clients send on the chat socket.
type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// ui.tool.response correlation. Outbound chat.tool_call carries the id
	// as corr; clients echo it back as corr or event_id.
	Corr         string         `json:"corr,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`

	// artifact.action fields
	ActionID   string         `json:"action_id,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func (m *inboundMessage) correlationID() string {
	if m.Corr != "" {
		return m.Corr
	}
	return m.EventID
}

// handleChatWS attaches a client to a chat: authenticate, upgrade, flush any
// pre-subscription buffer, replay state on reconnect, then pump inbound
// messages into the run.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	workflowName := r.PathValue("workflow_name")
	appID := r.PathValue("app_id")
	chatID := r.PathValue("chat_id")
	userID := r.PathValue("user_id")

	token := identity.ExtractToken(r)
	var header http.Header
	if sub := identity.WSSubprotocol(r); sub != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{sub}}
	}
	ws, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "chat_id", chatID, "error", err)
		return
	}

	// Auth failures close with an application code so the client can
	// distinguish re-auth from retry.
	id, err := s.wsIdentity(r.Context(), token, appID, chatID)
	if err != nil {
		s.closeWS(ws, closeAuthRequired, "authentication required")
		return
	}
	if id.AppID != appID || (id.UserID != userID && !id.IsService && !id.IsSuperadmin) {
		s.audit.TenantIsolation(id.AppID, appID, id.UserID, "ws:"+chatID)
		s.closeWS(ws, closeTenantMismatch, "tenant or user mismatch")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.orchestrator.Attach(ctx, chatID); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			s.closeWS(ws, closePrerequisite, "unknown chat")
		case errors.Is(err, sessions.ErrTerminalStatus):
			s.closeWS(ws, closePrerequisite, "session already finished")
		default:
			s.closeWS(ws, closePrerequisite, "session not attachable")
		}
		return
	}

	conn := newChatConn(ws, s.logger)
	defer s.transport.detach(chatID, conn)

	heartbeat := s.cfg.Transport.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 2 * time.Minute
	}
	go conn.writeLoop(ctx, heartbeat)
	s.attachAndReplay(ctx, appID, chatID, conn)

	s.logger.Info("chat socket attached", "chat_id", chatID, "app_id", appID,
		"workflow", workflowName, "user_id", userID)

	s.readLoop(ctx, conn, id, appID, chatID, workflowName, heartbeat)
	s.audit.Log(audit.Event{
		Type:   audit.EventConnectionClosed,
		Level:  audit.LevelInfo,
		AppID:  appID,
		UserID: id.UserID,
		ChatID: chatID,
	})
}

// wsIdentity validates either a user token or a runtime-minted execution
// token scoped to this chat.
func (s *Server) wsIdentity(ctx context.Context, token, appID, chatID string) (*models.Identity, error) {
	if token == "" {
		return nil, identity.ErrMissingToken
	}
	id, err := s.identity.Validate(ctx, token)
	if err == nil {
		return id, nil
	}
	claims, execErr := s.identity.ValidateExecutionToken(token)
	if execErr != nil {
		return nil, err
	}
	if claims.AppID != appID || claims.ChatID != chatID {
		return nil, identity.ErrInvalidSignature
	}
	return &models.Identity{
		UserID: claims.Subject,
		AppID:  claims.AppID,
	}, nil
}

// attachAndReplay registers the connection as the chat's writer, replays
// persisted state so the client sees snapshots first, then flushes whatever
// buffered while no socket was attached.
func (s *Server) attachAndReplay(ctx context.Context, appID, chatID string, conn *chatConn) {
	buffered := s.transport.attach(chatID, conn)
	s.replayState(ctx, appID, chatID)
	for _, env := range buffered {
		conn.enqueue(env)
	}
}

// replayState re-emits the message history and the latest artifact state for
// a reconnecting client.
func (s *Server) replayState(ctx context.Context, appID, chatID string) {
	msgs, err := s.store.Messages(ctx, chatID, 0)
	if err != nil {
		s.logger.Warn("message replay load failed", "chat_id", chatID, "error", err)
	} else if len(msgs) > 0 {
		s.eventsOut.DispatchMessagesSnapshot(ctx, appID, chatID, msgs, "auto")
	}

	state, err := s.artifacts.Latest(ctx, appID, chatID)
	if err != nil {
		return
	}
	var snapshot map[string]any
	if err := json.Unmarshal(state.State, &snapshot); err != nil {
		return
	}
	s.eventsOut.DispatchStateSnapshot(ctx, appID, chatID, state.ArtifactID, state.WorkflowName, snapshot)
}

// readLoop pumps inbound frames until the socket closes.
func (s *Server) readLoop(ctx context.Context, conn *chatConn, id *models.Identity,
	appID, chatID, workflowName string, heartbeat time.Duration) {
	ws := conn.ws
	ws.SetReadLimit(wsMaxMessageSize)
	readWait := 2*heartbeat + wsWriteWait
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("chat socket read failed", "chat_id", chatID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed inbound frame", "chat_id", chatID, "error", err)
			continue
		}
		s.handleInbound(ctx, conn, &msg, id, appID, chatID, workflowName)
	}
}

func (s *Server) handleInbound(ctx context.Context, conn *chatConn, msg *inboundMessage,
	id *models.Identity, appID, chatID, workflowName string) {
	switch msg.Type {
	case "user.input.submit":
		if err := s.orchestrator.SubmitUserInput(chatID, msg.Text); err != nil {
			s.logger.Warn("user input rejected", "chat_id", chatID, "error", err)
		}

	case "ui.tool.response":
		corr := msg.correlationID()
		if !s.orchestrator.ResolveUITool(chatID, corr, msg.ResponseData) {
			s.audit.Log(audit.Event{
				Type:       audit.EventCorrelationMiss,
				Level:      audit.LevelWarn,
				AppID:      appID,
				UserID:     id.UserID,
				ChatID:     chatID,
				Capability: corr,
				Detail:     "no pending ui tool for correlation id",
			})
		}

	case "artifact.action":
		req := &actions.Request{
			ActionID:     msg.ActionID,
			ArtifactID:   msg.ArtifactID,
			Tool:         msg.Tool,
			Params:       msg.Params,
			Context:      msg.Context,
			AppID:        appID,
			UserID:       id.UserID,
			ChatID:       chatID,
			WorkflowName: workflowName,
		}
		// Actions run off the read loop so a slow tool cannot stall inbound
		// frames.
		go func() {
			if err := s.actions.Execute(ctx, req); err != nil {
				s.logger.Warn("artifact action failed", "chat_id", chatID, "tool", msg.Tool, "error", err)
			}
		}()

	case "user.cancel":
		if err := s.orchestrator.Cancel(chatID); err != nil &&
			!errors.Is(err, orchestrator.ErrRunNotFound) {
			s.logger.Warn("cancel failed", "chat_id", chatID, "error", err)
		}

	case "ping":
		// Liveness reply on this connection only; it must not consume a
		// chat sequence number.
		env := &models.Envelope{Type: "pong", AppID: appID, ChatID: chatID, Data: map[string]any{}}
		env.Stamp(time.Now())
		conn.enqueue(env)

	default:
		s.logger.Debug("unknown inbound frame type", "chat_id", chatID, "type", msg.Type)
	}
}

func (s *Server) closeWS(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

// handleNotificationsWS holds a per-user socket open for subscription change
// pushes. Changed manifests surface as subscription:changed envelopes on the
// event dispatcher, which the server fans out to every open notification
// socket; until one arrives the socket just answers pings.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	token := identity.ExtractToken(r)
	var header http.Header
	if sub := identity.WSSubprotocol(r); sub != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{sub}}
	}
	ws, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	id, err := s.identity.Validate(r.Context(), token)
	if err != nil {
		s.closeWS(ws, closeAuthRequired, "authentication required")
		return
	}
	defer func() { _ = ws.Close() }()

	unsubscribe := s.registerNotificationConn(ws, id.UserID)
	defer unsubscribe()

	ws.SetReadLimit(wsMaxMessageSize)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// registerNotificationConn adds a notification socket to the fan-out set and
// returns its remover.
func (s *Server) registerNotificationConn(ws *websocket.Conn, userID string) func() {
	s.notifyMu.Lock()
	if s.notifyConns == nil {
		s.notifyConns = map[*websocket.Conn]string{}
	}
	s.notifyConns[ws] = userID
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.notifyConns, ws)
		s.notifyMu.Unlock()
	}
}

// pushNotification writes a dispatched app-scoped envelope to every open
// notification socket.
func (s *Server) pushNotification(env *models.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for conn := range s.notifyConns {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}
