// Package gateway is the external surface of the runtime: the HTTP API, the
// chat and notification WebSocket endpoints, and the transport subscriber
// that streams dispatched events to clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/actions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/artifacts"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/events"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/identity"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/platform"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/plugins"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/sessions"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Server hosts the HTTP and WebSocket surface.
type Server struct {
	cfg          *config.Config
	identity     *identity.Service
	entitlements *entitlements.Store
	evaluator    *entitlements.Evaluator
	plugins      *plugins.Registry
	dispatcher   *plugins.Dispatcher
	orchestrator *orchestrator.Orchestrator
	workflows    *workflow.Loader
	store        sessions.Store
	artifacts    *artifacts.Service
	actions      *actions.Executor
	eventsOut    *events.Dispatcher
	transport    *Transport
	platform     *platform.Client
	audit        *audit.Logger
	logger       *slog.Logger

	http  *http.Server
	ready func() bool

	notifyMu    sync.Mutex
	notifyConns map[*websocket.Conn]string // notification socket -> user_id
}

// Options collects the server dependencies.
type Options struct {
	Config       *config.Config
	Identity     *identity.Service
	Entitlements *entitlements.Store
	Evaluator    *entitlements.Evaluator
	Plugins      *plugins.Registry
	PluginDisp   *plugins.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Workflows    *workflow.Loader
	Store        sessions.Store
	Artifacts    *artifacts.Service
	Actions      *actions.Executor
	Events       *events.Dispatcher
	Transport    *Transport
	Platform     *platform.Client
	Audit        *audit.Logger
	Logger       *slog.Logger
	Ready        func() bool
}

// NewServer builds the server and its route table.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	s := &Server{
		cfg:          opts.Config,
		identity:     opts.Identity,
		entitlements: opts.Entitlements,
		evaluator:    opts.Evaluator,
		plugins:      opts.Plugins,
		dispatcher:   opts.PluginDisp,
		orchestrator: opts.Orchestrator,
		workflows:    opts.Workflows,
		store:        opts.Store,
		artifacts:    opts.Artifacts,
		actions:      opts.Actions,
		eventsOut:    opts.Events,
		transport:    opts.Transport,
		platform:     opts.Platform,
		audit:        opts.Audit,
		logger:       logger,
		ready:        ready,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Manifest changes flow through the event dispatcher like every other
	// platform push; the notifications subscriber fans them out to the open
	// notification sockets.
	if s.entitlements != nil && s.eventsOut != nil {
		s.entitlements.OnChange(func(appID string, _ *models.Manifest) {
			s.eventsOut.Dispatch(context.Background(), appID, "",
				events.TypeSubscriptionChanged, map[string]any{"app_id": appID})
		})
		s.eventsOut.Subscribe(events.SubscriberFunc{
			ID: "notifications",
			Fn: func(_ context.Context, env *models.Envelope) error {
				if env.Type == events.TypeSubscriptionChanged {
					s.pushNotification(env)
				}
				return nil
			},
		})
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.Handler())

	// User-authenticated.
	mux.Handle("GET /api/plugins", s.authed(s.handlePluginList))
	mux.Handle("POST /api/execute/{plugin}", s.authed(s.handlePluginExecute))
	mux.Handle("GET /api/ai/capabilities", s.authed(s.handleCapabilities))
	mux.Handle("POST /api/ai/launch", s.authed(s.handleLaunch))
	mux.Handle("POST /api/chats/{app_id}/{workflow_name}/start", s.authed(s.handleChatStart))
	mux.Handle("GET /api/chats/meta/{app_id}/{workflow_name}/{chat_id}", s.authed(s.handleChatMeta))
	mux.Handle("GET /api/sessions/list/{app_id}/{user_id}", s.authed(s.handleSessionList))
	mux.Handle("GET /api/workflows/{app_id}/available", s.authed(s.handleWorkflowsAvailable))
	mux.Handle("GET /api/navigation", s.authed(s.handleNavigation))
	mux.Handle("GET /api/app-config", s.authed(s.configFileHandler("app-config")))
	mux.Handle("GET /api/theme-config", s.authed(s.configFileHandler("theme-config")))
	mux.Handle("GET /api/artifacts/{artifact_id}/cached", s.authed(s.handleArtifactCached))

	// Service-authenticated.
	mux.Handle("POST /api/internal/subscription/sync", s.service(s.handleSubscriptionSync))
	mux.Handle("POST /api/v1/entitlements/{app_id}/sync", s.service(s.handleEntitlementSync))

	// WebSocket.
	mux.HandleFunc("GET /ws/{workflow_name}/{app_id}/{chat_id}/{user_id}", s.handleChatWS)
	mux.HandleFunc("GET /ws/notifications/{user_id_hint}", s.handleNotificationsWS)

	return s.versionHeader(mux)
}

// versionHeader stamps every response with the runtime version.
func (s *Server) versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Mozaiks-Runtime-Version", s.cfg.Runtime.Version)
		next.ServeHTTP(w, r)
	})
}

// authed validates the bearer token and stores the identity in the request
// context.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request, *models.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.ExtractToken(r)
		id, err := s.identity.Validate(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, identity.ErrorCode(err), "authentication failed")
			return
		}
		next(w, r.WithContext(identity.WithIdentity(r.Context(), id)), id)
	})
}

// service additionally requires the internal_service role.
func (s *Server) service(next func(http.ResponseWriter, *http.Request, *models.Identity)) http.Handler {
	return s.authed(func(w http.ResponseWriter, r *http.Request, id *models.Identity) {
		if !id.IsService {
			s.writeError(w, http.StatusForbidden, "FORBIDDEN", "service identity required")
			return
		}
		next(w, r, id)
	})
}

// writeError emits the error shape used across the HTTP surface.
func (s *Server) writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":      detail,
		"error_code":  code,
		"status_code": status,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start begins serving; it blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
