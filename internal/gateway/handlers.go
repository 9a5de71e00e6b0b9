package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/artifacts"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/workflow"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"app_id":         s.cfg.Runtime.AppID,
		"app_tier":       s.cfg.Runtime.AppTier,
		"plugins_loaded": s.plugins.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "dependencies initializing",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "app_id": s.cfg.Runtime.AppID})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "mozaiks-core",
		"version": s.cfg.Runtime.Version,
		"app_id":  s.cfg.Runtime.AppID,
	})
}

func (s *Server) handlePluginList(w http.ResponseWriter, _ *http.Request, _ *models.Identity) {
	records := s.plugins.List()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"name":         rec.Descriptor.Name,
			"display_name": rec.Descriptor.DisplayName,
			"version":      rec.Descriptor.Version,
			"enabled":      rec.Enabled,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *Server) handlePluginExecute(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	name := r.PathValue("plugin")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	result, derr := s.dispatcher.Execute(r.Context(), name, id, body)
	if derr != nil {
		s.writeError(w, derr.Status, derr.Code, derr.Detail)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleCapabilities lists the workflow capabilities the app exposes, marked
// with the caller's entitlement.
func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request, id *models.Identity) {
	manifest := s.evaluator.Manifest(id.AppID, id.UserID)
	var caps []map[string]any
	for _, name := range s.workflows.Available() {
		capID := "cap.workflow." + name
		caps = append(caps, map[string]any{
			"id":           capID,
			"display_name": strings.ReplaceAll(name, "_", " "),
			"enabled":      true,
			"allowed":      manifest.HasCapability(capID),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": caps,
		"plan":         manifest.Plan,
	})
}

// handleLaunch starts a session for a capability and mints a short-lived
// execution token scoped to it.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	var body struct {
		CapabilityID string `json:"capability_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CapabilityID == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "capability_id is required")
		return
	}
	workflowName := strings.TrimPrefix(body.CapabilityID, "cap.workflow.")

	result, err := s.orchestrator.Start(r.Context(), orchestrator.StartRequest{
		AppID:        id.AppID,
		WorkflowName: workflowName,
		UserID:       id.UserID,
	})
	if err != nil {
		s.startError(w, err)
		return
	}

	token, ttl, err := s.identity.MintExecutionToken(id.UserID, id.AppID, result.ChatID, body.CapabilityID, workflowName)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "token minting failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":      result.ChatID,
		"launch_token": token,
		"expires_in":   int(ttl.Seconds()),
		"runtime": map[string]any{
			"websocket_url": wsURL(workflowName, id.AppID, result.ChatID, id.UserID),
			"version":       s.cfg.Runtime.Version,
		},
	})
}

func wsURL(workflowName, appID, chatID, userID string) string {
	return "/ws/" + workflowName + "/" + appID + "/" + chatID + "/" + userID
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	appID := r.PathValue("app_id")
	workflowName := r.PathValue("workflow_name")
	if err := s.evaluator.RequireTenant(id.AppID, appID, id.UserID, "chat:"+workflowName); err != nil {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}

	var body struct {
		UserID            string `json:"user_id"`
		ClientRequestID   string `json:"client_request_id"`
		ForceNew          bool   `json:"force_new"`
		RequiredMinTokens int64  `json:"required_min_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = id.UserID
	}
	if userID != id.UserID && !id.IsService && !id.IsSuperadmin {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "user_id mismatch")
		return
	}

	result, err := s.orchestrator.Start(r.Context(), orchestrator.StartRequest{
		AppID:             appID,
		WorkflowName:      workflowName,
		UserID:            userID,
		ClientRequestID:   body.ClientRequestID,
		ForceNew:          body.ForceNew,
		RequiredMinTokens: body.RequiredMinTokens,
	})
	if err != nil {
		s.startError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":       result.ChatID,
		"websocket_url": wsURL(workflowName, appID, result.ChatID, userID),
		"cache_seed":    result.CacheSeed,
		"reused":        result.Reused,
	})
}

// startError maps start protocol failures to their HTTP codes.
func (s *Server) startError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInsufficientTokens):
		s.writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_TOKENS", err.Error())
	case errors.Is(err, orchestrator.ErrPrerequisiteNotMet):
		s.writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, entitlements.ErrCapabilityDenied):
		s.writeError(w, http.StatusForbidden, "FEATURE_GATED", err.Error())
	case errors.Is(err, workflow.ErrBundleNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) handleChatMeta(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	appID := r.PathValue("app_id")
	chatID := r.PathValue("chat_id")
	if err := s.evaluator.RequireTenant(id.AppID, appID, id.UserID, "chat:"+chatID); err != nil {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	sess, err := s.store.GetSession(r.Context(), chatID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if sess.AppID != appID {
		s.audit.TenantIsolation(appID, sess.AppID, id.UserID, "chat:"+chatID)
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	appID := r.PathValue("app_id")
	userID := r.PathValue("user_id")
	if err := s.evaluator.RequireTenant(id.AppID, appID, id.UserID, "sessions"); err != nil {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	if userID != id.UserID && !id.IsService && !id.IsSuperadmin {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "user_id mismatch")
		return
	}
	list, err := s.store.ListSessions(r.Context(), appID, userID, 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "session list failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleWorkflowsAvailable(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	appID := r.PathValue("app_id")
	if err := s.evaluator.RequireTenant(id.AppID, appID, id.UserID, "workflows"); err != nil {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	manifest := s.evaluator.Manifest(appID, id.UserID)
	var out []map[string]any
	for _, name := range s.workflows.Available() {
		allowed := manifest.HasCapability("cap.workflow." + name)
		entry := map[string]any{"id": name, "available": allowed}
		if !allowed {
			entry["locked_reason"] = "plan does not include this workflow"
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleNavigation serves the navigation config. Items carry either a path
// or a workflow trigger.
func (s *Server) handleNavigation(w http.ResponseWriter, _ *http.Request, _ *models.Identity) {
	doc, err := s.loadConfigFile("navigation")
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// configFileHandler serves a yaml config document as JSON.
func (s *Server) configFileHandler(name string) func(http.ResponseWriter, *http.Request, *models.Identity) {
	return func(w http.ResponseWriter, _ *http.Request, _ *models.Identity) {
		doc, err := s.loadConfigFile(name)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", name+" not configured")
			return
		}
		s.writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) loadConfigFile(name string) (map[string]any, error) {
	path := filepath.Join(s.cfg.Workflows.ConfigRoot, name+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Server) handleArtifactCached(w http.ResponseWriter, r *http.Request, id *models.Identity) {
	artifactID := r.PathValue("artifact_id")
	appID := r.URL.Query().Get("app_id")
	chatID := r.URL.Query().Get("chat_id")
	if appID == "" || chatID == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "app_id and chat_id are required")
		return
	}
	if err := s.evaluator.RequireTenant(id.AppID, appID, id.UserID, "artifact:"+artifactID); err != nil {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "tenant mismatch")
		return
	}
	state, err := s.artifacts.Get(r.Context(), appID, chatID, artifactID)
	if err != nil {
		if errors.Is(err, artifacts.ErrArtifactExpired) {
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", "artifact state expired")
			return
		}
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "artifact not found")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleSubscriptionSync accepts a platform subscription push: the embedded
// manifest is installed and subscribers are notified.
func (s *Server) handleSubscriptionSync(w http.ResponseWriter, r *http.Request, _ *models.Identity) {
	var body struct {
		Manifest models.Manifest `json:"manifest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if err := s.entitlements.Sync(&body.Manifest); err != nil {
		s.syncError(w, err)
		return
	}
	if s.platform != nil && s.platform.Enabled() {
		if err := s.platform.NotifyEntitlementWebhook(r.Context(), body.Manifest.AppID); err != nil {
			s.logger.Warn("entitlement webhook notify failed", "app_id", body.Manifest.AppID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "event": "subscription:changed"})
}

func (s *Server) handleEntitlementSync(w http.ResponseWriter, r *http.Request, _ *models.Identity) {
	appID := r.PathValue("app_id")
	var manifest models.Manifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if manifest.AppID != appID {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "manifest app_id does not match path")
		return
	}
	if err := s.entitlements.Sync(&manifest); err != nil {
		s.syncError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (s *Server) syncError(w http.ResponseWriter, err error) {
	s.audit.Log(audit.Event{
		Type:   audit.EventManifestRejected,
		Level:  "warn",
		Detail: err.Error(),
	})
	switch {
	case errors.Is(err, entitlements.ErrInvalidSignature):
		s.writeError(w, http.StatusForbidden, "MANIFEST_INVALID_SIGNATURE", "manifest signature invalid")
	default:
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	}
}
