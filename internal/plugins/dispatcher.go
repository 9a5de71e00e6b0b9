package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/entitlements"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/metrics"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Executable is a plugin entry operation. Plugins report their own errors by
// returning a result with an "error" key; a returned Go error is a crash.
type Executable interface {
	Execute(ctx context.Context, request map[string]any) (map[string]any, error)
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context, request map[string]any) (map[string]any, error)

// Execute implements Executable.
func (f ExecutableFunc) Execute(ctx context.Context, request map[string]any) (map[string]any, error) {
	return f(ctx, request)
}

// DispatchError is a framework-level execution failure with an HTTP mapping.
type DispatchError struct {
	Code   string
	Status int
	Detail string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

var (
	errNotFound = &DispatchError{Code: "PLUGIN_NOT_FOUND", Status: http.StatusNotFound}
	errDisabled = &DispatchError{Code: "PLUGIN_DISABLED", Status: http.StatusForbidden}
)

// Dispatcher invokes plugins with entitlement enforcement, server-side
// context injection, and a wall-clock timeout.
type Dispatcher struct {
	registry  *Registry
	evaluator *entitlements.Evaluator
	audit     *audit.Logger
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	consumed map[string]int64 // "<app>:<limit-id>" -> consumed this process
}

// NewDispatcher builds a dispatcher over the registry.
func NewDispatcher(registry *Registry, evaluator *entitlements.Evaluator, auditLogger *audit.Logger, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		evaluator: evaluator,
		audit:     auditLogger,
		timeout:   timeout,
		logger:    logger,
		consumed:  map[string]int64{},
	}
}

// Execute runs a plugin for the identity. Client-supplied identity fields in
// the body are overwritten by server-derived values before the plugin sees
// the request.
func (d *Dispatcher) Execute(ctx context.Context, name string, id *models.Identity, body map[string]any) (map[string]any, *DispatchError) {
	rec, ok := d.registry.Get(name)
	if !ok {
		return nil, withDetail(errNotFound, fmt.Sprintf("plugin %q not found", name))
	}
	if !rec.Enabled || rec.Exec == nil {
		metrics.PluginExecutions.WithLabelValues(name, "disabled").Inc()
		return nil, withDetail(errDisabled, fmt.Sprintf("plugin %q is disabled", name))
	}

	if rec.Descriptor.RequireCapability {
		capability := fmt.Sprintf("cap.plugin.%s.execute", name)
		if err := d.evaluator.Require(id.AppID, id.UserID, "", capability); err != nil {
			metrics.PluginExecutions.WithLabelValues(name, "denied").Inc()
			return nil, &DispatchError{Code: "FEATURE_GATED", Status: http.StatusForbidden, Detail: err.Error()}
		}
	}
	if derr := d.preflight(rec, id); derr != nil {
		metrics.PluginExecutions.WithLabelValues(name, "gated").Inc()
		return nil, derr
	}

	if body == nil {
		body = map[string]any{}
	}
	// Server-derived fields always win over client-supplied values.
	body["user_id"] = id.UserID
	body["app_id"] = id.AppID
	body["user_jwt"] = id.RawToken
	body["_context"] = id.ContextFields()

	result, derr := d.invoke(ctx, rec, body)
	if derr != nil {
		metrics.PluginExecutions.WithLabelValues(name, "error").Inc()
		d.audit.Log(audit.Event{
			Type:   audit.EventPluginDenied,
			Level:  audit.LevelWarn,
			AppID:  id.AppID,
			UserID: id.UserID,
			Detail: fmt.Sprintf("plugin %s: %s", name, derr.Code),
		})
		return nil, derr
	}

	d.consume(rec, id)
	metrics.PluginExecutions.WithLabelValues(name, "ok").Inc()
	d.audit.Log(audit.Event{
		Type:   audit.EventPluginExecuted,
		AppID:  id.AppID,
		UserID: id.UserID,
		Detail: name,
	})
	return result, nil
}

// preflight checks plugin-declared feature gates and consumable limits.
func (d *Dispatcher) preflight(rec *Record, id *models.Identity) *DispatchError {
	ent := rec.Descriptor.Entitlements
	if ent.Feature != "" {
		manifest := d.evaluator.Manifest(id.AppID, id.UserID)
		if !manifest.FeatureEnabled(ent.Feature) {
			return &DispatchError{
				Code:   "FEATURE_GATED",
				Status: http.StatusForbidden,
				Detail: fmt.Sprintf("feature %q not enabled", ent.Feature),
			}
		}
	}
	if ent.Limit != nil {
		used := d.consumedFor(id.AppID, ent.Limit.ID)
		if err := d.evaluator.CheckLimit(id.AppID, id.UserID, ent.Limit.ID, used); err != nil {
			return &DispatchError{Code: "LIMIT_EXCEEDED", Status: http.StatusTooManyRequests, Detail: err.Error()}
		}
	}
	return nil
}

func (d *Dispatcher) consume(rec *Record, id *models.Identity) {
	limit := rec.Descriptor.Entitlements.Limit
	if limit == nil {
		return
	}
	amount := limit.Amount
	if amount <= 0 {
		amount = 1
	}
	d.mu.Lock()
	d.consumed[id.AppID+":"+limit.ID] += amount
	d.mu.Unlock()
}

func (d *Dispatcher) consumedFor(appID, limitID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consumed[appID+":"+limitID]
}

// invoke runs the entry operation under the wall-clock timeout, recovering
// panics into PLUGIN_CRASHED.
func (d *Dispatcher) invoke(ctx context.Context, rec *Record, body map[string]any) (map[string]any, *DispatchError) {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		result, err := rec.Exec.Execute(runCtx, body)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &DispatchError{
				Code:   "PLUGIN_TIMEOUT",
				Status: http.StatusGatewayTimeout,
				Detail: fmt.Sprintf("plugin %q exceeded %s", rec.Descriptor.Name, d.timeout),
			}
		}
		return nil, &DispatchError{Code: "PLUGIN_CRASHED", Status: http.StatusInternalServerError, Detail: runCtx.Err().Error()}
	case out := <-ch:
		if out.err != nil {
			d.logger.Error("plugin crashed", "plugin", rec.Descriptor.Name, "error", out.err)
			return nil, &DispatchError{Code: "PLUGIN_CRASHED", Status: http.StatusInternalServerError, Detail: out.err.Error()}
		}
		if out.result == nil {
			out.result = map[string]any{}
		}
		return out.result, nil
	}
}

func withDetail(base *DispatchError, detail string) *DispatchError {
	return &DispatchError{Code: base.Code, Status: base.Status, Detail: detail}
}
