package entitlements

import (
	"fmt"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/audit"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Evaluator answers capability and limit questions against the active
// manifest and writes an audit record for every check.
type Evaluator struct {
	store *Store
	audit *audit.Logger
}

// NewEvaluator builds an evaluator over the store.
func NewEvaluator(store *Store, auditLogger *audit.Logger) *Evaluator {
	return &Evaluator{store: store, audit: auditLogger}
}

// Manifest returns the active manifest for the scope.
func (e *Evaluator) Manifest(appID, userID string) *models.Manifest {
	return e.store.Get(appID, userID)
}

// Has reports whether the app's manifest grants the capability.
func (e *Evaluator) Has(appID, userID, capability string) bool {
	granted := e.store.Get(appID, userID).HasCapability(capability)
	e.audit.CapabilityCheck(appID, userID, "", capability, granted, "")
	return granted
}

// Require returns ErrCapabilityDenied when the capability is not granted.
func (e *Evaluator) Require(appID, userID, chatID, capability string) error {
	granted := e.store.Get(appID, userID).HasCapability(capability)
	e.audit.CapabilityCheck(appID, userID, chatID, capability, granted, "")
	if !granted {
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, capability)
	}
	return nil
}

// RequireWithinLimit combines a capability check with a limit check, the
// common shape for metered capabilities.
func (e *Evaluator) RequireWithinLimit(appID, userID, chatID, capability, limitID string, currentUsage int64) error {
	if err := e.Require(appID, userID, chatID, capability); err != nil {
		return err
	}
	return e.CheckLimit(appID, userID, limitID, currentUsage)
}

// CheckLimit compares current usage against a configured limit. Unknown
// limit ids deny under any enforcement but none.
func (e *Evaluator) CheckLimit(appID, userID, limitID string, currentUsage int64) error {
	m := e.store.Get(appID, userID)
	limit, ok := m.Limit(limitID)
	if !ok {
		e.audit.CapabilityCheck(appID, userID, "", limitID, false, "unknown limit id")
		return fmt.Errorf("%w: %s not configured", ErrLimitExceeded, limitID)
	}
	if limit == models.UnlimitedValue || currentUsage < limit {
		e.audit.CapabilityCheck(appID, userID, "", limitID, true,
			fmt.Sprintf("usage=%d limit=%d", currentUsage, limit))
		return nil
	}
	e.audit.Log(audit.Event{
		Type:       audit.EventLimitExceeded,
		Level:      audit.LevelWarn,
		AppID:      appID,
		UserID:     userID,
		Capability: limitID,
		Result:     "exceeded",
		Detail:     fmt.Sprintf("usage=%d limit=%d", currentUsage, limit),
	})
	return fmt.Errorf("%w: %s (usage=%d limit=%d)", ErrLimitExceeded, limitID, currentUsage, limit)
}

// TokenBudgetDecision is the outcome of a token-budget check under the
// manifest's enforcement mode.
type TokenBudgetDecision struct {
	Allowed   bool
	Warn      bool
	Remaining int64
	Mode      models.EnforcementMode
}

// CheckTokenBudget evaluates whether requiredTokens fit the remaining token
// budget. Hard enforcement denies; soft allows with a warning flag; warn and
// none always allow.
func (e *Evaluator) CheckTokenBudget(appID, userID string, used, requiredTokens int64) TokenBudgetDecision {
	m := e.store.Get(appID, userID)
	alloc := m.TokenBudget.TotalTokens
	mode := alloc.Enforcement
	if mode == "" {
		mode = models.EnforceNone
	}
	decision := TokenBudgetDecision{Allowed: true, Mode: mode, Remaining: models.UnlimitedValue}
	if alloc.Limit == models.UnlimitedValue {
		return decision
	}
	decision.Remaining = alloc.Limit - used
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if used+requiredTokens <= alloc.Limit {
		return decision
	}
	switch mode {
	case models.EnforceHard:
		decision.Allowed = false
	case models.EnforceSoft, models.EnforceWarn:
		decision.Warn = true
	}
	if !decision.Allowed || decision.Warn {
		e.audit.Log(audit.Event{
			Type:       audit.EventLimitExceeded,
			Level:      audit.LevelWarn,
			AppID:      appID,
			UserID:     userID,
			Capability: "cap.limit.tokens_monthly",
			Result:     string(mode),
			Detail:     fmt.Sprintf("used=%d required=%d limit=%d", used, requiredTokens, alloc.Limit),
		})
	}
	return decision
}

// RequireTenant enforces that the caller's app owns the resource.
func (e *Evaluator) RequireTenant(callerAppID, resourceAppID, userID, resource string) error {
	if callerAppID == resourceAppID {
		return nil
	}
	e.audit.TenantIsolation(callerAppID, resourceAppID, userID, resource)
	return fmt.Errorf("%w: %s", ErrTenantIsolation, resource)
}
