package models

import (
	"strings"
	"time"
)

// PlanTier is the subscription tier carried by an entitlement manifest.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierStarter    PlanTier = "starter"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
	TierUnlimited  PlanTier = "unlimited"
)

// EnforcementMode controls how a limit violation is handled.
type EnforcementMode string

const (
	EnforceNone EnforcementMode = "none"
	EnforceWarn EnforcementMode = "warn"
	EnforceSoft EnforcementMode = "soft"
	EnforceHard EnforcementMode = "hard"
)

// ManifestSource records where a manifest came from.
type ManifestSource string

const (
	SourcePlatform ManifestSource = "platform"
	SourceFile     ManifestSource = "file"
	SourceDefault  ManifestSource = "default"
)

// Plan describes the subscription plan in a manifest.
type Plan struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Tier      PlanTier   `json:"tier"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TokenAllowance is a single metered token pool.
type TokenAllowance struct {
	Limit       int64           `json:"limit"`
	Used        int64           `json:"used"`
	Enforcement EnforcementMode `json:"enforcement"`
}

// TokenBudget is the token metering section of a manifest.
type TokenBudget struct {
	Period      string         `json:"period"` // monthly | unlimited
	TotalTokens TokenAllowance `json:"total_tokens"`
}

// Manifest is the authoritative entitlement record for an app (optionally
// scoped to a single user). Exactly one manifest is active per (app_id,
// user_id) pair; it is replaced atomically on platform push or file reload.
type Manifest struct {
	Version      string           `json:"version"`
	AppID        string           `json:"app_id"`
	TenantID     string           `json:"tenant_id,omitempty"`
	UserID       string           `json:"user_id,omitempty"`
	Plan         Plan             `json:"plan"`
	Capabilities []string         `json:"capabilities"`
	Limits       map[string]int64 `json:"limits,omitempty"`
	TokenBudget  TokenBudget      `json:"token_budget"`
	Features     map[string]bool  `json:"features,omitempty"`
	RateLimits   map[string]int   `json:"rate_limits,omitempty"`
	Signature    string           `json:"signature,omitempty"`
	Source       ManifestSource   `json:"source,omitempty"`
}

// UnlimitedValue marks a limit as unbounded.
const UnlimitedValue int64 = -1

// HasCapability reports whether the manifest grants the capability.
// Capabilities are matched literally; unknown strings deny.
func (m *Manifest) HasCapability(capability string) bool {
	if m == nil || !strings.HasPrefix(capability, "cap.") {
		return false
	}
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Limit returns the configured limit for the id and whether it exists.
func (m *Manifest) Limit(limitID string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m.Limits[limitID]
	return v, ok
}

// FeatureEnabled reports whether a named feature flag is on.
func (m *Manifest) FeatureEnabled(name string) bool {
	return m != nil && m.Features[name]
}
