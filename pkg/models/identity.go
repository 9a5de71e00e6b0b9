// Package models contains the shared domain and wire types used across the
// runtime: identities, entitlement manifests, chat sessions, artifacts, and
// the universal event envelope.
package models

// Identity is the trusted per-request identity derived from a verified
// bearer token. It lives for one request and is never persisted.
type Identity struct {
	AppID        string   `json:"app_id"`
	UserID       string   `json:"user_id"`
	Username     string   `json:"username,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	IsSuperadmin bool     `json:"is_superadmin"`

	// IsService is true for platform service tokens (role internal_service).
	IsService bool `json:"-"`

	// RawToken is the bearer token as presented. Passed through to plugins
	// so they can call downstream services on the caller's behalf.
	RawToken string `json:"-"`
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContextFields returns the _context object injected into plugin payloads.
func (i *Identity) ContextFields() map[string]any {
	return map[string]any{
		"app_id":        i.AppID,
		"user_id":       i.UserID,
		"username":      i.Username,
		"roles":         i.Roles,
		"is_superadmin": i.IsSuperadmin,
	}
}
