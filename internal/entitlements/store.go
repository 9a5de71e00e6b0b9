// Package entitlements stores signed entitlement manifests and evaluates
// capabilities and limits against them. Manifests are replaced atomically;
// readers always see a consistent snapshot.
package entitlements

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrInvalidSignature  = errors.New("manifest signature verification failed")
	ErrCapabilityDenied  = errors.New("capability denied")
	ErrLimitExceeded     = errors.New("limit exceeded")
	ErrTenantIsolation   = errors.New("tenant isolation violation")
	ErrInsufficientToken = errors.New("insufficient token budget")
)

// manifestKey scopes manifests per app and optionally per user.
func manifestKey(appID, userID string) string {
	if userID == "" {
		return appID
	}
	return appID + ":" + userID
}

// Store holds the active manifests. Writes swap the snapshot map atomically
// under a write mutex; reads are lock-free.
type Store struct {
	signingKey []byte
	logger     *slog.Logger

	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]*models.Manifest]

	// onChange is invoked after a successful sync, outside the write lock.
	onChange func(appID string, m *models.Manifest)
}

// NewStore creates a manifest store. When signingKey is non-empty every
// synced manifest must carry a valid signature.
func NewStore(signingKey string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	if signingKey != "" {
		s.signingKey = []byte(signingKey)
	}
	empty := map[string]*models.Manifest{}
	s.snapshot.Store(&empty)
	return s
}

// OnChange registers the callback fired after each accepted sync.
func (s *Store) OnChange(fn func(appID string, m *models.Manifest)) {
	s.onChange = fn
}

// Sync validates and atomically installs a manifest. A rejected manifest
// never replaces the previous one.
func (s *Store) Sync(manifest *models.Manifest) error {
	if err := validate(manifest); err != nil {
		return err
	}
	if len(s.signingKey) > 0 {
		if err := s.verifySignature(manifest); err != nil {
			return err
		}
	}
	if manifest.Source == "" {
		manifest.Source = models.SourcePlatform
	}

	s.writeMu.Lock()
	old := *s.snapshot.Load()
	next := make(map[string]*models.Manifest, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[manifestKey(manifest.AppID, manifest.UserID)] = manifest
	s.snapshot.Store(&next)
	s.writeMu.Unlock()

	s.logger.Info("entitlement manifest synced",
		"app_id", manifest.AppID, "plan", manifest.Plan.ID, "tier", manifest.Plan.Tier,
		"capabilities", len(manifest.Capabilities), "source", manifest.Source)
	if s.onChange != nil {
		s.onChange(manifest.AppID, manifest)
	}
	return nil
}

// LoadFile reads a manifest from a local file (self-host path).
func (s *Store) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest models.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	manifest.Source = models.SourceFile
	return s.Sync(&manifest)
}

// Get returns the active manifest for (app_id, user_id), falling back to the
// app-wide manifest and then to the default permissive manifest.
func (s *Store) Get(appID, userID string) *models.Manifest {
	snap := *s.snapshot.Load()
	if userID != "" {
		if m, ok := snap[manifestKey(appID, userID)]; ok {
			return m
		}
	}
	if m, ok := snap[appID]; ok {
		return m
	}
	return DefaultManifest(appID)
}

func validate(m *models.Manifest) error {
	if m == nil {
		return ErrInvalidManifest
	}
	if m.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrInvalidManifest)
	}
	for _, c := range m.Capabilities {
		if !strings.HasPrefix(c, "cap.") {
			return fmt.Errorf("%w: capability %q must start with cap.", ErrInvalidManifest, c)
		}
	}
	for id := range m.Limits {
		if !strings.HasPrefix(id, "cap.limit.") {
			return fmt.Errorf("%w: limit id %q must start with cap.limit.", ErrInvalidManifest, id)
		}
	}
	tb := m.TokenBudget.TotalTokens
	if tb.Enforcement != "" && tb.Enforcement != models.EnforceNone &&
		tb.Limit != models.UnlimitedValue && tb.Used > tb.Limit {
		return fmt.Errorf("%w: token usage exceeds limit under enforcement", ErrInvalidManifest)
	}
	return nil
}

// verifySignature checks the HMAC-SHA256 signature over the canonical JSON
// of the manifest body with the signature field cleared.
func (s *Store) verifySignature(m *models.Manifest) error {
	if m.Signature == "" {
		return fmt.Errorf("%w: signature missing", ErrInvalidSignature)
	}
	want, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature not hex", ErrInvalidSignature)
	}
	got := SignManifestBytes(s.signingKey, m)
	if !hmac.Equal(want, got) {
		return ErrInvalidSignature
	}
	return nil
}

// SignManifestBytes computes the raw HMAC over a manifest's canonical body.
// Exported for the signing side used in tests and tooling.
func SignManifestBytes(key []byte, m *models.Manifest) []byte {
	body := *m
	body.Signature = ""
	canonical := canonicalJSON(&body)
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return mac.Sum(nil)
}

// SignManifest returns the hex signature for a manifest body.
func SignManifest(key []byte, m *models.Manifest) string {
	return hex.EncodeToString(SignManifestBytes(key, m))
}

// canonicalJSON marshals with sorted object keys so signatures are stable
// across field ordering.
func canonicalJSON(m *models.Manifest) []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := marshalCanonical(generic)
	if err != nil {
		return raw
	}
	return out
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			vb, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(v)
	}
}

// DefaultManifest is the permissive manifest used when no manifest is
// configured (OSS / self-host).
func DefaultManifest(appID string) *models.Manifest {
	return &models.Manifest{
		Version: "default",
		AppID:   appID,
		Plan: models.Plan{
			ID:     "default",
			Name:   "Default",
			Tier:   models.TierUnlimited,
			Status: "active",
		},
		Capabilities: []string{
			"cap.workflow.basic",
			"cap.tool.basic",
			"cap.artifact.view",
		},
		Limits: map[string]int64{
			"cap.limit.tokens_monthly":   models.UnlimitedValue,
			"cap.limit.requests_monthly": models.UnlimitedValue,
		},
		TokenBudget: models.TokenBudget{
			Period: "unlimited",
			TotalTokens: models.TokenAllowance{
				Limit:       models.UnlimitedValue,
				Enforcement: models.EnforceNone,
			},
		},
		Source: models.SourceDefault,
	}
}
