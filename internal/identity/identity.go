// Package identity converts bearer credentials into trusted identity
// contexts. It supports external OIDC verification (discovery + JWKS) and a
// local HMAC mode, plus runtime-minted short-lived execution tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceMismatch = errors.New("audience mismatch")
)

// ErrorCode maps an identity error to the wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "AUTH_MISSING"
	case errors.Is(err, ErrExpired):
		return "AUTH_EXPIRED"
	case errors.Is(err, ErrIssuerMismatch):
		return "AUTH_ISSUER_MISMATCH"
	case errors.Is(err, ErrAudienceMismatch):
		return "AUTH_AUDIENCE_MISMATCH"
	default:
		return "AUTH_INVALID_SIGNATURE"
	}
}

// ServiceRole marks platform service tokens.
const ServiceRole = "internal_service"

// Service validates bearer tokens and mints execution tokens.
type Service struct {
	cfg    config.AuthConfig
	appID  string
	jwks   *jwksCache
	logger *slog.Logger
}

// NewService builds an identity service for the configured auth mode.
func NewService(appID string, cfg config.AuthConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, appID: appID, logger: logger}
	if cfg.Mode == "external" {
		cache, err := newJWKSCache(cfg.OIDCDiscoveryURL, cfg.JWKSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		s.jwks = cache
	}
	return s, nil
}

// Validate parses and verifies a bearer token and derives the identity.
func (s *Service) Validate(ctx context.Context, token string) (*models.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	var parsed *jwt.Token
	var err error
	switch s.cfg.Mode {
	case "external":
		parsed, err = jwt.ParseWithClaims(token, claims, s.jwks.keyFunc(ctx),
			jwt.WithValidMethods([]string{"RS256", "ES256"}))
	default:
		parsed, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{s.cfg.JWTAlgorithm}))
	}
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrIssuerMismatch
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrAudienceMismatch
		default:
			return nil, ErrInvalidSignature
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	if s.cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != s.cfg.Issuer {
			return nil, ErrIssuerMismatch
		}
	}
	if s.cfg.Audience != "" && !audienceMatches(claims, s.cfg.Audience) {
		return nil, ErrAudienceMismatch
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrInvalidSignature
	}

	roles := extractRoles(claims, s.cfg.RolesClaim)
	id := &models.Identity{
		AppID:    s.appID,
		UserID:   sub,
		Username: stringClaim(claims, "preferred_username"),
		Roles:    roles,
		RawToken: token,
	}
	if appID := stringClaim(claims, "app_id"); appID != "" {
		id.AppID = appID
	}
	for _, r := range roles {
		switch r {
		case ServiceRole:
			id.IsService = true
		case "superadmin":
			id.IsSuperadmin = true
		}
	}
	return id, nil
}

func audienceMatches(claims jwt.MapClaims, want string) bool {
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// extractRoles pulls roles from the configured claim path, falling back to
// the common Keycloak shapes: realm_access.roles and the flattened union of
// resource_access.*.roles.
func extractRoles(claims jwt.MapClaims, claimPath string) []string {
	if roles := rolesAtPath(map[string]any(claims), claimPath); len(roles) > 0 {
		return roles
	}
	if roles := rolesAtPath(map[string]any(claims), "realm_access.roles"); len(roles) > 0 {
		return roles
	}
	var out []string
	if ra, ok := claims["resource_access"].(map[string]any); ok {
		for _, v := range ra {
			if client, ok := v.(map[string]any); ok {
				out = append(out, toStrings(client["roles"])...)
			}
		}
	}
	return out
}

func rolesAtPath(node map[string]any, path string) []string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if i == len(parts)-1 {
			return toStrings(node[part])
		}
		next, ok := node[part].(map[string]any)
		if !ok {
			return nil
		}
		node = next
	}
	return nil
}

func toStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// executionTokenUse is the claim value distinguishing execution tokens from
// user and service tokens.
const executionTokenUse = "execution"

// ExecutionClaims carries the binding an execution token asserts.
type ExecutionClaims struct {
	AppID        string `json:"app_id"`
	ChatID       string `json:"chat_id"`
	CapabilityID string `json:"capability_id"`
	WorkflowID   string `json:"workflow_id"`
	TokenUse     string `json:"mozaiks_token_use"`
	jwt.RegisteredClaims
}

// MintExecutionToken issues a short-lived runtime-signed JWT binding a user
// to one chat and capability.
func (s *Service) MintExecutionToken(userID, appID, chatID, capabilityID, workflowID string) (string, time.Duration, error) {
	if s.cfg.ExecutionTokenSecret == "" {
		return "", 0, errors.New("execution token secret not configured")
	}
	ttl := s.cfg.ExecutionTokenExpiry
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now()
	claims := ExecutionClaims{
		AppID:        appID,
		ChatID:       chatID,
		CapabilityID: capabilityID,
		WorkflowID:   workflowID,
		TokenUse:     executionTokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(s.cfg.ExecutionTokenAlgorithm), claims)
	signed, err := token.SignedString([]byte(s.cfg.ExecutionTokenSecret))
	if err != nil {
		return "", 0, err
	}
	return signed, ttl, nil
}

// ValidateExecutionToken verifies a runtime-minted execution token.
func (s *Service) ValidateExecutionToken(token string) (*ExecutionClaims, error) {
	if s.cfg.ExecutionTokenSecret == "" {
		return nil, errors.New("execution token secret not configured")
	}
	claims := &ExecutionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.ExecutionTokenSecret), nil
	}, jwt.WithValidMethods([]string{s.cfg.ExecutionTokenAlgorithm}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	if !parsed.Valid || claims.TokenUse != executionTokenUse {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}
