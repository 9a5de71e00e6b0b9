// Package config loads the runtime configuration from the environment.
// The enumerated environment variables are the sole configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the main configuration structure for the runtime.
type Config struct {
	Runtime      RuntimeConfig
	Server       ServerConfig
	Database     DatabaseConfig
	Auth         AuthConfig
	Plugins      PluginsConfig
	Workflows    WorkflowsConfig
	Entitlements EntitlementsConfig
	Platform     PlatformConfig
	Transport    TransportConfig
	Logging      LoggingConfig
}

type RuntimeConfig struct {
	AppID   string
	AppTier string
	Version string
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	// URI is taken from MONGODB_URI, falling back to DATABASE_URI.
	URI      string
	Database string
}

type AuthConfig struct {
	// Mode selects OIDC (external) vs local HMAC JWT.
	Mode             string
	OIDCDiscoveryURL string
	Issuer           string
	JWKSURL          string
	Audience         string
	JWTSecret        string
	JWTAlgorithm     string
	RolesClaim       string

	ExecutionTokenSecret    string
	ExecutionTokenExpiry    time.Duration
	ExecutionTokenAlgorithm string
}

type PluginsConfig struct {
	Root    string
	Timeout time.Duration
}

type WorkflowsConfig struct {
	Root              string
	ConfigRoot        string
	MaxConcurrentRuns int
	UIToolTimeout     time.Duration
	StartIdempotency  time.Duration
	MaxTurns          int
}

type EntitlementsConfig struct {
	SigningKey   string
	ManifestPath string
}

type PlatformConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	TokenScope   string
	WebhookURL   string
}

type TransportConfig struct {
	AGUIEnabled       bool
	ArtifactTTL       time.Duration
	HeartbeatInterval time.Duration
	PrebufferSize     int
	MaxPendingUITools int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Runtime: RuntimeConfig{
			AppID:   os.Getenv("MOZAIKS_APP_ID"),
			AppTier: envStr("APP_TIER", "free"),
			Version: envStr("MOZAIKS_RUNTIME_VERSION", "1.0.0"),
		},
		Server: ServerConfig{
			Host: envStr("MOZAIKS_HOST", "0.0.0.0"),
			Port: envInt("MOZAIKS_PORT", 8080),
		},
		Database: DatabaseConfig{
			URI:      envStr("MONGODB_URI", os.Getenv("DATABASE_URI")),
			Database: envStr("MOZAIKS_DATABASE_NAME", "mozaiks"),
		},
		Auth: AuthConfig{
			Mode:                    envStr("MOZAIKS_AUTH_MODE", "local"),
			OIDCDiscoveryURL:        os.Getenv("MOZAIKS_OIDC_DISCOVERY_URL"),
			Issuer:                  os.Getenv("AUTH_ISSUER"),
			JWKSURL:                 os.Getenv("AUTH_JWKS_URL"),
			Audience:                os.Getenv("AUTH_AUDIENCE"),
			JWTSecret:               os.Getenv("JWT_SECRET"),
			JWTAlgorithm:            envStr("JWT_ALGORITHM", "HS256"),
			RolesClaim:              envStr("MOZAIKS_ROLES_CLAIM", "roles"),
			ExecutionTokenSecret:    os.Getenv("MOZAIKS_EXECUTION_TOKEN_SECRET"),
			ExecutionTokenExpiry:    time.Duration(envInt("MOZAIKS_EXECUTION_TOKEN_EXPIRE_MINUTES", 10)) * time.Minute,
			ExecutionTokenAlgorithm: envStr("MOZAIKS_EXECUTION_TOKEN_ALGORITHM", "HS256"),
		},
		Plugins: PluginsConfig{
			Root:    envStr("MOZAIKS_PLUGINS_ROOT", "plugins"),
			Timeout: time.Duration(envInt("MOZAIKS_PLUGIN_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Workflows: WorkflowsConfig{
			Root:              envStr("MOZAIKS_WORKFLOWS_ROOT", "workflows"),
			ConfigRoot:        envStr("MOZAIKS_CONFIG_ROOT", "config"),
			MaxConcurrentRuns: envInt("MOZAIKS_MAX_CONCURRENT_RUNS", 32),
			UIToolTimeout:     time.Duration(envInt("MOZAIKS_UI_TOOL_TIMEOUT_SECONDS", 300)) * time.Second,
			StartIdempotency:  time.Duration(envInt("MOZAIKS_START_IDEMPOTENCY_SECONDS", 120)) * time.Second,
			MaxTurns:          envInt("MOZAIKS_MAX_TURNS", 50),
		},
		Entitlements: EntitlementsConfig{
			SigningKey:   os.Getenv("MOZAIKS_ENTITLEMENT_SIGNING_KEY"),
			ManifestPath: os.Getenv("MOZAIKS_ENTITLEMENT_MANIFEST_PATH"),
		},
		Platform: PlatformConfig{
			URL:          os.Getenv("MOZAIKS_PLATFORM_URL"),
			ClientID:     os.Getenv("MOZAIKS_PLATFORM_CLIENT_ID"),
			ClientSecret: os.Getenv("MOZAIKS_PLATFORM_CLIENT_SECRET"),
			TokenScope:   os.Getenv("MOZAIKS_PLATFORM_TOKEN_SCOPE"),
			WebhookURL:   os.Getenv("ENTITLEMENT_WEBHOOK_URL"),
		},
		Transport: TransportConfig{
			AGUIEnabled:       envBool("MOZAIKS_AGUI_ENABLED", true),
			ArtifactTTL:       time.Duration(envInt("MOZAIKS_ARTIFACT_STATE_TTL_SECONDS", 0)) * time.Second,
			HeartbeatInterval: time.Duration(envInt("MOZAIKS_WS_HEARTBEAT_SECONDS", 120)) * time.Second,
			PrebufferSize:     envInt("MOZAIKS_WS_PREBUFFER_SIZE", 200),
			MaxPendingUITools: envInt("MOZAIKS_WS_MAX_PENDING_UI_TOOLS", 64),
		},
		Logging: LoggingConfig{
			Level:  envStr("MOZAIKS_LOG_LEVEL", "info"),
			Format: envStr("MOZAIKS_LOG_FORMAT", "json"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks the parts of the configuration the runtime cannot
// default its way out of.
func (c *Config) Validate() error {
	if c.Runtime.AppID == "" {
		return fmt.Errorf("MOZAIKS_APP_ID is required")
	}
	switch c.Auth.Mode {
	case "external":
		if c.Auth.OIDCDiscoveryURL == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("external auth mode requires MOZAIKS_OIDC_DISCOVERY_URL or AUTH_JWKS_URL")
		}
	case "local":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("local auth mode requires JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown MOZAIKS_AUTH_MODE %q", c.Auth.Mode)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
