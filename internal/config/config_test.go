package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MOZAIKS_APP_ID", "app-1")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("MOZAIKS_AUTH_MODE", "local")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.AppID != "app-1" {
		t.Errorf("AppID = %q, want app-1", cfg.Runtime.AppID)
	}
	if cfg.Runtime.AppTier != "free" {
		t.Errorf("AppTier = %q, want free default", cfg.Runtime.AppTier)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Auth.JWTAlgorithm != "HS256" {
		t.Errorf("JWTAlgorithm = %q, want HS256", cfg.Auth.JWTAlgorithm)
	}
	if !cfg.Transport.AGUIEnabled {
		t.Error("AGUIEnabled = false, want enabled by default")
	}
	if cfg.Transport.PrebufferSize != 200 {
		t.Errorf("PrebufferSize = %d, want 200", cfg.Transport.PrebufferSize)
	}
	if cfg.Workflows.StartIdempotency != 120*time.Second {
		t.Errorf("StartIdempotency = %v, want 2m", cfg.Workflows.StartIdempotency)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MOZAIKS_PORT", "9999")
	t.Setenv("MOZAIKS_AGUI_ENABLED", "false")
	t.Setenv("MOZAIKS_PLUGIN_TIMEOUT_SECONDS", "5")
	t.Setenv("MOZAIKS_WS_HEARTBEAT_SECONDS", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Transport.AGUIEnabled {
		t.Error("AGUIEnabled = true, want disabled")
	}
	if cfg.Plugins.Timeout != 5*time.Second {
		t.Errorf("plugin timeout = %v, want 5s", cfg.Plugins.Timeout)
	}
	if cfg.Transport.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v, want 30s", cfg.Transport.HeartbeatInterval)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing app id", map[string]string{
			"MOZAIKS_APP_ID": "", "JWT_SECRET": "secret",
		}, "MOZAIKS_APP_ID"},
		{"local without secret", map[string]string{
			"MOZAIKS_APP_ID": "app-1", "JWT_SECRET": "",
		}, "JWT_SECRET"},
		{"external without endpoints", map[string]string{
			"MOZAIKS_APP_ID": "app-1", "MOZAIKS_AUTH_MODE": "external",
		}, "MOZAIKS_OIDC_DISCOVERY_URL"},
		{"unknown mode", map[string]string{
			"MOZAIKS_APP_ID": "app-1", "MOZAIKS_AUTH_MODE": "magic",
		}, "MOZAIKS_AUTH_MODE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoad_MongoURIFallback(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MONGODB_URI", "")
	t.Setenv("DATABASE_URI", "mongodb://fallback:27017")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URI != "mongodb://fallback:27017" {
		t.Errorf("URI = %q, want DATABASE_URI fallback", cfg.Database.URI)
	}
}
