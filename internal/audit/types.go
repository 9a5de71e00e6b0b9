// Package audit provides structured audit logging for capability checks,
// tenant-isolation decisions, and transport anomalies.
package audit

import "time"

// EventType categorizes audit events.
type EventType string

const (
	// Capability events
	EventCapabilityGranted EventType = "capability.granted"
	EventCapabilityDenied  EventType = "capability.denied"
	EventLimitExceeded     EventType = "limit.exceeded"
	EventAnomalyDetected   EventType = "anomaly_detected"

	// Tenancy events
	EventTenantIsolation EventType = "tenant_isolation"

	// Manifest events
	EventManifestSynced   EventType = "manifest.synced"
	EventManifestRejected EventType = "manifest.rejected"

	// Transport events
	EventBufferDropped    EventType = "ws.buffer_dropped"
	EventCorrelationMiss  EventType = "ws.correlation_miss"
	EventConnectionClosed EventType = "ws.connection_closed"

	// Usage events
	EventUsageDropped EventType = "usage.dropped"

	// Plugin events
	EventPluginExecuted EventType = "plugin.executed"
	EventPluginDenied   EventType = "plugin.denied"
)

// Level is audit log severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Level      Level          `json:"level"`
	Timestamp  time.Time      `json:"ts"`
	AppID      string         `json:"app_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Result     string         `json:"result,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	Enabled bool

	// Output is "stdout", "stderr", or "file:/path/to/file.log".
	Output string

	// BufferSize is the size of the async write buffer.
	BufferSize int

	// FlushInterval is how often buffered events are flushed.
	FlushInterval time.Duration
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Output:        "stdout",
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
