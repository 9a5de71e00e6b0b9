package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes audit events as JSON lines through an async buffer so that
// enforcement paths never block on I/O. A full buffer drops the event rather
// than stalling the caller.
type Logger struct {
	config Config
	output io.WriteCloser
	buffer chan *Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	anomsApp map[string]*denialWindow
	anomChat map[string]int
}

// denialWindow tracks per-app denial rates for anomaly detection.
type denialWindow struct {
	windowStart time.Time
	count       int
}

const (
	denialsPerMinuteThreshold = 10
	denialsPerSessionLimit    = 50
)

// NewLogger creates an audit logger. A disabled logger swallows events.
func NewLogger(config Config) (*Logger, error) {
	l := &Logger{
		config:   config,
		anomsApp: map[string]*denialWindow{},
		anomChat: map[string]int{},
	}
	if !config.Enabled {
		return l, nil
	}

	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	l.config = config

	switch {
	case config.Output == "" || config.Output == "stdout":
		l.output = os.Stdout
	case config.Output == "stderr":
		l.output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		l.output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l.buffer = make(chan *Event, config.BufferSize)
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.buffer:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev *Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = l.output.Write(append(line, '\n'))
}

// Log enqueues an audit event. Non-blocking; drops when the buffer is full.
func (l *Logger) Log(ev Event) {
	if l == nil || !l.config.Enabled {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	select {
	case l.buffer <- &ev:
	default:
	}
}

// CapabilityCheck records a capability evaluation. Denials feed the anomaly
// detector, which emits an anomaly_detected event when an app exceeds the
// denial-rate thresholds.
func (l *Logger) CapabilityCheck(appID, userID, chatID, capability string, granted bool, detail string) {
	if l == nil || !l.config.Enabled {
		return
	}
	evType := EventCapabilityGranted
	level := LevelInfo
	result := "granted"
	if !granted {
		evType = EventCapabilityDenied
		level = LevelWarn
		result = "denied"
	}
	l.Log(Event{
		Type:       evType,
		Level:      level,
		AppID:      appID,
		UserID:     userID,
		ChatID:     chatID,
		Capability: capability,
		Result:     result,
		Detail:     detail,
	})
	if !granted {
		l.trackDenial(appID, userID, chatID)
	}
}

func (l *Logger) trackDenial(appID, userID, chatID string) {
	l.mu.Lock()
	now := time.Now()
	anomalous := false
	reason := ""

	w := l.anomsApp[appID]
	if w == nil || now.Sub(w.windowStart) > time.Minute {
		w = &denialWindow{windowStart: now}
		l.anomsApp[appID] = w
	}
	w.count++
	if w.count == denialsPerMinuteThreshold+1 {
		anomalous = true
		reason = "denial rate exceeded 10/min"
	}

	if chatID != "" {
		l.anomChat[chatID]++
		if l.anomChat[chatID] == denialsPerSessionLimit+1 {
			anomalous = true
			reason = "denials exceeded 50/session"
		}
	}
	l.mu.Unlock()

	if anomalous {
		l.Log(Event{
			Type:   EventAnomalyDetected,
			Level:  LevelError,
			AppID:  appID,
			UserID: userID,
			ChatID: chatID,
			Detail: reason,
		})
	}
}

// TenantIsolation records a cross-tenant access attempt.
func (l *Logger) TenantIsolation(callerAppID, resourceAppID, userID, resource string) {
	l.Log(Event{
		Type:   EventTenantIsolation,
		Level:  LevelError,
		AppID:  callerAppID,
		UserID: userID,
		Result: "denied",
		Detail: fmt.Sprintf("caller app %s attempted access to %s owned by app %s", callerAppID, resource, resourceAppID),
	})
}

// Close flushes buffered events and releases the output.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}
