package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func fileLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(Config{Enabled: true, Output: "file:" + path})
	if err != nil {
		t.Fatal(err)
	}
	return l, path
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestLogger_WritesJSONLines(t *testing.T) {
	l, path := fileLogger(t)

	l.Log(Event{Type: EventManifestSynced, AppID: "app-1"})
	l.Log(Event{Type: EventBufferDropped, Level: LevelWarn, ChatID: "chat-1"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	if events[0].Type != EventManifestSynced || events[0].AppID != "app-1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("Log() did not stamp id and timestamp")
	}
	if events[0].Level != LevelInfo {
		t.Errorf("default level = %q, want info", events[0].Level)
	}
	if events[1].Level != LevelWarn {
		t.Errorf("explicit level = %q, want warn", events[1].Level)
	}
}

func TestLogger_CapabilityCheck(t *testing.T) {
	l, path := fileLogger(t)

	l.CapabilityCheck("app-1", "user-1", "chat-1", "cap.workflow.x", true, "")
	l.CapabilityCheck("app-1", "user-1", "chat-1", "cap.workflow.y", false, "not in manifest")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	if events[0].Type != EventCapabilityGranted || events[0].Result != "granted" {
		t.Errorf("granted event = %+v", events[0])
	}
	if events[1].Type != EventCapabilityDenied || events[1].Level != LevelWarn {
		t.Errorf("denied event = %+v", events[1])
	}
	if events[1].Detail != "not in manifest" {
		t.Errorf("denied detail = %q", events[1].Detail)
	}
}

func TestLogger_DenialAnomaly(t *testing.T) {
	l, path := fileLogger(t)

	for i := 0; i <= denialsPerMinuteThreshold; i++ {
		l.CapabilityCheck("app-1", "user-1", "", "cap.workflow.x", false, "")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	var anomalies int
	for _, ev := range readEvents(t, path) {
		if ev.Type == EventAnomalyDetected {
			anomalies++
		}
	}
	if anomalies != 1 {
		t.Errorf("anomaly events = %d, want exactly 1", anomalies)
	}
}

func TestLogger_Disabled(t *testing.T) {
	l, err := NewLogger(Config{})
	if err != nil {
		t.Fatal(err)
	}
	// Must be safe to call on a disabled logger and on nil.
	l.Log(Event{Type: EventManifestSynced})
	l.CapabilityCheck("app-1", "user-1", "", "cap.x", false, "")
	if err := l.Close(); err != nil {
		t.Errorf("Close() on disabled logger error = %v", err)
	}

	var nilLogger *Logger
	nilLogger.Log(Event{})
	nilLogger.CapabilityCheck("", "", "", "", true, "")
}
