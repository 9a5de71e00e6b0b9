package models

import (
	"testing"
	"time"
)

func TestEnvelope_Stamp(t *testing.T) {
	env := &Envelope{Type: "chat.text"}
	env.Stamp(time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC))

	if env.Timestamp != "2026-03-14T09:26:53.589793Z" {
		t.Errorf("Timestamp = %q, want %q", env.Timestamp, "2026-03-14T09:26:53.589793Z")
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	cases := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionInProgress, false},
		{SessionCompleted, true},
		{SessionFailed, true},
		{SessionCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("Terminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestManifest_HasCapability(t *testing.T) {
	m := &Manifest{
		AppID:        "app-1",
		Capabilities: []string{"cap.workflow.onboarding", "cap.tool.generate"},
	}

	if !m.HasCapability("cap.workflow.onboarding") {
		t.Error("granted capability denied")
	}
	if m.HasCapability("cap.workflow.other") {
		t.Error("ungranted capability allowed")
	}
	if m.HasCapability("workflow.onboarding") {
		t.Error("capability without cap. prefix must deny")
	}

	var nilManifest *Manifest
	if nilManifest.HasCapability("cap.workflow.onboarding") {
		t.Error("nil manifest must deny")
	}
}

func TestManifest_Limit(t *testing.T) {
	m := &Manifest{Limits: map[string]int64{"cap.limit.tokens_monthly": 5000}}

	if v, ok := m.Limit("cap.limit.tokens_monthly"); !ok || v != 5000 {
		t.Errorf("Limit = %d, %v, want 5000, true", v, ok)
	}
	if _, ok := m.Limit("cap.limit.unknown"); ok {
		t.Error("unknown limit id reported as configured")
	}
}

func TestArtifactState_Expired(t *testing.T) {
	now := time.Now()

	fresh := &ArtifactState{}
	if fresh.Expired(now) {
		t.Error("state without expiry reported expired")
	}

	past := now.Add(-time.Minute)
	stale := &ArtifactState{ExpiresAt: &past}
	if !stale.Expired(now) {
		t.Error("state past expiry reported fresh")
	}

	future := now.Add(time.Minute)
	live := &ArtifactState{ExpiresAt: &future}
	if live.Expired(now) {
		t.Error("state before expiry reported expired")
	}
}
