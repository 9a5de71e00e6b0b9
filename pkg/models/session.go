package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a chat session. Progression is
// monotonic except cancelled, which is terminal from any non-terminal state.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Session is one workflow run instance.
type Session struct {
	ChatID          string        `json:"chat_id" bson:"chat_id"`
	AppID           string        `json:"app_id" bson:"app_id"`
	UserID          string        `json:"user_id" bson:"user_id"`
	WorkflowName    string        `json:"workflow_name" bson:"workflow_name"`
	Status          SessionStatus `json:"status" bson:"status"`
	ClientRequestID string        `json:"client_request_id,omitempty" bson:"client_request_id,omitempty"`
	CacheSeed       string        `json:"cache_seed" bson:"cache_seed"`
	LastSequenceNo  int64         `json:"last_sequence_no" bson:"last_sequence_no"`
	ResumedFrom     string        `json:"resumed_from,omitempty" bson:"resumed_from,omitempty"`
	TotalTokens     int64         `json:"total_tokens,omitempty" bson:"total_tokens,omitempty"`
	CreatedAt       time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" bson:"updated_at"`
}

// MessageRole identifies the author class of a chat message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleTool   MessageRole = "tool"
	RoleSystem MessageRole = "system"
)

// Message is one persisted chat message. Sequence numbers are unique and
// dense per chat_id.
type Message struct {
	ChatID           string          `json:"chat_id" bson:"chat_id"`
	AppID            string          `json:"app_id" bson:"app_id"`
	SequenceNo       int64           `json:"sequence_no" bson:"sequence_no"`
	Agent            string          `json:"agent,omitempty" bson:"agent,omitempty"`
	Role             MessageRole     `json:"role" bson:"role"`
	Content          string          `json:"content" bson:"content"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty" bson:"structured_output,omitempty"`
	CreatedAt        time.Time       `json:"created_at" bson:"created_at"`
}

// ArtifactState is the current client-rendered state of one artifact.
type ArtifactState struct {
	ArtifactID   string          `json:"artifact_id" bson:"artifact_id"`
	ChatID       string          `json:"chat_id" bson:"chat_id"`
	AppID        string          `json:"app_id" bson:"app_id"`
	WorkflowName string          `json:"workflow_name,omitempty" bson:"workflow_name,omitempty"`
	State        json.RawMessage `json:"state" bson:"state"`
	UpdatedAt    time.Time       `json:"updated_at" bson:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Expired reports whether the artifact state is past its TTL.
func (a *ArtifactState) Expired(now time.Time) bool {
	return a != nil && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
