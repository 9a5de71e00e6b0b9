// Package events normalizes runtime events into envelopes, assigns dense
// per-chat sequence numbers, fans out to ordered subscribers, and mirrors a
// secondary AG-UI compatible namespace.
package events

// Legacy chat.* event types.
const (
	TypeChatText                  = "chat.text"
	TypeChatPrint                 = "chat.print"
	TypeChatToolCall              = "chat.tool_call"
	TypeChatToolResponse          = "chat.tool_response"
	TypeChatStructuredOutputReady = "chat.structured_output_ready"
	TypeChatInputRequest          = "chat.input_request"
	TypeChatInputAck              = "chat.input_ack"
	TypeChatInputTimeout          = "chat.input_timeout"
	TypeChatHandoff               = "chat.handoff"
	TypeChatSelectSpeaker         = "chat.select_speaker"
	TypeChatResumeBoundary        = "chat.resume_boundary"
	TypeChatUsageDelta            = "chat.usage_delta"
	TypeChatUsageSummary          = "chat.usage_summary"
	TypeChatRunStart              = "chat.run_start"
	TypeChatRunComplete           = "chat.run_complete"
	TypeChatError                 = "chat.error"

	TypeRunStarted     = "chat.orchestration.run_started"
	TypeRunCompleted   = "chat.orchestration.run_completed"
	TypeRunFailed      = "chat.orchestration.run_failed"
	TypeAgentStarted   = "chat.orchestration.agent_started"
	TypeAgentCompleted = "chat.orchestration.agent_completed"
	TypeToolStarted    = "chat.orchestration.tool_started"
	TypeToolCompleted  = "chat.orchestration.tool_completed"

	TypeActionStarted   = "artifact.action.started"
	TypeActionCompleted = "artifact.action.completed"
	TypeActionFailed    = "artifact.action.failed"
)

// TypeSubscriptionChanged is the app-scoped entitlement push, dispatched with
// an empty chat id.
const TypeSubscriptionChanged = "subscription:changed"

// AG-UI secondary event types.
const (
	AGUIRunStarted   = "agui.lifecycle.RunStarted"
	AGUIRunFinished  = "agui.lifecycle.RunFinished"
	AGUIRunError     = "agui.lifecycle.RunError"
	AGUIStepStarted  = "agui.lifecycle.StepStarted"
	AGUIStepFinished = "agui.lifecycle.StepFinished"

	AGUITextMessageStart   = "agui.text.TextMessageStart"
	AGUITextMessageContent = "agui.text.TextMessageContent"
	AGUITextMessageEnd     = "agui.text.TextMessageEnd"

	AGUIToolCallStart  = "agui.tool.ToolCallStart"
	AGUIToolCallEnd    = "agui.tool.ToolCallEnd"
	AGUIToolCallResult = "agui.tool.ToolCallResult"

	AGUIStateSnapshot    = "agui.state.StateSnapshot"
	AGUIStateDelta       = "agui.state.StateDelta"
	AGUIMessagesSnapshot = "agui.state.MessagesSnapshot"
)

// Run statuses carried on orchestration events.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)
