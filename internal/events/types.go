// Package events provides event types and utilities for the Convoflow event system.
package events

// Event types for inbound messages
const (
	MessageQueued   = "message.queued"
	MessageDegraded = "message.degraded" // preprocessing failed, fallback content used
)

// Event types for placeholders (pending transcriptions and media preparations)
const (
	PlaceholderRegistered = "placeholder.registered"
	PlaceholderResolved   = "placeholder.resolved"
	PlaceholderExpired    = "placeholder.expired"
)

// Event types for AI turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnCancelled = "turn.cancelled"
	TurnFailed    = "turn.failed"
	TurnSkipped   = "turn.skipped" // human takeover or empty batch
)

// Event types for outbound replies
const (
	ReplySent   = "reply.sent"
	ReplyFailed = "reply.failed"
)

// BuildTurnSubject creates a turn event subject scoped to a conversation.
func BuildTurnSubject(eventType, conversationID string) string {
	return eventType + "." + conversationID
}

// BuildTurnWildcardSubject creates a wildcard subscription for all turn
// events of the given type.
func BuildTurnWildcardSubject(eventType string) string {
	return eventType + ".*"
}
