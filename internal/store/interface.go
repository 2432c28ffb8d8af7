// Package store persists conversations, messages, tracked requests, and
// agent profiles.
package store

import (
	"context"

	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// Repository defines the interface for conversation storage operations
type Repository interface {
	// Message operations
	AppendMessage(ctx context.Context, msg *v1.Message) error
	UpdateMessageContent(ctx context.Context, id, content string, degraded bool) error
	UpdateMessageStatus(ctx context.Context, id string, status v1.MessageStatus, providerMessageID string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*v1.Message, error)

	// Tracked request operations
	CreateRequest(ctx context.Context, req *v1.TrackedRequest) error
	SaveRequest(ctx context.Context, req *v1.TrackedRequest) error
	GetRequest(ctx context.Context, id string) (*v1.TrackedRequest, error)
	ListRequests(ctx context.Context, conversationID string) ([]*v1.TrackedRequest, error)

	// Conversation operations
	GetConversation(ctx context.Context, id string) (*v1.Conversation, error)
	UpsertConversation(ctx context.Context, conv *v1.Conversation) error
	RecordHumanReply(ctx context.Context, conversationID string) error

	// Agent profile operations
	GetAgent(ctx context.Context, id string) (*v1.AgentProfile, error)
	PutAgent(ctx context.Context, agent *v1.AgentProfile) error

	// Close closes the repository (for database connections)
	Close() error
}
