package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/common/errors"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// MemoryRepository provides in-memory conversation storage operations
type MemoryRepository struct {
	messages      map[string]*v1.Message
	requests      map[string]*v1.TrackedRequest
	conversations map[string]*v1.Conversation
	agents        map[string]*v1.AgentProfile
	mu            sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages:      make(map[string]*v1.Message),
		requests:      make(map[string]*v1.TrackedRequest),
		conversations: make(map[string]*v1.Conversation),
		agents:        make(map[string]*v1.AgentProfile),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Message operations

// AppendMessage stores a new message
func (r *MemoryRepository) AppendMessage(ctx context.Context, msg *v1.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now().UTC()
	}
	if msg.OriginalTimestamp.IsZero() {
		msg.OriginalTimestamp = msg.ArrivedAt
	}

	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

// UpdateMessageContent replaces a message's content once preprocessing finishes
func (r *MemoryRepository) UpdateMessageContent(ctx context.Context, id, content string, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return errors.NotFound("message", id)
	}
	msg.Content = content
	msg.Pending = false
	msg.Degraded = degraded
	return nil
}

// UpdateMessageStatus updates the delivery state of an outbound message
func (r *MemoryRepository) UpdateMessageStatus(ctx context.Context, id string, status v1.MessageStatus, providerMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return errors.NotFound("message", id)
	}
	msg.Status = status
	if providerMessageID != "" {
		msg.ProviderMessageID = providerMessageID
	}
	return nil
}

// ListMessages returns a conversation's messages ordered by original
// timestamp, newest last. A limit of 0 means no limit.
func (r *MemoryRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*v1.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Message
	for _, msg := range r.messages {
		if msg.ConversationID == conversationID {
			cp := *msg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OriginalTimestamp.Before(result[j].OriginalTimestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Tracked request operations

// CreateRequest stores a new tracked request
func (r *MemoryRepository) CreateRequest(ctx context.Context, req *v1.TrackedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

// SaveRequest updates an existing tracked request
func (r *MemoryRepository) SaveRequest(ctx context.Context, req *v1.TrackedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.ID]; !ok {
		return errors.NotFound("request", req.ID)
	}
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

// GetRequest retrieves a tracked request by ID
func (r *MemoryRepository) GetRequest(ctx context.Context, id string) (*v1.TrackedRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	cp := *req
	return &cp, nil
}

// ListRequests returns all tracked requests for a conversation, oldest first
func (r *MemoryRepository) ListRequests(ctx context.Context, conversationID string) ([]*v1.TrackedRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.TrackedRequest
	for _, req := range r.requests {
		if req.ConversationID == conversationID {
			cp := *req
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Conversation operations

// GetConversation retrieves a conversation by ID
func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (*v1.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, errors.NotFound("conversation", id)
	}
	cp := *conv
	return &cp, nil
}

// UpsertConversation creates or updates a conversation
func (r *MemoryRepository) UpsertConversation(ctx context.Context, conv *v1.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.conversations[conv.ID]; ok {
		conv.CreatedAt = existing.CreatedAt
	} else if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	cp := *conv
	r.conversations[conv.ID] = &cp
	return nil
}

// RecordHumanReply marks the time a human operator last answered
func (r *MemoryRepository) RecordHumanReply(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return errors.NotFound("conversation", conversationID)
	}
	now := time.Now().UTC()
	conv.LastHumanReplyAt = &now
	conv.UpdatedAt = now
	return nil
}

// Agent profile operations

// GetAgent retrieves an agent profile by ID
func (r *MemoryRepository) GetAgent(ctx context.Context, id string) (*v1.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	cp := *agent
	return &cp, nil
}

// PutAgent creates or updates an agent profile
func (r *MemoryRepository) PutAgent(ctx context.Context, agent *v1.AgentProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
	} else {
		if agent.ID == "" {
			agent.ID = uuid.New().String()
		}
		if agent.CreatedAt.IsZero() {
			agent.CreatedAt = now
		}
	}
	agent.UpdatedAt = now

	cp := *agent
	r.agents[agent.ID] = &cp
	return nil
}
