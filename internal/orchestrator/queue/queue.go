// Package queue holds the per-conversation buffers where inbound messages
// accumulate until a turn drains them.
package queue

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/logger"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// ErrQueueFull is returned when a conversation's buffer is at capacity
var ErrQueueFull = errors.New("conversation queue is full")

// DefaultMaxPerConversation bounds a single conversation's buffer.
const DefaultMaxPerConversation = 100

// MessageQueue buffers inbound messages per conversation. Messages stay
// queued while the debounce window is open and while placeholders resolve;
// a turn removes them all at once with Drain.
type MessageQueue struct {
	mu      sync.RWMutex
	buffers map[string][]*v1.Message
	maxSize int
	logger  *logger.Logger
}

// NewMessageQueue creates an empty queue. maxSize <= 0 selects the default.
func NewMessageQueue(maxSize int, log *logger.Logger) *MessageQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxPerConversation
	}
	return &MessageQueue{
		buffers: make(map[string][]*v1.Message),
		maxSize: maxSize,
		logger:  log.WithFields(zap.String("component", "message-queue")),
	}
}

// Enqueue appends a message to its conversation's buffer.
func (q *MessageQueue) Enqueue(msg *v1.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf := q.buffers[msg.ConversationID]
	if len(buf) >= q.maxSize {
		return ErrQueueFull
	}
	q.buffers[msg.ConversationID] = append(buf, msg)

	q.logger.Debug("Message enqueued",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.Int("queued", len(buf)+1))
	return nil
}

// Drain atomically removes and returns every queued message for a
// conversation, ordered by original timestamp. Two concurrent turns can
// never receive the same message: the loser sees an empty slice.
func (q *MessageQueue) Drain(conversationID string) []*v1.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	buf, ok := q.buffers[conversationID]
	if !ok || len(buf) == 0 {
		return nil
	}
	delete(q.buffers, conversationID)

	sort.SliceStable(buf, func(i, j int) bool {
		return buf[i].OriginalTimestamp.Before(buf[j].OriginalTimestamp)
	})

	q.logger.Debug("Queue drained",
		zap.String("conversation_id", conversationID),
		zap.Int("count", len(buf)))
	return buf
}

// Update mutates a queued message in place once its side-job resolves.
// Returns false if the message is no longer queued (already drained).
func (q *MessageQueue) Update(conversationID, messageID, content string, degraded bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range q.buffers[conversationID] {
		if msg.ID == messageID {
			msg.Content = content
			msg.Pending = false
			msg.Degraded = degraded
			return true
		}
	}
	return false
}

// Get returns a queued message by ID.
func (q *MessageQueue) Get(conversationID, messageID string) (*v1.Message, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, msg := range q.buffers[conversationID] {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return nil, false
}

// Len returns the number of messages queued for a conversation.
func (q *MessageQueue) Len(conversationID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.buffers[conversationID])
}

// IsEmpty reports whether the conversation has no queued messages.
func (q *MessageQueue) IsEmpty(conversationID string) bool {
	return q.Len(conversationID) == 0
}

// HasPending reports whether any queued message is still waiting on a
// side-job.
func (q *MessageQueue) HasPending(conversationID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, msg := range q.buffers[conversationID] {
		if msg.Pending {
			return true
		}
	}
	return false
}

// Conversations returns the IDs of all conversations with queued messages.
func (q *MessageQueue) Conversations() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := make([]string, 0, len(q.buffers))
	for id, buf := range q.buffers {
		if len(buf) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
