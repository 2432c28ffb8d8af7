package executor

import (
	"context"
	"sync"
	"time"

	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// ProcessingContext is the in-process record of a running turn. It exists
// from the moment the turn lock is acquired until cleanup, and carries
// the cancellation token that aborts a model call mid-flight.
type ProcessingContext struct {
	ConversationID string
	RequestID      string
	Stage          v1.ProcessingStage
	StartedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// Context returns the turn's cancellable context.
func (p *ProcessingContext) Context() context.Context {
	return p.ctx
}

// Cancelled reports whether the in-process abort token fired.
func (p *ProcessingContext) Cancelled() bool {
	return p.ctx.Err() != nil
}

// SetStage advances the turn's lifecycle stage.
func (p *ProcessingContext) SetStage(stage v1.ProcessingStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stage = stage
}

// CurrentStage returns the turn's lifecycle stage.
func (p *ProcessingContext) CurrentStage() v1.ProcessingStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stage
}

// SetRequestID binds the tracked request once it is created.
func (p *ProcessingContext) SetRequestID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RequestID = id
}

// ContextManager tracks the processing context of each conversation with
// a running turn. Its map doubles as the authoritative "is a turn
// running" answer for this process.
type ContextManager struct {
	mu       sync.RWMutex
	contexts map[string]*ProcessingContext
}

// NewContextManager creates an empty manager.
func NewContextManager() *ContextManager {
	return &ContextManager{
		contexts: make(map[string]*ProcessingContext),
	}
}

// Create registers a processing context for a conversation. The previous
// context, if any, is replaced; its cancellation token is fired so the
// orphaned turn cannot outlive its successor.
func (m *ContextManager) Create(conversationID string) *ProcessingContext {
	ctx, cancel := context.WithCancel(context.Background())
	pc := &ProcessingContext{
		ConversationID: conversationID,
		Stage:          v1.StageInitializing,
		StartedAt:      time.Now().UTC(),
		ctx:            ctx,
		cancel:         cancel,
	}

	m.mu.Lock()
	if prev, ok := m.contexts[conversationID]; ok {
		prev.cancel()
	}
	m.contexts[conversationID] = pc
	m.mu.Unlock()

	return pc
}

// Get returns the conversation's processing context, if any.
func (m *ContextManager) Get(conversationID string) (*ProcessingContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.contexts[conversationID]
	return pc, ok
}

// IsProcessing reports whether a turn is currently running for the
// conversation in this process.
func (m *ContextManager) IsProcessing(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.contexts[conversationID]
	return ok
}

// Cancel fires the conversation's in-process abort token. Returns false
// if no turn is running.
func (m *ContextManager) Cancel(conversationID string) bool {
	m.mu.RLock()
	pc, ok := m.contexts[conversationID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	pc.cancel()
	return true
}

// Delete removes the conversation's processing context. Only the owning
// turn calls this, as the first step of its cleanup sequence.
func (m *ContextManager) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pc, ok := m.contexts[conversationID]; ok {
		pc.cancel()
		delete(m.contexts, conversationID)
	}
}
