// Package placeholder tracks messages whose content is still being
// produced by a side-job. While a conversation has unresolved
// placeholders the scheduler holds its batch open; a janitor
// force-completes placeholders that outlive their timeout so one slow
// transcription can never stall the conversation.
package placeholder

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/logger"
)

// ExpiredHandler is called by the janitor for every placeholder that
// exceeded its timeout. It runs outside the registry lock.
type ExpiredHandler func(conversationID, messageID string)

// Registry tracks pending placeholders per conversation.
type Registry struct {
	mu      sync.Mutex
	pending map[string]map[string]time.Time // conversation -> message -> registered at

	timeout        time.Duration
	expiredHandler ExpiredHandler
	logger         *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry with the given placeholder timeout.
func NewRegistry(timeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		pending: make(map[string]map[string]time.Time),
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "placeholder-registry")),
		stopCh:  make(chan struct{}),
	}
}

// SetExpiredHandler installs the janitor callback. Must be called before
// Start.
func (r *Registry) SetExpiredHandler(handler ExpiredHandler) {
	r.expiredHandler = handler
}

// Start launches the janitor.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.janitorLoop()
	r.logger.Info("Placeholder registry started", zap.Duration("timeout", r.timeout))
}

// Stop terminates the janitor and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Placeholder registry stopped")
}

// Register records a placeholder for a message. It must be called
// synchronously on message arrival, before the side-job is dispatched,
// so the debounce timer can never observe the gap.
func (r *Registry) Register(conversationID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs, ok := r.pending[conversationID]
	if !ok {
		msgs = make(map[string]time.Time)
		r.pending[conversationID] = msgs
	}
	msgs[messageID] = time.Now()

	r.logger.Debug("Placeholder registered",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID))
}

// Complete resolves a placeholder. Returns whether it was still tracked
// and whether the conversation now has no placeholders left. Completing
// an unknown placeholder (already expired and force-completed) reports
// resolved=false.
func (r *Registry) Complete(conversationID, messageID string) (resolved, becameEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs, ok := r.pending[conversationID]
	if !ok {
		return false, false
	}
	if _, ok := msgs[messageID]; !ok {
		return false, false
	}

	delete(msgs, messageID)
	if len(msgs) == 0 {
		delete(r.pending, conversationID)
		return true, true
	}
	return true, false
}

// HasPending reports whether the conversation has unresolved placeholders.
func (r *Registry) HasPending(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending[conversationID]) > 0
}

// janitorLoop periodically force-completes placeholders older than the
// timeout.
func (r *Registry) janitorLoop() {
	defer r.wg.Done()

	interval := r.timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.expireStale()
		}
	}
}

type expired struct {
	conversationID string
	messageID      string
}

func (r *Registry) expireStale() {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.Lock()
	var stale []expired
	for conv, msgs := range r.pending {
		for id, registeredAt := range msgs {
			if registeredAt.Before(cutoff) {
				stale = append(stale, expired{conversationID: conv, messageID: id})
				delete(msgs, id)
			}
		}
		if len(msgs) == 0 {
			delete(r.pending, conv)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.logger.Warn("Placeholder expired, force-completing",
			zap.String("conversation_id", e.conversationID),
			zap.String("message_id", e.messageID),
			zap.Duration("timeout", r.timeout))
		if r.expiredHandler != nil {
			r.expiredHandler(e.conversationID, e.messageID)
		}
	}
}
