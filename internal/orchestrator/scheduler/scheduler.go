// Package scheduler decides when a conversation's accumulated messages
// become an AI turn. It owns the debounce timers, the placeholder gate,
// and the abort handshake with a turn already in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/config"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/coordination"
	"github.com/convoflow/convoflow/internal/events"
	"github.com/convoflow/convoflow/internal/events/bus"
	"github.com/convoflow/convoflow/internal/media"
	"github.com/convoflow/convoflow/internal/orchestrator/executor"
	"github.com/convoflow/convoflow/internal/orchestrator/placeholder"
	"github.com/convoflow/convoflow/internal/orchestrator/queue"
	"github.com/convoflow/convoflow/internal/store"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// Scheduler is the engine's inbound surface. Message arrival, side-job
// resolution, and human replies all flow through it.
type Scheduler struct {
	queue        *queue.MessageQueue
	placeholders *placeholder.Registry
	executor     *executor.Executor
	media        *media.Runner
	repo         store.Repository
	eventBus     bus.EventBus

	cfg            config.EngineConfig
	defaultAgentID string

	mu     sync.Mutex
	timers map[string]*debounceTimer
	gen    uint64

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	logger *logger.Logger
}

// NewScheduler creates the scheduler and wires it to the placeholder
// janitor and the executor's rekick path.
func NewScheduler(
	q *queue.MessageQueue,
	placeholders *placeholder.Registry,
	exec *executor.Executor,
	mediaRunner *media.Runner,
	repo store.Repository,
	eventBus bus.EventBus,
	cfg config.EngineConfig,
	defaultAgentID string,
	log *logger.Logger,
) *Scheduler {
	s := &Scheduler{
		queue:          q,
		placeholders:   placeholders,
		executor:       exec,
		media:          mediaRunner,
		repo:           repo,
		eventBus:       eventBus,
		cfg:            cfg,
		defaultAgentID: defaultAgentID,
		timers:         make(map[string]*debounceTimer),
		stopCh:         make(chan struct{}),
		logger:         log.WithFields(zap.String("component", "scheduler")),
	}

	placeholders.SetExpiredHandler(s.onPlaceholderExpired)
	exec.SetRekickHandler(s.Rekick)
	return s
}

// Start launches the placeholder janitor.
func (s *Scheduler) Start() {
	s.placeholders.Start()
	s.logger.Info("Scheduler started",
		zap.Duration("debounce_window", s.cfg.DebounceWindow()),
		zap.Duration("placeholder_timeout", s.cfg.PlaceholderTimeout()))
}

// Stop cancels pending timers and waits for in-flight turns to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.placeholders.Stop()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// IsProcessing reports whether a turn is running for the conversation.
func (s *Scheduler) IsProcessing(conversationID string) bool {
	return s.executor.IsProcessing(conversationID)
}

// OnMessageArrived ingests one inbound message: persist it, queue it,
// kick off its side-job if it needs one, and decide how this affects the
// conversation's next turn.
func (s *Scheduler) OnMessageArrived(ctx context.Context, msg *v1.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message has no conversation id")
	}
	msg.Direction = v1.DirectionInbound
	msg.Pending = msg.Kind.NeedsPreparation()

	if err := s.ensureConversation(ctx, msg.ConversationID); err != nil {
		return err
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if err := s.queue.Enqueue(msg); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}

	log := s.logger.WithConversationID(msg.ConversationID)
	log.Debug("Message arrived",
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)))

	s.publish(events.MessageQueued, msg.ConversationID, map[string]interface{}{
		"message_id": msg.ID,
		"kind":       string(msg.Kind),
	})

	// The placeholder must be registered before the side-job runs so a
	// fast resolution can never race an unregistered entry, and before
	// the scheduling decision so the debounce gate sees it.
	if msg.Pending {
		s.placeholders.Register(msg.ConversationID, msg.ID)
		s.publish(events.PlaceholderRegistered, msg.ConversationID, map[string]interface{}{
			"message_id": msg.ID,
			"kind":       string(msg.Kind),
		})
		conversationID, messageID := msg.ConversationID, msg.ID
		s.media.Dispatch(messageID, v1.SideJobForKind(msg.Kind), msg.MediaURL, func(res v1.SideJobResult) {
			s.OnPlaceholderResolved(conversationID, messageID, res)
		})
	}

	// A turn already in flight, here or in a sibling process, is now
	// answering a stale batch.
	if s.executor.TurnActive(ctx, msg.ConversationID) {
		if err := s.executor.RequestAbort(ctx, msg.ConversationID); err != nil {
			log.Error("Failed to request abort", zap.Error(err))
		}
	}

	// Unresolved placeholders hold the batch open; the debounce window
	// opens when the last one resolves.
	if s.placeholders.HasPending(msg.ConversationID) {
		log.Debug("Placeholders pending, holding batch open")
		return nil
	}

	// A lone plain text message into an idle conversation runs without
	// waiting out the debounce window. The window exists to coalesce
	// bursts; the common single-message case should not pay its latency.
	if !msg.Kind.NeedsPreparation() && s.queue.Len(msg.ConversationID) == 1 &&
		!s.executor.TurnActive(ctx, msg.ConversationID) && !s.timerArmed(msg.ConversationID) {
		log.Debug("Single text message into idle conversation, running turn now")
		s.startTurn(msg.ConversationID)
		return nil
	}

	s.armDebounce(msg.ConversationID)
	return nil
}

// OnPlaceholderResolved applies a finished side-job to the queued message
// and, when it was the last open placeholder, opens the debounce window.
func (s *Scheduler) OnPlaceholderResolved(conversationID, messageID string, res v1.SideJobResult) {
	resolved, becameEmpty := s.placeholders.Complete(conversationID, messageID)
	if !resolved {
		// The janitor already force-completed it; the late result is
		// still persisted so history improves, but scheduling moved on.
		s.logger.WithConversationID(conversationID).Debug("Late side-job result for expired placeholder",
			zap.String("message_id", messageID))
		s.applyResolution(conversationID, messageID, res.Content, res.Failed)
		return
	}

	s.applyResolution(conversationID, messageID, res.Content, res.Failed)

	s.publish(events.PlaceholderResolved, conversationID, map[string]interface{}{
		"message_id": messageID,
		"degraded":   res.Failed,
	})
	if res.Failed {
		s.publish(events.MessageDegraded, conversationID, map[string]interface{}{
			"message_id": messageID,
			"error":      res.Err,
		})
	}

	if becameEmpty && !s.queue.IsEmpty(conversationID) {
		s.armDebounce(conversationID)
	}
}

// OnHumanReply records a human operator's reply, which suppresses bot
// turns for the takeover window and aborts one already in flight.
func (s *Scheduler) OnHumanReply(ctx context.Context, conversationID string) error {
	if err := s.repo.RecordHumanReply(ctx, conversationID); err != nil {
		return err
	}
	if s.executor.TurnActive(ctx, conversationID) {
		if err := s.executor.RequestAbort(ctx, conversationID); err != nil {
			return err
		}
	}
	s.logger.WithConversationID(conversationID).Info("Human reply recorded, bot suppressed")
	return nil
}

// Rekick re-arms the debounce window for a conversation whose queue
// refilled while its turn was running.
func (s *Scheduler) Rekick(conversationID string) {
	if s.placeholders.HasPending(conversationID) {
		return
	}
	s.armDebounce(conversationID)
}

// onPlaceholderExpired is the janitor callback: the side-job overran its
// budget, so the message joins the batch with fallback content.
func (s *Scheduler) onPlaceholderExpired(conversationID, messageID string) {
	fallback := media.AudioFallback
	if msg, ok := s.queue.Get(conversationID, messageID); ok && msg.Kind == v1.MessageKindImage {
		fallback = media.ImageFallback
	}

	s.applyResolution(conversationID, messageID, fallback, true)

	s.publish(events.PlaceholderExpired, conversationID, map[string]interface{}{
		"message_id": messageID,
	})

	if !s.placeholders.HasPending(conversationID) && !s.queue.IsEmpty(conversationID) {
		s.armDebounce(conversationID)
	}
}

// applyResolution writes resolved content to the queued message and to
// the repository.
func (s *Scheduler) applyResolution(conversationID, messageID, content string, degraded bool) {
	s.queue.Update(conversationID, messageID, content, degraded)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.UpdateMessageContent(ctx, messageID, content, degraded); err != nil {
		s.logger.WithConversationID(conversationID).Error("Failed to persist resolved content",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

// debounceTimer pairs a timer with the generation it was armed at.
// A fired callback that lost a race with a re-arm carries a stale
// generation and is discarded, so one window never produces two turns.
type debounceTimer struct {
	timer *time.Timer
	gen   uint64
}

// armDebounce opens (or resets) the conversation's debounce window. Every
// arrival restarts the window, so a burst of messages becomes one batch.
func (s *Scheduler) armDebounce(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[conversationID]; ok {
		t.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[conversationID] = &debounceTimer{
		gen: gen,
		timer: time.AfterFunc(s.cfg.DebounceWindow(), func() {
			s.onDebounceFired(conversationID, gen)
		}),
	}
}

func (s *Scheduler) onDebounceFired(conversationID string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.timers[conversationID]
	if !ok || entry.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, conversationID)
	s.mu.Unlock()

	// A placeholder registered after the window opened closes it again.
	if s.placeholders.HasPending(conversationID) {
		return
	}

	s.startTurn(conversationID)
}

func (s *Scheduler) timerArmed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[conversationID]
	return ok
}

// startTurn launches a turn goroutine. The waitgroup add happens under
// the same lock that Stop uses to set stopped, so a turn can never start
// after Stop began waiting.
func (s *Scheduler) startTurn(conversationID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runTurn(conversationID)
}

// runTurn executes one turn with bounded lock retries. If the previous
// turn has not released the lock after all attempts, the messages stay
// queued and the finishing turn's rekick re-arms the window.
func (s *Scheduler) runTurn(conversationID string) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Turn panicked",
				zap.String("conversation_id", conversationID),
				zap.Any("panic", r))
		}
	}()

	log := s.logger.WithConversationID(conversationID)

	for attempt := 1; attempt <= s.cfg.LockRetryAttempts; attempt++ {
		err := s.executor.Run(context.Background(), conversationID)
		if err == nil {
			return
		}
		if !errors.Is(err, coordination.ErrLockHeld) {
			log.Error("Turn execution failed", zap.Error(err))
			return
		}

		log.Debug("Turn lock held, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.LockRetryAttempts))

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.LockRetryDelay()):
		}
	}

	log.Warn("Gave up waiting for turn lock, messages remain queued",
		zap.Int("attempts", s.cfg.LockRetryAttempts))
}

func (s *Scheduler) ensureConversation(ctx context.Context, conversationID string) error {
	_, err := s.repo.GetConversation(ctx, conversationID)
	if err == nil {
		return nil
	}
	conv := &v1.Conversation{
		ID:        conversationID,
		ContactID: conversationID,
		AgentID:   s.defaultAgentID,
	}
	if err := s.repo.UpsertConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Scheduler) publish(eventType, conversationID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data["conversation_id"] = conversationID
	event := bus.NewEvent(eventType, "scheduler", data)
	subject := events.BuildTurnSubject(eventType, conversationID)
	if err := s.eventBus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
