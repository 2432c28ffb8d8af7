// Package executor runs AI turns. A turn drains the conversation's
// queued messages under the turn lock, invokes the model, and delivers
// the reply, honoring abort requests at fixed checkpoints.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/config"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/coordination"
	"github.com/convoflow/convoflow/internal/events"
	"github.com/convoflow/convoflow/internal/events/bus"
	"github.com/convoflow/convoflow/internal/llm"
	"github.com/convoflow/convoflow/internal/orchestrator/queue"
	"github.com/convoflow/convoflow/internal/store"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// DefaultHistoryLimit bounds how much conversation history feeds the prompt.
const DefaultHistoryLimit = 50

// Receipt reports the outcome of delivering one reply.
type Receipt struct {
	ProviderMessageID string
}

// Delivery sends replies to the messaging transport.
type Delivery interface {
	// Send delivers a reply, optionally quoting an earlier message.
	Send(ctx context.Context, conversationID, text, quotedMessageID string) (*Receipt, error)

	// Composing shows a typing indicator while the reply is produced.
	// Failures are cosmetic and ignored.
	Composing(ctx context.Context, conversationID string) error
}

// Executor owns turn execution for all conversations in this process.
type Executor struct {
	queue    *queue.MessageQueue
	locks    *coordination.TurnLock
	abort    *coordination.AbortSignal
	contexts *ContextManager
	repo     store.Repository
	model    llm.Client
	delivery Delivery
	eventBus bus.EventBus

	engineCfg    config.EngineConfig
	llmCfg       config.LLMConfig
	historyLimit int

	// rekick re-schedules a conversation whose queue refilled while its
	// turn was running. Installed by the scheduler after construction.
	rekick func(conversationID string)

	logger *logger.Logger
}

// NewExecutor creates a turn executor.
func NewExecutor(
	q *queue.MessageQueue,
	locks *coordination.TurnLock,
	abort *coordination.AbortSignal,
	repo store.Repository,
	model llm.Client,
	delivery Delivery,
	eventBus bus.EventBus,
	engineCfg config.EngineConfig,
	llmCfg config.LLMConfig,
	log *logger.Logger,
) *Executor {
	return &Executor{
		queue:        q,
		locks:        locks,
		abort:        abort,
		contexts:     NewContextManager(),
		repo:         repo,
		model:        model,
		delivery:     delivery,
		eventBus:     eventBus,
		engineCfg:    engineCfg,
		llmCfg:       llmCfg,
		historyLimit: DefaultHistoryLimit,
		logger:       log.WithFields(zap.String("component", "turn-executor")),
	}
}

// SetRekickHandler installs the scheduler callback invoked when a turn
// finishes and finds its conversation's queue refilled.
func (e *Executor) SetRekickHandler(fn func(conversationID string)) {
	e.rekick = fn
}

// IsProcessing reports whether a turn is running for the conversation in
// this process.
func (e *Executor) IsProcessing(conversationID string) bool {
	return e.contexts.IsProcessing(conversationID)
}

// TurnActive reports whether a turn is running for the conversation in
// any process. The local context map only knows about this process, so
// it is corroborated with the distributed lock before deciding a
// conversation is idle.
func (e *Executor) TurnActive(ctx context.Context, conversationID string) bool {
	if e.contexts.IsProcessing(conversationID) {
		return true
	}
	held, err := e.locks.IsHeld(ctx, conversationID)
	if err != nil {
		e.logger.Error("Failed to check turn lock",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return held
}

// RequestAbort asks the running turn to stand down: the cross-process
// flag covers other processes, the in-process token interrupts a model
// call already in flight. The turn itself performs all cleanup at its
// next checkpoint.
func (e *Executor) RequestAbort(ctx context.Context, conversationID string) error {
	if err := e.abort.Set(ctx, conversationID); err != nil {
		return err
	}
	if e.contexts.Cancel(conversationID) {
		e.logger.Info("Abort requested for running turn",
			zap.String("conversation_id", conversationID))
	}
	return nil
}

// Run executes one turn for a conversation. It returns
// coordination.ErrLockHeld without side effects when another turn owns
// the conversation. A cancelled turn is not an error.
func (e *Executor) Run(ctx context.Context, conversationID string) error {
	token, err := e.locks.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}

	pc := e.contexts.Create(conversationID)
	log := e.logger.WithConversationID(conversationID)

	// Cleanup must run in this exact order: drop the processing context
	// so the conversation no longer reads as busy, clear the abort flag
	// so it cannot leak into the next turn, then release the lock.
	defer func() {
		e.contexts.Delete(conversationID)
		if err := e.abort.Clear(context.Background(), conversationID); err != nil {
			log.Error("Failed to clear abort flag during cleanup", zap.Error(err))
		}
		if err := e.locks.Release(context.Background(), conversationID, token); err != nil {
			log.Error("Failed to release turn lock during cleanup", zap.Error(err))
		}
		if !e.queue.IsEmpty(conversationID) && e.rekick != nil {
			log.Debug("Queue refilled during turn, re-scheduling")
			e.rekick(conversationID)
		}
	}()

	batch := e.queue.Drain(conversationID)
	if len(batch) == 0 {
		log.Debug("Turn found empty queue, nothing to do")
		e.publish(events.TurnSkipped, conversationID, map[string]interface{}{
			"reason": "empty_queue",
		})
		return nil
	}

	pc.SetStage(v1.StagePreparing)
	log.Info("Turn started", zap.Int("batch_size", len(batch)))

	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		log.Error("Failed to load conversation", zap.Error(err))
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	if e.humanActive(conv) {
		log.Info("Human operator active, suppressing bot reply")
		e.publish(events.TurnSkipped, conversationID, map[string]interface{}{
			"reason": "human_takeover",
		})
		return nil
	}

	agent, err := e.repo.GetAgent(ctx, conv.AgentID)
	if err != nil {
		log.Error("Failed to load agent profile",
			zap.String("agent_id", conv.AgentID), zap.Error(err))
		return fmt.Errorf("load agent %s: %w", conv.AgentID, err)
	}
	if !agent.Enabled {
		log.Info("Agent disabled, skipping turn", zap.String("agent_id", agent.ID))
		e.publish(events.TurnSkipped, conversationID, map[string]interface{}{
			"reason": "agent_disabled",
		})
		return nil
	}

	req := &v1.TrackedRequest{
		ConversationID: conversationID,
		MessageIDs:     messageIDs(batch),
		Status:         v1.RequestStatusProcessing,
		Model:          agent.Model,
	}
	if err := e.repo.CreateRequest(ctx, req); err != nil {
		log.Error("Failed to create tracked request", zap.Error(err))
		return fmt.Errorf("create tracked request: %w", err)
	}
	pc.SetRequestID(req.ID)
	log = log.WithRequestID(req.ID)

	e.publish(events.TurnStarted, conversationID, map[string]interface{}{
		"request_id": req.ID,
		"batch_size": len(batch),
	})

	// Checkpoint: a message that arrived between scheduling and now
	// means this batch is already stale.
	if e.abortRequested(ctx, conversationID, pc) {
		return e.cancelTurn(ctx, log, req, batch, v1.CancelStageBeforeModel)
	}

	prompt, err := e.buildPrompt(ctx, agent, conversationID)
	if err != nil {
		return e.failTurn(ctx, log, req, fmt.Errorf("build prompt: %w", err))
	}

	pc.SetStage(v1.StageCallingModel)
	_ = e.delivery.Composing(pc.Context(), conversationID)

	// Checkpoint: the prompt build and the presence update both take real
	// time; a flag raised meanwhile must stop the turn before the model
	// call is paid for.
	if e.abortRequested(ctx, conversationID, pc) {
		return e.cancelTurn(ctx, log, req, batch, v1.CancelStageBeforeModel)
	}

	startedAt := time.Now().UTC()
	req.ModelStartedAt = &startedAt

	resp, err := e.model.Invoke(pc.Context(), prompt)

	finishedAt := time.Now().UTC()
	req.ModelFinishedAt = &finishedAt

	if err != nil {
		if errors.Is(err, context.Canceled) || pc.Cancelled() {
			return e.cancelTurn(ctx, log, req, batch, v1.CancelStageDuringModel)
		}
		return e.failTurn(ctx, log, req, fmt.Errorf("model invocation: %w", err))
	}

	req.InputTokens = resp.Usage.InputTokens
	req.OutputTokens = resp.Usage.OutputTokens
	req.CostMicroUSD = llm.CostMicroUSD(resp.Usage, e.llmCfg.InputCostPer1K, e.llmCfg.OutputCostPer1K)

	// Checkpoint: the model finished but a newer message makes this reply
	// stale. The generated text is discarded, only its cost is kept.
	if e.abortRequested(ctx, conversationID, pc) {
		return e.cancelTurn(ctx, log, req, batch, v1.CancelStageAfterModel)
	}

	pc.SetStage(v1.StageMessageSaved)
	reply := &v1.Message{
		ConversationID: conversationID,
		Direction:      v1.DirectionOutbound,
		Kind:           v1.MessageKindText,
		Content:        resp.Text,
		Status:         v1.MessageStatusPending,
	}
	if len(batch) > 1 {
		// Quote the newest batched message so the user can tell which
		// burst this reply answers. The transport only understands the
		// provider's own message ID; a message without one is delivered
		// unquoted.
		reply.QuotedMessageID = batch[len(batch)-1].ProviderMessageID
	}
	if err := e.repo.AppendMessage(ctx, reply); err != nil {
		return e.failTurn(ctx, log, req, fmt.Errorf("persist reply: %w", err))
	}
	req.ReplyMessageID = reply.ID

	pc.SetStage(v1.StageSendingMessage)
	receipt, err := e.delivery.Send(ctx, conversationID, resp.Text, reply.QuotedMessageID)
	if err != nil {
		if updErr := e.repo.UpdateMessageStatus(ctx, reply.ID, v1.MessageStatusFailed, ""); updErr != nil {
			log.Error("Failed to mark reply as failed", zap.Error(updErr))
		}
		e.publish(events.ReplyFailed, conversationID, map[string]interface{}{
			"request_id": req.ID,
			"message_id": reply.ID,
			"error":      err.Error(),
		})
		return e.failTurn(ctx, log, req, fmt.Errorf("deliver reply: %w", err))
	}
	if err := e.repo.UpdateMessageStatus(ctx, reply.ID, v1.MessageStatusSent, receipt.ProviderMessageID); err != nil {
		log.Error("Failed to mark reply as sent", zap.Error(err))
	}
	e.publish(events.ReplySent, conversationID, map[string]interface{}{
		"request_id": req.ID,
		"message_id": reply.ID,
	})

	pc.SetStage(v1.StageDone)
	req.Status = v1.RequestStatusCompleted
	now := time.Now().UTC()
	req.FinishedAt = &now
	if err := e.repo.SaveRequest(ctx, req); err != nil {
		log.Error("Failed to finalize tracked request", zap.Error(err))
	}

	e.publish(events.TurnCompleted, conversationID, map[string]interface{}{
		"request_id":    req.ID,
		"input_tokens":  req.InputTokens,
		"output_tokens": req.OutputTokens,
	})
	log.Info("Turn completed",
		zap.Int("input_tokens", req.InputTokens),
		zap.Int("output_tokens", req.OutputTokens))
	return nil
}

// humanActive reports whether a human operator answered recently enough
// that the bot must stay silent.
func (e *Executor) humanActive(conv *v1.Conversation) bool {
	if conv.LastHumanReplyAt == nil {
		return false
	}
	return time.Since(*conv.LastHumanReplyAt) < e.engineCfg.HumanTakeoverWindow()
}

// abortRequested checks both abort channels: the in-process token and
// the cross-process flag.
func (e *Executor) abortRequested(ctx context.Context, conversationID string, pc *ProcessingContext) bool {
	if pc.Cancelled() {
		return true
	}
	set, err := e.abort.IsSet(ctx, conversationID)
	if err != nil {
		e.logger.Error("Failed to check abort flag",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return set
}

// cancelTurn records the cancellation and puts the batch back in the
// queue so the follow-up turn answers these messages together with the
// one that triggered the abort.
func (e *Executor) cancelTurn(ctx context.Context, log *logger.Logger, req *v1.TrackedRequest, batch []*v1.Message, stage v1.CancelStage) error {
	for _, msg := range batch {
		if err := e.queue.Enqueue(msg); err != nil {
			log.Error("Failed to requeue message after cancellation",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	req.Status = v1.RequestStatusCancelled
	req.CancelStage = stage
	now := time.Now().UTC()
	req.FinishedAt = &now
	if err := e.repo.SaveRequest(ctx, req); err != nil {
		log.Error("Failed to record cancellation", zap.Error(err))
	}

	e.publish(events.TurnCancelled, req.ConversationID, map[string]interface{}{
		"request_id":   req.ID,
		"cancel_stage": string(stage),
	})
	log.Info("Turn cancelled", zap.String("cancel_stage", string(stage)))
	return nil
}

func (e *Executor) failTurn(ctx context.Context, log *logger.Logger, req *v1.TrackedRequest, cause error) error {
	req.Status = v1.RequestStatusFailed
	req.Error = cause.Error()
	now := time.Now().UTC()
	req.FinishedAt = &now
	if err := e.repo.SaveRequest(ctx, req); err != nil {
		log.Error("Failed to record turn failure", zap.Error(err))
	}

	e.publish(events.TurnFailed, req.ConversationID, map[string]interface{}{
		"request_id": req.ID,
		"error":      cause.Error(),
	})
	log.Error("Turn failed", zap.Error(cause))
	return cause
}

// buildPrompt assembles the model request from persisted history. The
// batch itself is already part of history; ordering by original
// timestamp is the repository's contract.
func (e *Executor) buildPrompt(ctx context.Context, agent *v1.AgentProfile, conversationID string) (*llm.Request, error) {
	history, err := e.repo.ListMessages(ctx, conversationID, e.historyLimit)
	if err != nil {
		return nil, err
	}

	req := &llm.Request{
		Model:       agent.Model,
		System:      agent.SystemPrompt,
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
	}
	for _, msg := range history {
		if msg.Pending || msg.Content == "" {
			continue
		}
		role := llm.RoleUser
		if msg.Direction == v1.DirectionOutbound {
			role = llm.RoleAssistant
		}
		req.Messages = append(req.Messages, llm.ChatMessage{Role: role, Content: msg.Content})
	}
	return req, nil
}

func (e *Executor) publish(eventType, conversationID string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	data["conversation_id"] = conversationID
	event := bus.NewEvent(eventType, "turn-executor", data)
	subject := events.BuildTurnSubject(eventType, conversationID)
	if err := e.eventBus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func messageIDs(batch []*v1.Message) []string {
	ids := make([]string, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.ID)
	}
	return ids
}
