package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/common/config"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/coordination"
	"github.com/convoflow/convoflow/internal/llm"
	"github.com/convoflow/convoflow/internal/orchestrator/queue"
	"github.com/convoflow/convoflow/internal/store"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

type fakeLLM struct {
	mu       sync.Mutex
	response *llm.Response
	err      error
	delay    time.Duration
	onInvoke func()
	calls    int
}

func (f *fakeLLM) Invoke(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	onInvoke := f.onInvoke
	delay := f.delay
	f.mu.Unlock()

	if onInvoke != nil {
		onInvoke()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &llm.Response{
		Text:  "model reply",
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeLLM) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentReply struct {
	text     string
	quotedID string
}

type fakeDelivery struct {
	mu          sync.Mutex
	sent        []sentReply
	err         error
	count       int
	onComposing func()
}

func (f *fakeDelivery) Send(ctx context.Context, conversationID, text, quotedMessageID string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentReply{text: text, quotedID: quotedMessageID})
	return &Receipt{ProviderMessageID: "prov-1"}, nil
}

func (f *fakeDelivery) Composing(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	hook := f.onComposing
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeDelivery) sends() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.sent...)
}

type fixture struct {
	exec     *Executor
	queue    *queue.MessageQueue
	locks    *coordination.TurnLock
	abort    *coordination.AbortSignal
	repo     *store.MemoryRepository
	model    *fakeLLM
	delivery *fakeDelivery
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	kv := coordination.NewMemoryStore()
	locks := coordination.NewTurnLock(kv, time.Minute)
	abort := coordination.NewAbortSignal(kv, time.Minute)
	q := queue.NewMessageQueue(0, log)
	repo := store.NewMemoryRepository()
	model := &fakeLLM{}
	delivery := &fakeDelivery{}

	engineCfg := config.EngineConfig{
		DebounceWindowMS:      300,
		PlaceholderTimeoutSec: 15,
		LockLeaseSec:          60,
		AbortTTLSec:           60,
		HumanTakeoverMin:      10,
		LockRetryAttempts:     3,
		LockRetryDelayMS:      10,
	}
	llmCfg := config.LLMConfig{InputCostPer1K: 150, OutputCostPer1K: 600}

	exec := NewExecutor(q, locks, abort, repo, model, delivery, nil, engineCfg, llmCfg, log)

	return &fixture{
		exec:     exec,
		queue:    q,
		locks:    locks,
		abort:    abort,
		repo:     repo,
		model:    model,
		delivery: delivery,
	}
}

func (f *fixture) seedConversation(t *testing.T, conversationID string) {
	t.Helper()
	ctx := context.Background()

	agent := &v1.AgentProfile{
		ID:           "agent-1",
		Name:         "support",
		SystemPrompt: "be helpful",
		Model:        "gpt-4o-mini",
		MaxTokens:    256,
		Temperature:  0.5,
		Enabled:      true,
	}
	require.NoError(t, f.repo.PutAgent(ctx, agent))
	require.NoError(t, f.repo.UpsertConversation(ctx, &v1.Conversation{
		ID:        conversationID,
		ContactID: "contact-1",
		AgentID:   "agent-1",
	}))
}

func (f *fixture) enqueueText(t *testing.T, conversationID, content string, ts time.Time) *v1.Message {
	t.Helper()
	msg := &v1.Message{
		ConversationID:    conversationID,
		Direction:         v1.DirectionInbound,
		Kind:              v1.MessageKindText,
		Content:           content,
		ProviderMessageID: "wamid-" + content,
		ArrivedAt:         ts,
		OriginalTimestamp: ts,
	}
	require.NoError(t, f.repo.AppendMessage(context.Background(), msg))
	require.NoError(t, f.queue.Enqueue(msg))
	return msg
}

func (f *fixture) lastRequest(t *testing.T, conversationID string) *v1.TrackedRequest {
	t.Helper()
	reqs, err := f.repo.ListRequests(context.Background(), conversationID)
	require.NoError(t, err)
	require.NotEmpty(t, reqs)
	return reqs[len(reqs)-1]
}

func TestExecutor_RunCompletesTurn(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")

	base := time.Now().UTC()
	m1 := f.enqueueText(t, "conv-1", "first", base)
	m2 := f.enqueueText(t, "conv-1", "second", base.Add(time.Second))

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusCompleted, req.Status)
	assert.Equal(t, []string{m1.ID, m2.ID}, req.MessageIDs)
	assert.Equal(t, 10, req.InputTokens)
	assert.Equal(t, 5, req.OutputTokens)
	// 10/1000*150 + 5/1000*600
	assert.Equal(t, int64(4), req.CostMicroUSD)
	assert.NotNil(t, req.ModelStartedAt)
	assert.NotNil(t, req.FinishedAt)
	assert.NotEmpty(t, req.ReplyMessageID)

	sends := f.delivery.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "model reply", sends[0].text)
	// The quote carries the provider's message ID, which is the only ID
	// the transport can resolve to a chat bubble.
	assert.Equal(t, m2.ProviderMessageID, sends[0].quotedID)

	// The reply is persisted and marked sent.
	reply, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	msgs, err := f.repo.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, v1.DirectionOutbound, msgs[2].Direction)
	assert.Equal(t, v1.MessageStatusSent, msgs[2].Status)
	assert.Equal(t, "prov-1", msgs[2].ProviderMessageID)
	assert.Equal(t, reply.ReplyMessageID, msgs[2].ID)

	// Queue drained, lock released, context gone.
	assert.True(t, f.queue.IsEmpty("conv-1"))
	assert.False(t, f.exec.IsProcessing("conv-1"))
	token, err := f.locks.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(ctx, "conv-1", token))
}

func TestExecutor_RunLockHeld(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	_, err := f.locks.Acquire(ctx, "conv-1")
	require.NoError(t, err)

	err = f.exec.Run(ctx, "conv-1")
	assert.ErrorIs(t, err, coordination.ErrLockHeld)

	// The loser must not have touched the queue.
	assert.Equal(t, 1, f.queue.Len("conv-1"))
	assert.Zero(t, f.model.invocations())
}

func TestExecutor_RunEmptyQueue(t *testing.T) {
	f := setup(t)
	f.seedConversation(t, "conv-1")

	require.NoError(t, f.exec.Run(context.Background(), "conv-1"))
	assert.Zero(t, f.model.invocations())
	assert.False(t, f.exec.IsProcessing("conv-1"))
}

func TestExecutor_HumanTakeoverSuppressesTurn(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	require.NoError(t, f.repo.RecordHumanReply(ctx, "conv-1"))

	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	require.NoError(t, f.exec.Run(ctx, "conv-1"))
	assert.Zero(t, f.model.invocations())
	assert.Empty(t, f.delivery.sends())
}

func TestExecutor_HumanTakeoverExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.repo.UpsertConversation(ctx, &v1.Conversation{
		ID:               "conv-1",
		ContactID:        "contact-1",
		AgentID:          "agent-1",
		LastHumanReplyAt: &old,
	}))

	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	require.NoError(t, f.exec.Run(ctx, "conv-1"))
	assert.Equal(t, 1, f.model.invocations())
	assert.Len(t, f.delivery.sends(), 1)
}

func TestExecutor_AgentDisabled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	require.NoError(t, f.repo.PutAgent(ctx, &v1.AgentProfile{
		ID: "agent-1", Name: "support", Model: "gpt-4o-mini", Enabled: false,
	}))

	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	require.NoError(t, f.exec.Run(ctx, "conv-1"))
	assert.Zero(t, f.model.invocations())
}

func TestExecutor_AbortBeforeModel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	require.NoError(t, f.abort.Set(ctx, "conv-1"))

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusCancelled, req.Status)
	assert.Equal(t, v1.CancelStageBeforeModel, req.CancelStage)
	assert.NotNil(t, req.FinishedAt)

	// The model was never called and the batch went back in the queue.
	assert.Zero(t, f.model.invocations())
	assert.Equal(t, 1, f.queue.Len("conv-1"))

	// Cleanup cleared the flag so the follow-up turn is not poisoned.
	set, err := f.abort.IsSet(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, set)
}

func TestExecutor_AbortRaisedDuringPromptPreparation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	// The flag goes up while the turn is between its first checkpoint and
	// the model call (the typing-indicator round-trip sits in that
	// window). The model must not be paid for the stale turn.
	f.delivery.mu.Lock()
	f.delivery.onComposing = func() {
		require.NoError(t, f.abort.Set(ctx, "conv-1"))
	}
	f.delivery.mu.Unlock()

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusCancelled, req.Status)
	assert.Equal(t, v1.CancelStageBeforeModel, req.CancelStage)
	assert.Zero(t, f.model.invocations())
	assert.Equal(t, 1, f.queue.Len("conv-1"))
}

func TestExecutor_ReplyUnquotedWithoutProviderID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")

	// Messages that never got a provider ID (console transport, older
	// rows) cannot be quoted; the reply goes out plain.
	base := time.Now().UTC()
	for i, content := range []string{"first", "second"} {
		msg := &v1.Message{
			ConversationID:    "conv-1",
			Direction:         v1.DirectionInbound,
			Kind:              v1.MessageKindText,
			Content:           content,
			ArrivedAt:         base.Add(time.Duration(i) * time.Second),
			OriginalTimestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, f.repo.AppendMessage(ctx, msg))
		require.NoError(t, f.queue.Enqueue(msg))
	}

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	sends := f.delivery.sends()
	require.Len(t, sends, 1)
	assert.Empty(t, sends[0].quotedID)
}

func TestExecutor_AbortDuringModel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	f.model.delay = 5 * time.Second

	started := make(chan struct{})
	f.model.onInvoke = func() { close(started) }

	done := make(chan error, 1)
	go func() { done <- f.exec.Run(ctx, "conv-1") }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("model call never started")
	}
	require.NoError(t, f.exec.RequestAbort(ctx, "conv-1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stand down after abort")
	}

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusCancelled, req.Status)
	assert.Equal(t, v1.CancelStageDuringModel, req.CancelStage)
	assert.Empty(t, f.delivery.sends())
	assert.Equal(t, 1, f.queue.Len("conv-1"))
	assert.False(t, f.exec.IsProcessing("conv-1"))
}

func TestExecutor_AbortAfterModel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	// The flag is raised while the model call is in flight but too late
	// to interrupt it.
	f.model.onInvoke = func() {
		require.NoError(t, f.abort.Set(context.Background(), "conv-1"))
	}

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusCancelled, req.Status)
	assert.Equal(t, v1.CancelStageAfterModel, req.CancelStage)

	// The generated reply is discarded but its cost is still recorded.
	assert.Empty(t, f.delivery.sends())
	assert.Empty(t, req.ReplyMessageID)
	assert.Equal(t, 10, req.InputTokens)
	assert.Equal(t, 1, f.queue.Len("conv-1"))
}

func TestExecutor_DeliveryFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	f.delivery.err = assert.AnError

	err := f.exec.Run(ctx, "conv-1")
	require.Error(t, err)

	req := f.lastRequest(t, "conv-1")
	assert.Equal(t, v1.RequestStatusFailed, req.Status)
	assert.Contains(t, req.Error, "deliver reply")

	// The persisted reply is marked failed.
	msgs, lerr := f.repo.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, lerr)
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.MessageStatusFailed, msgs[1].Status)

	// Even a failed turn releases the lock.
	token, aerr := f.locks.Acquire(ctx, "conv-1")
	require.NoError(t, aerr)
	require.NoError(t, f.locks.Release(ctx, "conv-1", token))
}

func TestExecutor_RekickWhenQueueRefills(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedConversation(t, "conv-1")
	f.enqueueText(t, "conv-1", "hello", time.Now().UTC())

	rekicked := make(chan string, 1)
	f.exec.SetRekickHandler(func(conversationID string) {
		rekicked <- conversationID
	})

	// A new message lands mid-call without requesting an abort.
	f.model.onInvoke = func() {
		f.enqueueText(t, "conv-1", "one more", time.Now().UTC())
	}

	require.NoError(t, f.exec.Run(ctx, "conv-1"))

	select {
	case conv := <-rekicked:
		assert.Equal(t, "conv-1", conv)
	case <-time.After(time.Second):
		t.Fatal("rekick handler not invoked")
	}
}

func TestContextManager(t *testing.T) {
	m := NewContextManager()

	assert.False(t, m.IsProcessing("conv-1"))
	assert.False(t, m.Cancel("conv-1"))

	pc := m.Create("conv-1")
	assert.True(t, m.IsProcessing("conv-1"))
	assert.Equal(t, v1.StageInitializing, pc.CurrentStage())
	assert.False(t, pc.Cancelled())

	pc.SetStage(v1.StageCallingModel)
	assert.Equal(t, v1.StageCallingModel, pc.CurrentStage())

	assert.True(t, m.Cancel("conv-1"))
	assert.True(t, pc.Cancelled())

	// Replacing a context cancels its predecessor.
	pc2 := m.Create("conv-1")
	assert.False(t, pc2.Cancelled())

	m.Delete("conv-1")
	assert.False(t, m.IsProcessing("conv-1"))
	assert.True(t, pc2.Cancelled())
}
