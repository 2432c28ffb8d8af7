package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("turn.started.conv-1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("turn.started", "executor", map[string]interface{}{
		"conversation_id": "conv-1",
	})
	require.NoError(t, b.Publish(context.Background(), "turn.started.conv-1", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "turn.started", e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var subjectsSeen []string
	done := make(chan struct{}, 2)

	_, err := b.Subscribe("turn.cancelled.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		subjectsSeen = append(subjectsSeen, e.Data["conversation_id"].(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	for _, conv := range []string{"conv-a", "conv-b"} {
		e := NewEvent("turn.cancelled", "executor", map[string]interface{}{"conversation_id": conv})
		require.NoError(t, b.Publish(context.Background(), "turn.cancelled."+conv, e))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"conv-a", "conv-b"}, subjectsSeen)
}

func TestMemoryEventBus_WildcardDoesNotCrossTokens(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("reply.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	// Two tokens after the prefix must not match a single-token wildcard.
	e := NewEvent("reply.sent", "executor", nil)
	require.NoError(t, b.Publish(context.Background(), "reply.sent.conv-1", e))

	select {
	case <-received:
		t.Fatal("single-token wildcard matched a two-token suffix")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("message.queued", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	e := NewEvent("message.queued", "scheduler", nil)
	require.NoError(t, b.Publish(context.Background(), "message.queued", e))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("turn.completed.conv-1", func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "turn.completed.conv-1", NewEvent("turn.completed", "executor", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("turn.failed.conv-1", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var count int
	var mu sync.Mutex
	var wg sync.WaitGroup

	_, err := b.Subscribe("message.queued", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			e := NewEvent("message.queued", "scheduler", nil)
			_ = b.Publish(context.Background(), "message.queued", e)
		}()
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, count)
}
