package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/common/logger"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

func newTestQueue(t *testing.T, maxSize int) *MessageQueue {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewMessageQueue(maxSize, log)
}

func msg(conv, id string, ts time.Time) *v1.Message {
	return &v1.Message{
		ID:                id,
		ConversationID:    conv,
		Direction:         v1.DirectionInbound,
		Kind:              v1.MessageKindText,
		Content:           "content " + id,
		ArrivedAt:         ts,
		OriginalTimestamp: ts,
	}
}

func TestMessageQueue_EnqueueDrain(t *testing.T) {
	q := newTestQueue(t, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(msg("conv-1", "m1", base)))
	require.NoError(t, q.Enqueue(msg("conv-1", "m2", base.Add(time.Second))))
	require.NoError(t, q.Enqueue(msg("conv-2", "other", base)))

	assert.Equal(t, 2, q.Len("conv-1"))
	assert.False(t, q.IsEmpty("conv-1"))

	batch := q.Drain("conv-1")
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].ID)
	assert.Equal(t, "m2", batch[1].ID)

	// Drained messages are gone; the other conversation is untouched.
	assert.True(t, q.IsEmpty("conv-1"))
	assert.Nil(t, q.Drain("conv-1"))
	assert.Equal(t, 1, q.Len("conv-2"))
}

func TestMessageQueue_DrainOrdersByOriginalTimestamp(t *testing.T) {
	q := newTestQueue(t, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Audio transcribed late arrives after a newer text message, but its
	// original timestamp is older.
	audio := msg("conv-1", "audio", base.Add(5*time.Second))
	audio.Kind = v1.MessageKindAudio
	audio.OriginalTimestamp = base

	require.NoError(t, q.Enqueue(msg("conv-1", "text", base.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(audio))

	batch := q.Drain("conv-1")
	require.Len(t, batch, 2)
	assert.Equal(t, "audio", batch[0].ID)
	assert.Equal(t, "text", batch[1].ID)
}

func TestMessageQueue_DrainIsExclusive(t *testing.T) {
	q := newTestQueue(t, 0)
	base := time.Now().UTC()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(msg("conv-1", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	total := 0
	drains := 0

	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			if batch := q.Drain("conv-1"); batch != nil {
				mu.Lock()
				total += len(batch)
				drains++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one drain wins and no message is delivered twice.
	assert.Equal(t, 1, drains)
	assert.Equal(t, n, total)
}

func TestMessageQueue_Update(t *testing.T) {
	q := newTestQueue(t, 0)
	base := time.Now().UTC()

	pending := msg("conv-1", "m1", base)
	pending.Kind = v1.MessageKindAudio
	pending.Pending = true
	pending.Content = ""
	require.NoError(t, q.Enqueue(pending))

	assert.True(t, q.HasPending("conv-1"))
	assert.True(t, q.Update("conv-1", "m1", "transcribed", false))
	assert.False(t, q.HasPending("conv-1"))

	batch := q.Drain("conv-1")
	require.Len(t, batch, 1)
	assert.Equal(t, "transcribed", batch[0].Content)
	assert.False(t, batch[0].Pending)

	// Already drained: update reports a miss.
	assert.False(t, q.Update("conv-1", "m1", "late", true))
}

func TestMessageQueue_Full(t *testing.T) {
	q := newTestQueue(t, 2)
	base := time.Now().UTC()

	require.NoError(t, q.Enqueue(msg("conv-1", "m1", base)))
	require.NoError(t, q.Enqueue(msg("conv-1", "m2", base)))
	assert.ErrorIs(t, q.Enqueue(msg("conv-1", "m3", base)), ErrQueueFull)

	// Other conversations have their own capacity.
	require.NoError(t, q.Enqueue(msg("conv-2", "m1", base)))
}

func TestMessageQueue_Conversations(t *testing.T) {
	q := newTestQueue(t, 0)
	base := time.Now().UTC()

	require.NoError(t, q.Enqueue(msg("conv-1", "m1", base)))
	require.NoError(t, q.Enqueue(msg("conv-2", "m2", base)))

	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, q.Conversations())

	q.Drain("conv-1")
	assert.ElementsMatch(t, []string{"conv-2"}, q.Conversations())
}
