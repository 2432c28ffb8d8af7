package placeholder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/common/logger"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewRegistry(timeout, log)
}

func TestRegistry_RegisterComplete(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	assert.False(t, r.HasPending("conv-1"))

	r.Register("conv-1", "m1")
	r.Register("conv-1", "m2")
	assert.True(t, r.HasPending("conv-1"))
	assert.False(t, r.HasPending("conv-2"))

	resolved, becameEmpty := r.Complete("conv-1", "m1")
	assert.True(t, resolved)
	assert.False(t, becameEmpty)
	assert.True(t, r.HasPending("conv-1"))

	resolved, becameEmpty = r.Complete("conv-1", "m2")
	assert.True(t, resolved)
	assert.True(t, becameEmpty)
	assert.False(t, r.HasPending("conv-1"))
}

func TestRegistry_CompleteUnknown(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	resolved, becameEmpty := r.Complete("conv-1", "m1")
	assert.False(t, resolved)
	assert.False(t, becameEmpty)

	// A placeholder completed twice reports resolved only once.
	r.Register("conv-1", "m1")
	resolved, _ = r.Complete("conv-1", "m1")
	assert.True(t, resolved)
	resolved, _ = r.Complete("conv-1", "m1")
	assert.False(t, resolved)
}

func TestRegistry_JanitorForceCompletes(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)

	var mu sync.Mutex
	var expiredIDs []string
	r.SetExpiredHandler(func(conversationID, messageID string) {
		mu.Lock()
		expiredIDs = append(expiredIDs, messageID)
		mu.Unlock()
	})

	r.Start()
	defer r.Stop()

	r.Register("conv-1", "m1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expiredIDs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"m1"}, expiredIDs)
	mu.Unlock()

	assert.False(t, r.HasPending("conv-1"))

	// The side-job finishing late finds nothing to resolve.
	resolved, _ := r.Complete("conv-1", "m1")
	assert.False(t, resolved)
}

func TestRegistry_JanitorLeavesFreshPlaceholders(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	expiredCh := make(chan string, 1)
	r.SetExpiredHandler(func(conversationID, messageID string) {
		expiredCh <- messageID
	})

	r.Start()
	defer r.Stop()

	r.Register("conv-1", "m1")

	select {
	case id := <-expiredCh:
		t.Fatalf("fresh placeholder %s was expired", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, r.HasPending("conv-1"))
}
