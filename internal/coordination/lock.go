package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by Acquire when another turn already owns the
// conversation's lock.
var ErrLockHeld = errors.New("coordination: turn lock held")

// TurnLock serializes turn execution per conversation. At most one turn
// may process a conversation at a time, across all engine processes.
// The lease bounds how long a crashed holder can block the conversation.
type TurnLock struct {
	store Store
	lease time.Duration
}

// NewTurnLock creates a TurnLock over the given store.
func NewTurnLock(store Store, lease time.Duration) *TurnLock {
	return &TurnLock{store: store, lease: lease}
}

func lockKey(conversationID string) string {
	return "turnlock:" + conversationID
}

// Acquire takes the lock for a conversation. The returned token must be
// passed to Release; it prevents a stale holder from releasing a lock
// that expired and was re-acquired.
func (l *TurnLock) Acquire(ctx context.Context, conversationID string) (string, error) {
	token := uuid.New().String()
	ok, err := l.store.SetNX(ctx, lockKey(conversationID), token, l.lease)
	if err != nil {
		return "", fmt.Errorf("acquire turn lock: %w", err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release frees the lock if token still owns it. Releasing an expired or
// stolen lock is a no-op.
func (l *TurnLock) Release(ctx context.Context, conversationID, token string) error {
	_, err := l.store.CompareAndDelete(ctx, lockKey(conversationID), token)
	if err != nil {
		return fmt.Errorf("release turn lock: %w", err)
	}
	return nil
}

// IsHeld reports whether any process currently holds the lock.
func (l *TurnLock) IsHeld(ctx context.Context, conversationID string) (bool, error) {
	_, err := l.store.Get(ctx, lockKey(conversationID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
