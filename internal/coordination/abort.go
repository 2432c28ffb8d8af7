package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AbortSignal is the cross-process abort flag for a conversation. A new
// message arriving while a turn is running sets the flag; the running
// turn polls it at its checkpoints and stands down so the batch can be
// rebuilt with the fresh message included.
//
// The TTL guarantees a leaked flag cannot suppress replies forever.
type AbortSignal struct {
	store Store
	ttl   time.Duration
}

// NewAbortSignal creates an AbortSignal over the given store.
func NewAbortSignal(store Store, ttl time.Duration) *AbortSignal {
	return &AbortSignal{store: store, ttl: ttl}
}

func abortKey(conversationID string) string {
	return "abort:" + conversationID
}

// Set raises the abort flag for a conversation.
func (a *AbortSignal) Set(ctx context.Context, conversationID string) error {
	if err := a.store.Set(ctx, abortKey(conversationID), "1", a.ttl); err != nil {
		return fmt.Errorf("set abort flag: %w", err)
	}
	return nil
}

// IsSet reports whether the abort flag is currently raised.
func (a *AbortSignal) IsSet(ctx context.Context, conversationID string) (bool, error) {
	_, err := a.store.Get(ctx, abortKey(conversationID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check abort flag: %w", err)
	}
	return true, nil
}

// Clear lowers the abort flag. Clearing an absent flag is a no-op.
func (a *AbortSignal) Clear(ctx context.Context, conversationID string) error {
	if err := a.store.Del(ctx, abortKey(conversationID)); err != nil {
		return fmt.Errorf("clear abort flag: %w", err)
	}
	return nil
}
