package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a raw NATS subscription to the bus interface.
// Consumers watching conversation subjects (turn.*, placeholder.*) hold
// one of these and drop it via Unsubscribe when they lose interest.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe detaches the consumer from its conversation subjects.
// Safe on a subscription that never connected.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether events are still being delivered.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
