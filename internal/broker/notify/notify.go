// Package notify carries in-process "deliveries available" signals from the
// publisher to idle workers, so that a worker sleeping in its idle backoff
// can poll again right after a publish. Signals are hints only: workers keep
// polling on their own schedule and correctness never depends on them.
package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Notifier fans subscription names out to listeners over a watermill
// go-channel pub/sub. Each subscription name is a watermill topic.
type Notifier struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

// New creates a Notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("notify")

	return &Notifier{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, NewLoggerAdapter(logger)),
		logger: logger,
	}
}

// Notify signals that the named subscriptions received deliveries.
func (n *Notifier) Notify(_ context.Context, subscriptions ...string) error {
	for _, sub := range subscriptions {
		if err := n.pubsub.Publish(sub, message.NewMessage(watermill.NewUUID(), nil)); err != nil {
			return fmt.Errorf("failed to notify subscription %s: %w", sub, err)
		}
	}

	return nil
}

// Subscribe returns a channel receiving a value after deliveries were
// published for subscription. Bursts collapse into one pending signal. The
// channel is closed when ctx is done or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context, subscription string) (<-chan struct{}, error) {
	messages, err := n.pubsub.Subscribe(ctx, subscription)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subscription, err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for msg := range messages {
			msg.Ack()
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	return signals, nil
}

// Close stops the underlying pub/sub and closes all subscriber channels.
func (n *Notifier) Close() error {
	if err := n.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close notifier: %w", err)
	}

	return nil
}
