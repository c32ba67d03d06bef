package pub

import (
	"context"
	"time"
)

// Consumer defines the interface for consuming messages from a subscription.
type Consumer interface {
	// Topic returns the topic this consumer is subscribed to.
	Topic() string

	// Subscription returns the subscription name.
	Subscription() string

	// Subscribe establishes the subscription with the controller.
	Subscribe(ctx context.Context) error

	// Receive blocks until a message is available, the consumer is closed,
	// or ctx is done. An expired ctx deadline is reported as ErrTimeout.
	Receive(ctx context.Context) (Message, error)

	// ReceiveTimeout is Receive bounded by timeout.
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (Message, error)

	// Acknowledge marks a single message as processed.
	Acknowledge(ctx context.Context, msg Ackable) (*AckReceipt, error)

	// AcknowledgeCumulative marks every message up to and including msg on
	// its partition as processed.
	AcknowledgeCumulative(ctx context.Context, msg Ackable) (*AckReceipt, error)

	// PauseMessageListener stops requesting more messages. Buffered messages
	// can still be received.
	PauseMessageListener() error

	// ResumeMessageListener restarts flow after a pause.
	ResumeMessageListener() error

	// RedeliverUnacknowledgedMessages asks for every pending message to be
	// delivered again.
	RedeliverUnacknowledgedMessages(ctx context.Context) error

	// Unsubscribe removes the subscription permanently.
	Unsubscribe(ctx context.Context) error

	// Close releases local resources. It is safe to call repeatedly.
	Close(ctx context.Context) error
}

// Deliverer is the side of a consumer facing the delivery path.
type Deliverer interface {
	// Push hands a decoded message to the consumer. It blocks while the
	// delivery queue is full.
	Push(ctx context.Context, msg Message) error
}

// FlowListener receives flow control signals from a consumer's delivery
// queue. Implementations must not block.
type FlowListener interface {
	// Flow grants the delivery path permits more messages.
	Flow(permits int)

	// Backpressure reports that the delivery queue is full.
	Backpressure()

	// Resume reports that the delivery queue drained below its low water mark.
	Resume()
}
