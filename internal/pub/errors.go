package pub

import "errors"

// Error kinds surfaced by consumers. Match them with errors.Is; collaborator
// failures wrap ErrTransportFailure together with the underlying cause.
var (
	// ErrConsumerNotReady is returned for operations attempted before the
	// subscription has been established.
	ErrConsumerNotReady = errors.New("consumer not ready")

	// ErrConsumerClosed is returned for operations attempted after close or
	// unsubscribe, and to receivers unblocked by a concurrent close.
	ErrConsumerClosed = errors.New("consumer closed")

	// ErrTimeout is returned when a timed receive exceeds its deadline.
	ErrTimeout = errors.New("receive timed out")

	// ErrInvalidMessageID is returned when acknowledging an id that was
	// never delivered to the consumer.
	ErrInvalidMessageID = errors.New("invalid message id")

	// ErrAlreadyClosed is returned by a duplicate unsubscribe.
	ErrAlreadyClosed = errors.New("consumer already closed")

	// ErrQueueClosed is returned to the delivery path when it pushes into a
	// closed consumer.
	ErrQueueClosed = errors.New("delivery queue closed")

	// ErrTransportFailure wraps any failure reported by the controller.
	ErrTransportFailure = errors.New("transport failure")

	// ErrOutOfOrder is returned to the delivery path when it pushes an id
	// older than one already delivered on the same partition.
	ErrOutOfOrder = errors.New("message id out of order")

	// ErrCumulativeAckNotAllowed is returned for cumulative acks on shared
	// subscriptions, where ordering across consumers is not defined.
	ErrCumulativeAckNotAllowed = errors.New("cumulative ack not allowed on shared subscription")

	// ErrEntryConflict is returned by producers when an id they assigned
	// already holds a different message.
	ErrEntryConflict = errors.New("entry already claimed")
)
