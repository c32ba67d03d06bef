package pub

import "context"

// Producer defines the interface for publishing messages to topics.
type Producer interface {
	// PublishBatch publishes a batch of events to a topic partition. The
	// events share one entry id and are told apart by batch index.
	PublishBatch(ctx context.Context, topic string, partition int32, events ...Event) ([]MessageID, error)
}
