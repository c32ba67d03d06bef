package pub

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by InsertLease when another consumer on the same
// subscription already holds the message.
var ErrLeaseHeld = errors.New("message lease already held")

// SubscribeRequest describes a consumer attaching to a subscription.
type SubscribeRequest struct {
	Topic        string
	Subscription string
	ConsumerName string
	Type         SubscriptionType
}

// Controller is the broker collaborator consumers and producers talk to.
// It stores messages, tracks subscription cursors (durable cumulative acks),
// ack receipts (durable individual acks) and leases on delivered but
// unacknowledged messages.
type Controller interface {
	// Subscribe registers the subscription if it does not exist yet.
	Subscribe(ctx context.Context, req SubscribeRequest) error

	// Unsubscribe removes the subscription with its cursors, receipts and
	// leases.
	Unsubscribe(ctx context.Context, topic, sub string) error

	// GetCursor returns the cumulative ack position of a subscription on a
	// partition, or EarliestMessageID for a new subscription.
	GetCursor(ctx context.Context, topic, sub string, partition int32) (MessageID, error)

	// LoadMessages returns up to limit messages on a partition ordered by id,
	// strictly after the given id, skipping messages the subscription has
	// already acknowledged individually.
	LoadMessages(ctx context.Context, topic, sub string, partition int32, after MessageID, limit int) ([]Message, error)

	// LoadMessage returns a single message by id.
	LoadMessage(ctx context.Context, topic string, id MessageID) (Message, error)

	// InsertMessage stores a newly published message.
	InsertMessage(ctx context.Context, msg Message) error

	// GetEntryID returns the next entry id to assign on a partition.
	GetEntryID(ctx context.Context, topic string, partition int32) (int64, error)

	// CommitEntryID advances the next entry id of a partition. Lower values
	// are ignored.
	CommitEntryID(topic string, partition int32, entryID int64) error

	// InsertLease records that msg has been handed to a consumer. It fails
	// with ErrLeaseHeld when the lease already exists.
	InsertLease(ctx context.Context, topic, sub string, id MessageID, ttl time.Duration) error

	// Ack durably records individual acknowledgments.
	Ack(ctx context.Context, topic, sub string, ids []MessageID) error

	// AckCumulative durably advances the subscription cursor to id.
	AckCumulative(ctx context.Context, topic, sub string, id MessageID) error

	// Redeliver releases the leases on ids so they can be delivered again.
	Redeliver(ctx context.Context, topic, sub string, ids []MessageID) error

	// CloseConsumer releases the leases still held by a closing consumer.
	CloseConsumer(ctx context.Context, topic, sub string, unacked []MessageID) error
}
