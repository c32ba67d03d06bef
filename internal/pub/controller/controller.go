package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"pubclient/internal/couchbase"
	"pubclient/internal/pub"
	"pubclient/internal/validator"
)

// messageTTL bounds how long published messages are retained.
const messageTTL = 7 * 24 * time.Hour

// Stores groups the collections the controller works on.
type Stores struct {
	Cursors       *couchbase.Couchbase[pub.Cursor]
	Leases        *couchbase.Couchbase[pub.Lease]
	Messages      *couchbase.Couchbase[pub.Message]
	EntryCounters *couchbase.Couchbase[pub.EntryCounter]
	Receipts      *couchbase.Couchbase[pub.Receipt]
	Subscriptions *couchbase.Couchbase[pub.Subscription]
}

// NewStores opens every collection the controller needs in scope.
func NewStores(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (Stores, error) {
	var (
		stores Stores
		err    error
	)
	if stores.Cursors, err = openStore[pub.Cursor](cluster, bucket, scope, "cursors"); err != nil {
		return Stores{}, err
	}
	if stores.Leases, err = openStore[pub.Lease](cluster, bucket, scope, "leases"); err != nil {
		return Stores{}, err
	}
	if stores.Messages, err = openStore[pub.Message](cluster, bucket, scope, "messages"); err != nil {
		return Stores{}, err
	}
	if stores.EntryCounters, err = openStore[pub.EntryCounter](cluster, bucket, scope, "offsets"); err != nil {
		return Stores{}, err
	}
	if stores.Receipts, err = openStore[pub.Receipt](cluster, bucket, scope, "receipts"); err != nil {
		return Stores{}, err
	}
	if stores.Subscriptions, err = openStore[pub.Subscription](cluster, bucket, scope, "subscriptions"); err != nil {
		return Stores{}, err
	}

	return stores, nil
}

func openStore[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, scope, name string) (*couchbase.Couchbase[T], error) {
	if bucket == nil {
		return nil, fmt.Errorf("failed to open %s store: nil bucket", name)
	}

	store, err := couchbase.NewCouchbase[T](cluster, bucket, bucket.Scope(scope).Collection(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}

	return store, nil
}

// Controller is the concrete implementation of the pub.Controller interface.
// It persists messages, subscription cursors, ack receipts, leases and entry
// counters in Couchbase, using distributed transactions where a value must
// only move forward.
type Controller struct {
	stores       Stores
	transactions *couchbase.Transactions
	now          func() time.Time
}

// NewController creates a new Controller instance with the provided storage dependencies.
// All storage instances must be pre-configured with their respective Couchbase collections.
func NewController(stores Stores, transactions *couchbase.Transactions) (*Controller, error) {
	c := Controller{
		stores:       stores,
		transactions: transactions,
		now:          func() time.Time { return time.Now().UTC() },
	}

	if err := validator.Validate(
		"controller",
		c.stores.Cursors,
		c.stores.Leases,
		c.stores.Messages,
		c.stores.EntryCounters,
		c.stores.Receipts,
		c.stores.Subscriptions,
		c.transactions,
	); err != nil {
		return nil, fmt.Errorf("failed to validate storage dependencies: %w", err)
	}

	return &c, nil
}

// Subscribe implements pub.Controller.Subscribe. Subscribing to an existing
// subscription is not an error.
func (c *Controller) Subscribe(ctx context.Context, req pub.SubscribeRequest) error {
	key := pub.SubscriptionKey(req.Topic, req.Subscription)

	err := c.stores.Subscriptions.Insert(ctx, key, pub.Subscription{
		ID:        key,
		Topic:     req.Topic,
		Sub:       req.Subscription,
		Type:      req.Type,
		CreatedAt: c.now(),
	}, nil)
	if err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// Unsubscribe implements pub.Controller.Unsubscribe by removing the
// subscription and every cursor, receipt and lease recorded for it.
func (c *Controller) Unsubscribe(ctx context.Context, topic, sub string) error {
	params := map[string]any{"topic": topic, "sub": sub}

	if _, err := c.stores.Cursors.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s c WHERE c.topic = $topic AND c.sub = $sub",
		c.stores.Cursors.Keyspace(),
	), &gocb.QueryOptions{NamedParameters: params}); err != nil {
		return fmt.Errorf("failed to delete cursors: %w", err)
	}

	if _, err := c.stores.Receipts.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s r WHERE r.topic = $topic AND r.sub = $sub",
		c.stores.Receipts.Keyspace(),
	), &gocb.QueryOptions{NamedParameters: params}); err != nil {
		return fmt.Errorf("failed to delete receipts: %w", err)
	}

	if _, err := c.stores.Leases.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s l WHERE l.topic = $topic AND l.sub = $sub",
		c.stores.Leases.Keyspace(),
	), &gocb.QueryOptions{NamedParameters: params}); err != nil {
		return fmt.Errorf("failed to delete leases: %w", err)
	}

	if err := c.stores.Subscriptions.Remove(ctx, pub.SubscriptionKey(topic, sub), nil); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

// GetCursor implements pub.Controller.GetCursor by retrieving cursor position from storage.
// Returns pub.EarliestMessageID for subscriptions without a cursor yet.
func (c *Controller) GetCursor(ctx context.Context, topic, sub string, partition int32) (pub.MessageID, error) {
	key := pub.CursorKey(topic, sub, partition)

	cur, err := c.stores.Cursors.Get(ctx, key, nil)
	switch {
	case err == nil:
		return cur.MessageID, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return pub.EarliestMessageID, nil
	default:
		return pub.MessageID{}, fmt.Errorf("failed to get cursor: %w", err)
	}
}

// LoadMessages implements pub.Controller.LoadMessages using N1QL queries.
// Messages come back in id order; ones the subscription acknowledged
// individually are filtered out.
func (c *Controller) LoadMessages(ctx context.Context, topic, sub string, partition int32, after pub.MessageID, limit int) ([]pub.Message, error) {
	query := fmt.Sprintf(`
		SELECT RAW m
		FROM %s m
		WHERE m.topic = $topic
		AND m.id.%[3]s = $partition
		AND [m.id.ledgerId, m.id.entryId, m.id.batchIndex] > [$ledgerId, $entryId, $batchIndex]
		AND NOT EXISTS (
			SELECT RAW 1 FROM %[2]s r
			USE KEYS "receipt::" || $topic || "::" || $sub || "::" ||
				TOSTRING(m.id.ledgerId) || ":" || TOSTRING(m.id.entryId) || ":" ||
				TOSTRING(m.id.%[3]s) || ":" || TOSTRING(m.id.batchIndex)
		)
		ORDER BY m.id.ledgerId, m.id.entryId, m.id.batchIndex
		LIMIT $limit`,
		c.stores.Messages.Keyspace(),
		c.stores.Receipts.Keyspace(),
		"`partition`",
	)

	messages, err := c.stores.Messages.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"topic":      topic,
			"sub":        sub,
			"partition":  partition,
			"ledgerId":   after.LedgerID,
			"entryId":    after.EntryID,
			"batchIndex": after.BatchIndex,
			"limit":      limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	return messages, nil
}

// LoadMessage implements pub.Controller.LoadMessage.
func (c *Controller) LoadMessage(ctx context.Context, topic string, id pub.MessageID) (pub.Message, error) {
	msg, err := c.stores.Messages.Get(ctx, pub.MessageKey(topic, id), nil)
	if err != nil {
		return pub.Message{}, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	return *msg, nil
}

// InsertMessage implements pub.Controller.InsertMessage by persisting to the messages collection.
// Returns an error wrapping gocb.ErrDocumentExists if the id was already used.
func (c *Controller) InsertMessage(ctx context.Context, msg pub.Message) error {
	if err := c.stores.Messages.Insert(
		ctx,
		pub.MessageKey(msg.Topic, msg.ID),
		msg,
		&gocb.InsertOptions{
			Expiry: messageTTL,
		},
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// GetEntryID implements pub.Controller.GetEntryID. A partition nothing was
// published to starts at zero.
func (c *Controller) GetEntryID(ctx context.Context, topic string, partition int32) (int64, error) {
	counter, err := c.stores.EntryCounters.Get(ctx, pub.EntryCounterKey(topic, partition), nil)
	switch {
	case err == nil:
		return counter.Next, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get entry id: %w", err)
	}
}

// CommitEntryID implements pub.Controller.CommitEntryID using distributed
// transactions so concurrent producers never move the counter backwards.
func (c *Controller) CommitEntryID(topic string, partition int32, entryID int64) error {
	key := pub.EntryCounterKey(topic, partition)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		return couchbase.Advance(r, c.stores.EntryCounters, key,
			func() pub.EntryCounter {
				return pub.EntryCounter{ID: key, Next: entryID}
			},
			func(counter *pub.EntryCounter) bool {
				if entryID <= counter.Next {
					return false
				}
				counter.Next = entryID
				return true
			},
		)
	})
	if err != nil {
		return fmt.Errorf("failed to commit entry id for topic %s partition %d: %w", topic, partition, err)
	}

	return nil
}

// InsertLease implements pub.Controller.InsertLease by creating a lease
// document that expires after ttl.
func (c *Controller) InsertLease(ctx context.Context, topic, sub string, id pub.MessageID, ttl time.Duration) error {
	key := pub.LeaseKey(topic, sub, id)

	lease := pub.Lease{
		ID:        key,
		Topic:     topic,
		Sub:       sub,
		MessageID: id,
		Expires:   c.now().Add(ttl),
	}

	err := c.stores.Leases.Insert(ctx, key, lease, &gocb.InsertOptions{Expiry: ttl})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("%w: %s", pub.ErrLeaseHeld, id)
	default:
		return fmt.Errorf("failed to insert lease: %w", err)
	}
}

// Ack implements pub.Controller.Ack by writing a receipt per id and
// releasing its lease.
func (c *Controller) Ack(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	for _, id := range ids {
		key := pub.ReceiptKey(topic, sub, id)
		receipt := pub.Receipt{
			ID:        key,
			Topic:     topic,
			Sub:       sub,
			MessageID: id,
			AckedAt:   c.now(),
		}

		if err := c.stores.Receipts.Upsert(ctx, key, receipt, &gocb.UpsertOptions{Expiry: messageTTL}); err != nil {
			return fmt.Errorf("failed to record ack of %s: %w", id, err)
		}

		if err := c.stores.Leases.Remove(ctx, pub.LeaseKey(topic, sub, id), nil); err != nil {
			return fmt.Errorf("failed to release lease of %s: %w", id, err)
		}
	}

	return nil
}

// AckCumulative implements pub.Controller.AckCumulative. The cursor is moved
// forward in a transaction; receipts and leases it covers are then removed.
func (c *Controller) AckCumulative(ctx context.Context, topic, sub string, id pub.MessageID) error {
	key := pub.CursorKey(topic, sub, id.Partition)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		return couchbase.Advance(r, c.stores.Cursors, key,
			func() pub.Cursor {
				return pub.Cursor{ID: key, Topic: topic, Sub: sub, Partition: id.Partition, MessageID: id}
			},
			func(cursor *pub.Cursor) bool {
				if id.Compare(cursor.MessageID) <= 0 {
					return false
				}
				cursor.MessageID = id
				return true
			},
		)
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	params := map[string]any{
		"topic":      topic,
		"sub":        sub,
		"partition":  id.Partition,
		"ledgerId":   id.LedgerID,
		"entryId":    id.EntryID,
		"batchIndex": id.BatchIndex,
	}
	covered := "d.topic = $topic AND d.sub = $sub AND d.messageId.`partition` = $partition " +
		"AND [d.messageId.ledgerId, d.messageId.entryId, d.messageId.batchIndex] <= [$ledgerId, $entryId, $batchIndex]"

	if _, err := c.stores.Receipts.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s d WHERE %s", c.stores.Receipts.Keyspace(), covered,
	), &gocb.QueryOptions{NamedParameters: params}); err != nil {
		return fmt.Errorf("failed to delete covered receipts: %w", err)
	}

	if _, err := c.stores.Leases.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s d WHERE %s", c.stores.Leases.Keyspace(), covered,
	), &gocb.QueryOptions{NamedParameters: params}); err != nil {
		return fmt.Errorf("failed to delete covered leases: %w", err)
	}

	return nil
}

// Redeliver implements pub.Controller.Redeliver by releasing leases.
func (c *Controller) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	return c.releaseLeases(ctx, topic, sub, ids)
}

// CloseConsumer implements pub.Controller.CloseConsumer by releasing the
// leases of messages the consumer never acknowledged.
func (c *Controller) CloseConsumer(ctx context.Context, topic, sub string, unacked []pub.MessageID) error {
	return c.releaseLeases(ctx, topic, sub, unacked)
}

func (c *Controller) releaseLeases(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	var errs []error
	for _, id := range ids {
		if err := c.stores.Leases.Remove(ctx, pub.LeaseKey(topic, sub, id), nil); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to release %d of %d leases: %w", len(errs), len(ids), err)
	}

	return nil
}
