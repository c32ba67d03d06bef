// Package testutil holds in-memory collaborators for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"

	"pubclient/internal/pub"
)

// ErrNotFound is returned by Controller.LoadMessage for unknown ids.
var ErrNotFound = errors.New("not found")

type subKey struct {
	topic, sub string
}

type leaseKey struct {
	topic, sub string
	id         pub.MessageID
}

// Controller is an in-memory pub.Controller. Failures can be injected per
// operation with Fail; Block makes an operation wait until released.
type Controller struct {
	mu            sync.Mutex
	subscriptions map[subKey]pub.SubscriptionType
	messages      map[string][]pub.Message
	entries       map[string]int64
	cursors       map[subKey]map[int32]pub.MessageID
	receipts      map[subKey]map[pub.MessageID]struct{}
	leases        map[leaseKey]time.Time

	failures map[string]error
	blocks   map[string]chan struct{}
	calls    map[string]int

	// Acked, Redelivered and Closed record the ids passed to the
	// corresponding operations in call order.
	Acked       []pub.MessageID
	Cumulative  []pub.MessageID
	Redelivered []pub.MessageID
	Closed      []pub.MessageID
}

func NewController() *Controller {
	return &Controller{
		subscriptions: make(map[subKey]pub.SubscriptionType),
		messages:      make(map[string][]pub.Message),
		entries:       make(map[string]int64),
		cursors:       make(map[subKey]map[int32]pub.MessageID),
		receipts:      make(map[subKey]map[pub.MessageID]struct{}),
		leases:        make(map[leaseKey]time.Time),
		failures:      make(map[string]error),
		blocks:        make(map[string]chan struct{}),
		calls:         make(map[string]int),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (c *Controller) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Block makes calls of op wait until the returned function is called.
func (c *Controller) Block(op string) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{})
	c.blocks[op] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.blocks, op)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how often op was called.
func (c *Controller) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// enter counts the call, waits while op is blocked and returns the injected failure.
func (c *Controller) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	block := c.blocks[op]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[op]
}

func partitionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

// Publish stores messages directly, bypassing InsertMessage bookkeeping.
func (c *Controller) Publish(msgs ...pub.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range msgs {
		c.insert(m)
	}
}

func (c *Controller) insert(m pub.Message) bool {
	key := partitionKey(m.Topic, m.ID.Partition)
	stored := c.messages[key]
	i, found := slices.BinarySearchFunc(stored, m.ID, func(s pub.Message, id pub.MessageID) int {
		return s.ID.Compare(id)
	})
	if found {
		return false
	}
	c.messages[key] = slices.Insert(stored, i, m.Clone())
	return true
}

// Subscribed reports whether the subscription exists.
func (c *Controller) Subscribed(topic, sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.subscriptions[subKey{topic, sub}]
	return ok
}

// Leased reports whether a lease is held on id.
func (c *Controller) Leased(topic, sub string, id pub.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.leases[leaseKey{topic, sub, id}]
	return ok
}

func (c *Controller) Subscribe(ctx context.Context, req pub.SubscribeRequest) error {
	if err := c.enter(ctx, "subscribe"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{req.Topic, req.Subscription}
	if _, ok := c.subscriptions[key]; !ok {
		c.subscriptions[key] = req.Type
	}
	return nil
}

func (c *Controller) Unsubscribe(ctx context.Context, topic, sub string) error {
	if err := c.enter(ctx, "unsubscribe"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{topic, sub}
	delete(c.subscriptions, key)
	delete(c.cursors, key)
	delete(c.receipts, key)
	for l := range c.leases {
		if l.topic == topic && l.sub == sub {
			delete(c.leases, l)
		}
	}
	return nil
}

func (c *Controller) GetCursor(ctx context.Context, topic, sub string, partition int32) (pub.MessageID, error) {
	if err := c.enter(ctx, "get_cursor"); err != nil {
		return pub.MessageID{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.cursors[subKey{topic, sub}][partition]; ok {
		return id, nil
	}
	return pub.EarliestMessageID, nil
}

func (c *Controller) LoadMessages(ctx context.Context, topic, sub string, partition int32, after pub.MessageID, limit int) ([]pub.Message, error) {
	if err := c.enter(ctx, "load_messages"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	acked := c.receipts[subKey{topic, sub}]
	var out []pub.Message
	for _, m := range c.messages[partitionKey(topic, partition)] {
		if len(out) == limit {
			break
		}
		if m.ID.Compare(after) <= 0 {
			continue
		}
		if _, ok := acked[m.ID]; ok {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (c *Controller) LoadMessage(ctx context.Context, topic string, id pub.MessageID) (pub.Message, error) {
	if err := c.enter(ctx, "load_message"); err != nil {
		return pub.Message{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := c.messages[partitionKey(topic, id.Partition)]
	i, found := slices.BinarySearchFunc(stored, id, func(s pub.Message, id pub.MessageID) int {
		return s.ID.Compare(id)
	})
	if !found {
		return pub.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return stored[i].Clone(), nil
}

func (c *Controller) InsertMessage(ctx context.Context, msg pub.Message) error {
	if err := c.enter(ctx, "insert_message"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.insert(msg) {
		return fmt.Errorf("message %s: %w", msg.ID, gocb.ErrDocumentExists)
	}
	return nil
}

func (c *Controller) GetEntryID(ctx context.Context, topic string, partition int32) (int64, error) {
	if err := c.enter(ctx, "get_entry_id"); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[partitionKey(topic, partition)], nil
}

func (c *Controller) CommitEntryID(topic string, partition int32, entryID int64) error {
	if err := c.enter(context.Background(), "commit_entry_id"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := partitionKey(topic, partition)
	c.entries[key] = max(c.entries[key], entryID)
	return nil
}

func (c *Controller) InsertLease(ctx context.Context, topic, sub string, id pub.MessageID, ttl time.Duration) error {
	if err := c.enter(ctx, "insert_lease"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := leaseKey{topic, sub, id}
	if _, ok := c.leases[key]; ok {
		return fmt.Errorf("%w: %s", pub.ErrLeaseHeld, id)
	}
	c.leases[key] = time.Now().Add(ttl)
	return nil
}

func (c *Controller) Ack(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	if err := c.enter(ctx, "ack"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{topic, sub}
	if c.receipts[key] == nil {
		c.receipts[key] = make(map[pub.MessageID]struct{})
	}
	for _, id := range ids {
		c.receipts[key][id] = struct{}{}
		delete(c.leases, leaseKey{topic, sub, id})
	}
	c.Acked = append(c.Acked, ids...)
	return nil
}

func (c *Controller) AckCumulative(ctx context.Context, topic, sub string, id pub.MessageID) error {
	if err := c.enter(ctx, "ack_cumulative"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := subKey{topic, sub}
	if c.cursors[key] == nil {
		c.cursors[key] = make(map[int32]pub.MessageID)
	}
	if cur, ok := c.cursors[key][id.Partition]; !ok || cur.Less(id) {
		c.cursors[key][id.Partition] = id
	}
	for l := range c.leases {
		if l.topic == topic && l.sub == sub && l.id.Partition == id.Partition && l.id.Compare(id) <= 0 {
			delete(c.leases, l)
		}
	}
	c.Cumulative = append(c.Cumulative, id)
	return nil
}

func (c *Controller) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	if err := c.enter(ctx, "redeliver"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		delete(c.leases, leaseKey{topic, sub, id})
	}
	c.Redelivered = append(c.Redelivered, ids...)
	return nil
}

func (c *Controller) CloseConsumer(ctx context.Context, topic, sub string, unacked []pub.MessageID) error {
	if err := c.enter(ctx, "close_consumer"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range unacked {
		delete(c.leases, leaseKey{topic, sub, id})
	}
	c.Closed = append(c.Closed, unacked...)
	return nil
}

// Snapshot returns copies of the recorded id slices under the lock.
func (c *Controller) Snapshot() (acked, cumulative, redelivered, closed []pub.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.Acked), slices.Clone(c.Cumulative), slices.Clone(c.Redelivered), slices.Clone(c.Closed)
}

// Messages builds n messages on a partition with consecutive entry ids
// starting at first.
func Messages(topic string, partition int32, first int64, n int) []pub.Message {
	msgs := make([]pub.Message, 0, n)
	for i := range n {
		id := pub.MessageID{LedgerID: 1, EntryID: first + int64(i), Partition: partition}
		msgs = append(msgs, pub.Message{
			ID:          id,
			Topic:       topic,
			Payload:     []byte(fmt.Sprintf("payload-%d", id.EntryID)),
			Properties:  map[string]string{pub.TypeProperty: "test"},
			PublishTime: time.Unix(1_700_000_000+id.EntryID, 0).UTC(),
		})
	}
	return msgs
}
