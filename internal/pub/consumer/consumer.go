package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/ack"
	"pubclient/internal/pub/queue"
	"pubclient/internal/pub/redelivery"
	"pubclient/internal/validator"
)

// Config holds the subscription settings of a single consumer.
type Config struct {
	Topic        string               `env:"CONSUMER_TOPIC" envDefault:"orders"`
	Subscription string               `env:"CONSUMER_SUBSCRIPTION" envDefault:"analytics"`
	Name         string               `env:"CONSUMER_NAME"`
	Type         pub.SubscriptionType `env:"CONSUMER_SUBSCRIPTION_TYPE" envDefault:"exclusive"`
	// ReceiverQueueSize bounds the number of buffered messages.
	ReceiverQueueSize int `env:"CONSUMER_RECEIVER_QUEUE_SIZE" envDefault:"1000"`
	// LowWaterMark is the buffered count at which flow resumes after
	// backpressure. Zero means half the queue size.
	LowWaterMark int `env:"CONSUMER_LOW_WATER_MARK" envDefault:"0"`
	// AckTimeout redelivers messages left unacknowledged this long after
	// they were received. Zero disables it.
	AckTimeout     time.Duration `env:"CONSUMER_ACK_TIMEOUT" envDefault:"0s"`
	AckTimeoutTick time.Duration `env:"CONSUMER_ACK_TIMEOUT_TICK" envDefault:"1s"`
	// AckSendTimeout bounds each acknowledgment forwarded to the controller.
	AckSendTimeout time.Duration `env:"CONSUMER_ACK_SEND_TIMEOUT" envDefault:"30s"`
}

// Stats is a point in time snapshot of a consumer.
type Stats struct {
	State           pub.ConsumerState
	Buffered        int
	Pending         int
	OutstandingAcks int
	Paused          bool
}

// Consumer implements pub.Consumer and pub.Deliverer for one subscription.
// The delivery path pushes into it; any number of goroutines may receive and
// acknowledge concurrently.
type Consumer struct {
	controller pub.Controller
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	queue      *queue.Queue
	tracker    *ack.Tracker
	redelivery *redelivery.Coordinator

	// mu guards state and is never held across a blocking wait.
	mu    sync.Mutex
	state pub.ConsumerState

	stop  chan struct{}
	loops sync.WaitGroup
	acks  sync.WaitGroup
}

// NewConsumer creates a consumer in the created state. flow receives the
// delivery queue's flow control signals and may be nil.
func NewConsumer(controller pub.Controller, flow pub.FlowListener, logger *zap.Logger, cfg Config) (*Consumer, error) {
	if err := validator.Validate("consumer", controller, logger, cfg.Topic, cfg.Subscription, cfg.ReceiverQueueSize); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	if cfg.Type == "" {
		cfg.Type = pub.Exclusive
	}
	if cfg.AckTimeoutTick <= 0 {
		cfg.AckTimeoutTick = time.Second
	}
	if cfg.AckSendTimeout <= 0 {
		cfg.AckSendTimeout = 30 * time.Second
	}

	logger = logger.With(
		zap.String("topic", cfg.Topic),
		zap.String("sub", cfg.Subscription),
		zap.String("consumer", cfg.Name),
	)

	q, err := queue.New(cfg.ReceiverQueueSize, cfg.LowWaterMark, flow, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery queue: %w", err)
	}

	return &Consumer{
		controller: controller,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		queue:      q,
		tracker:    ack.NewTracker(logger),
		redelivery: redelivery.NewCoordinator(logger),
		state:      pub.StateCreated,
		stop:       make(chan struct{}),
	}, nil
}

func (c *Consumer) Topic() string {
	return c.cfg.Topic
}

func (c *Consumer) Subscription() string {
	return c.cfg.Subscription
}

func (c *Consumer) Name() string {
	return c.cfg.Name
}

func (c *Consumer) State() pub.ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of queue and ack bookkeeping.
func (c *Consumer) Stats() Stats {
	return Stats{
		State:           c.State(),
		Buffered:        c.queue.Len(),
		Pending:         c.redelivery.Len(),
		OutstandingAcks: c.tracker.Outstanding(),
		Paused:          c.queue.Paused(),
	}
}

// Done is closed once the consumer is closed or unsubscribed.
func (c *Consumer) Done() <-chan struct{} {
	return c.queue.Done()
}

// AckState reports whether id is acknowledged, pending, or unknown to this
// consumer.
func (c *Consumer) AckState(id pub.MessageID) pub.AckState {
	return c.tracker.State(id, c.redelivery.Known(id))
}

// IsDurable reports whether an ack covering id has been confirmed.
func (c *Consumer) IsDurable(id pub.MessageID) bool {
	return c.tracker.IsDurable(id)
}

func (c *Consumer) receiving() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateErr(c.state)
}

func stateErr(s pub.ConsumerState) error {
	switch {
	case s.Receiving():
		return nil
	case s.Terminal():
		return pub.ErrConsumerClosed
	default:
		return pub.ErrConsumerNotReady
	}
}

// Subscribe attaches to the subscription and moves the consumer to active.
func (c *Consumer) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state.Terminal():
		c.mu.Unlock()
		return pub.ErrConsumerClosed
	case c.state != pub.StateCreated:
		c.mu.Unlock()
		return nil
	}
	c.state = pub.StateSubscribed
	c.mu.Unlock()

	err := c.controller.Subscribe(ctx, pub.SubscribeRequest{
		Topic:        c.cfg.Topic,
		Subscription: c.cfg.Subscription,
		ConsumerName: c.cfg.Name,
		Type:         c.cfg.Type,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != pub.StateSubscribed {
		return pub.ErrConsumerClosed
	}
	if err != nil {
		c.state = pub.StateCreated
		return fmt.Errorf("failed to subscribe: %w: %w", pub.ErrTransportFailure, err)
	}
	c.state = pub.StateActive

	if c.cfg.AckTimeout > 0 {
		c.loops.Add(1)
		go c.ackTimeoutLoop()
	}

	c.logger.Info("subscribed", zap.String("type", string(c.cfg.Type)))

	return nil
}

// Push hands a message from the delivery path to the consumer. Messages that
// were already acknowledged or are already pending are dropped silently.
func (c *Consumer) Push(ctx context.Context, msg pub.Message) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch {
	case st.Terminal():
		return pub.ErrQueueClosed
	case !st.Receiving():
		return pub.ErrConsumerNotReady
	}

	if c.tracker.IsAcknowledged(msg.ID) {
		c.redelivery.Forget(msg.ID)
		c.queue.Return(1)
		c.logger.Debug("dropping acknowledged message", zap.Stringer("messageId", msg.ID))
		return nil
	}

	if err := c.redelivery.Track(msg.ID); err != nil {
		if errors.Is(err, redelivery.ErrDuplicate) {
			c.queue.Return(1)
			c.logger.Debug("dropping duplicate message", zap.Stringer("messageId", msg.ID))
			return nil
		}
		return err
	}

	if err := c.queue.Push(ctx, msg.Clone()); err != nil {
		// let a retry of the same id through the ordering check
		c.redelivery.ReleaseIDs([]pub.MessageID{msg.ID})
		return err
	}

	return nil
}

// Receive blocks until a message is available. Closing the consumer unblocks
// it with pub.ErrConsumerClosed; an expired ctx deadline yields pub.ErrTimeout.
func (c *Consumer) Receive(ctx context.Context) (pub.Message, error) {
	if err := c.receiving(); err != nil {
		return pub.Message{}, err
	}

	msg, err := c.queue.Receive(ctx)
	if err != nil {
		return pub.Message{}, err
	}

	c.redelivery.Touch(msg.ID, c.now())
	c.logger.Debug("received message", zap.Stringer("messageId", msg.ID))

	return msg, nil
}

// ReceiveTimeout is Receive bounded by timeout. A non-positive timeout polls:
// it returns a buffered message or pub.ErrTimeout without waiting.
func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (pub.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.Receive(ctx)
}

// Acknowledge marks a single message as processed. Acknowledging twice is a
// no-op. The returned receipt resolves once the controller confirms.
func (c *Consumer) Acknowledge(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	if err := c.receiving(); err != nil {
		return nil, err
	}

	id := msg.MessageId()
	if !c.redelivery.Known(id) && !c.tracker.IsAcknowledged(id) {
		return nil, fmt.Errorf("%w: %s was not delivered to this consumer", pub.ErrInvalidMessageID, id)
	}

	r, fresh := c.tracker.Acknowledge(id)
	if !fresh {
		return r, nil
	}

	c.redelivery.Remove(id)
	c.redelivery.Forget(id)

	c.forward(ctx, r, func(ctx context.Context) error {
		return c.controller.Ack(ctx, c.cfg.Topic, c.cfg.Subscription, []pub.MessageID{id})
	})

	return r, nil
}

// AcknowledgeCumulative marks every message up to and including msg on its
// partition as processed.
func (c *Consumer) AcknowledgeCumulative(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	if err := c.receiving(); err != nil {
		return nil, err
	}
	if c.cfg.Type == pub.Shared {
		return nil, pub.ErrCumulativeAckNotAllowed
	}

	id := msg.MessageId()
	if !c.redelivery.Known(id) && !c.tracker.IsAcknowledged(id) {
		return nil, fmt.Errorf("%w: %s was not delivered to this consumer", pub.ErrInvalidMessageID, id)
	}

	r, fresh := c.tracker.AcknowledgeCumulative(id)
	if !fresh {
		return r, nil
	}

	removed := c.redelivery.RemoveUpTo(id)
	c.logger.Debug("cumulative ack", zap.Stringer("messageId", id), zap.Int("cleared", len(removed)))

	c.forward(ctx, r, func(ctx context.Context) error {
		return c.controller.AckCumulative(ctx, c.cfg.Topic, c.cfg.Subscription, id)
	})

	return r, nil
}

// forward sends an ack to the controller in the background and resolves r
// with the outcome. The send outlives ctx cancellation but not AckSendTimeout.
func (c *Consumer) forward(ctx context.Context, r *pub.AckReceipt, send func(context.Context) error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		c.tracker.Confirm(r, pub.ErrConsumerClosed)
		return
	}
	c.acks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.acks.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AckSendTimeout)
		defer cancel()

		err := send(sendCtx)
		if err != nil {
			err = fmt.Errorf("failed to confirm ack of %s: %w: %w", r.MessageID(), pub.ErrTransportFailure, err)
		}
		c.tracker.Confirm(r, err)
	}()
}

// PauseMessageListener stops releasing flow permits. Buffered messages can
// still be received.
func (c *Consumer) PauseMessageListener() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := stateErr(c.state); err != nil {
		return err
	}
	if c.state == pub.StatePaused {
		return nil
	}

	c.state = pub.StatePaused
	c.queue.Pause()
	c.logger.Info("paused message listener")

	return nil
}

// ResumeMessageListener releases permits withheld while paused.
func (c *Consumer) ResumeMessageListener() error {
	c.mu.Lock()
	if err := stateErr(c.state); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state == pub.StateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = pub.StateActive
	c.mu.Unlock()

	c.queue.Resume()
	c.logger.Info("resumed message listener")

	return nil
}

// RedeliverUnacknowledgedMessages discards buffered messages and asks the
// controller to deliver every unacknowledged message again. Released ids may
// be pushed again regardless of the ordering already observed. If the request
// fails nothing is lost: the ids stay pending and buffered messages are put
// back, so the call can be retried.
func (c *Consumer) RedeliverUnacknowledgedMessages(ctx context.Context) error {
	if err := c.receiving(); err != nil {
		return err
	}

	drained := c.queue.Drain()
	ids := c.redelivery.Release()
	if len(ids) == 0 {
		c.queue.Discard(len(drained))
		return nil
	}

	c.logger.Info("redelivering unacknowledged messages",
		zap.Int("count", len(ids)),
		zap.Int("buffered", len(drained)),
	)

	if err := c.controller.Redeliver(ctx, c.cfg.Topic, c.cfg.Subscription, ids); err != nil {
		c.restore(ids, drained)
		return fmt.Errorf("failed to request redelivery: %w: %w", pub.ErrTransportFailure, err)
	}
	c.queue.Discard(len(drained))

	return nil
}

// restore returns released ids to pending after a failed redelivery request
// and puts back the drained messages that are still pending.
func (c *Consumer) restore(ids []pub.MessageID, drained []pub.Message) {
	restored := c.redelivery.Restore(ids)

	pending := make(map[pub.MessageID]struct{}, len(restored))
	for _, id := range restored {
		pending[id] = struct{}{}
	}
	kept := drained[:0]
	for _, m := range drained {
		if _, ok := pending[m.ID]; ok {
			kept = append(kept, m)
		}
	}

	c.queue.Restore(kept)
	c.queue.Discard(len(drained) - len(kept))
	c.logger.Warn("redelivery request failed, kept messages pending",
		zap.Int("restored", len(restored)),
		zap.Int("buffered", len(kept)),
	)
}

func (c *Consumer) ackTimeoutLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.cfg.AckTimeoutTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.redeliverExpired()
		}
	}
}

func (c *Consumer) redeliverExpired() {
	expired := c.redelivery.Expired(c.now(), c.cfg.AckTimeout)
	if len(expired) == 0 {
		return
	}

	ids := c.redelivery.ReleaseIDs(expired)
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckSendTimeout)
	defer cancel()

	c.logger.Info("ack timeout, redelivering", zap.Int("count", len(ids)))
	if err := c.controller.Redeliver(ctx, c.cfg.Topic, c.cfg.Subscription, ids); err != nil {
		// still pending, so the next tick tries again
		c.redelivery.Restore(ids)
		c.logger.Error("failed to redeliver expired messages", zap.Error(err))
	}
}

// shutdown moves the consumer to a terminal state, wakes every waiter and
// waits for background work. It returns the ids that were still pending and
// whether this call performed the transition.
func (c *Consumer) shutdown(final pub.ConsumerState) ([]pub.MessageID, bool) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil, false
	}
	wasRunning := c.state.Receiving()
	c.state = final
	c.mu.Unlock()

	c.queue.Close()
	close(c.stop)
	c.loops.Wait()
	c.acks.Wait()

	var pending []pub.MessageID
	if wasRunning {
		pending = c.redelivery.Release()
	}
	c.tracker.Reset()
	c.redelivery.Reset()

	return pending, true
}

// Unsubscribe removes the subscription and closes the consumer. It fails with
// pub.ErrAlreadyClosed after close or a previous unsubscribe. Once the
// controller has removed the subscription it succeeds, even if Close ran
// meanwhile.
func (c *Consumer) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch {
	case st.Terminal():
		return pub.ErrAlreadyClosed
	case !st.Receiving():
		return pub.ErrConsumerNotReady
	}

	if err := c.controller.Unsubscribe(ctx, c.cfg.Topic, c.cfg.Subscription); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w: %w", pub.ErrTransportFailure, err)
	}

	if _, first := c.shutdown(pub.StateUnsubscribed); !first {
		// A concurrent close got there first, but the subscription is gone.
		c.mu.Lock()
		c.state = pub.StateUnsubscribed
		c.mu.Unlock()
		c.logger.Info("unsubscribed after concurrent close")
		return nil
	}
	c.logger.Info("unsubscribed")

	return nil
}

// Close releases local resources and unblocks every waiting receiver. It
// never fails and may be called any number of times.
func (c *Consumer) Close(ctx context.Context) error {
	pending, first := c.shutdown(pub.StateClosed)
	if !first {
		return nil
	}

	if err := c.controller.CloseConsumer(ctx, c.cfg.Topic, c.cfg.Subscription, pending); err != nil {
		c.logger.Warn("failed to release consumer leases", zap.Int("pending", len(pending)), zap.Error(err))
	}
	c.logger.Info("closed", zap.Int("pending", len(pending)))

	return nil
}
