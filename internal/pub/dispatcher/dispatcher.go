// Package dispatcher is the delivery path of a single consumer. It loads
// messages from the controller, leases them for the subscription and pushes
// them into the consumer while it has flow credit.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pubclient/internal/pub"
	"pubclient/internal/pub/metrics"
	"pubclient/internal/validator"
)

var (
	// errStopped ends Run once the attached consumer is gone.
	errStopped = errors.New("dispatcher stopped")
	// errRetry means the message could not be leased and must be retried
	// from the same position.
	errRetry = errors.New("lease failed")
)

// Target is the consumer side the dispatcher delivers to.
type Target interface {
	pub.Deliverer
	// Done is closed when the consumer stops accepting pushes.
	Done() <-chan struct{}
}

type Config struct {
	Partitions []int32 `env:"DISPATCHER_PARTITIONS" envDefault:"0" envSeparator:","`
	// BatchSize caps how many messages a single load asks for.
	BatchSize      int           `env:"DISPATCHER_BATCH_SIZE" envDefault:"50"`
	PollInterval   time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"100ms"`
	PollsPerSecond float64       `env:"DISPATCHER_POLLS_PER_SECOND" envDefault:"20"`
	LeaseTTL       time.Duration `env:"DISPATCHER_LEASE_TTL" envDefault:"1m"`
}

// Dispatcher wraps a pub.Controller. Consumers built on top of it see their
// redelivery requests re-pushed by the dispatcher, and their flow signals
// gate how much it loads.
type Dispatcher struct {
	pub.Controller

	topic    string
	sub      string
	cfg      Config
	logger   *zap.Logger
	limiter  *rate.Limiter
	registry *metrics.Registry

	mu            sync.Mutex
	target        Target
	credit        int
	backpressured bool
	// changed is closed and replaced whenever credit, backpressure or the
	// redelivery backlog changes.
	changed    chan struct{}
	backlog    []pub.MessageID
	redelivery map[pub.MessageID]int
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithRegistry records dispatch outcomes in registry.
func WithRegistry(registry *metrics.Registry) Option {
	return func(d *Dispatcher) {
		d.registry = registry
	}
}

func New(controller pub.Controller, topic, sub string, cfg Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if err := validator.Validate("dispatcher", controller, topic, sub, logger, cfg.Partitions); err != nil {
		return nil, fmt.Errorf("failed to validate dispatcher deps: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}

	limit := rate.Inf
	if cfg.PollsPerSecond > 0 {
		limit = rate.Limit(cfg.PollsPerSecond)
	}

	d := &Dispatcher{
		Controller: controller,
		topic:      topic,
		sub:        sub,
		cfg:        cfg,
		logger:     logger.Named("dispatcher").With(zap.String("topic", topic), zap.String("sub", sub)),
		limiter:    rate.NewLimiter(limit, len(cfg.Partitions)+1),
		changed:    make(chan struct{}),
		redelivery: make(map[pub.MessageID]int),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Attach sets the consumer to deliver to and its initial credit, normally the
// size of its receiver queue.
func (d *Dispatcher) Attach(target Target, permits int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.target = target
	d.credit = permits
	d.notify()
}

// notify wakes every waiter. Callers hold mu.
func (d *Dispatcher) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Flow implements pub.FlowListener.
func (d *Dispatcher) Flow(permits int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.credit += permits
	d.notify()
}

// Backpressure implements pub.FlowListener.
func (d *Dispatcher) Backpressure() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backpressured = true
	d.logger.Debug("backpressure")
}

// Resume implements pub.FlowListener.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backpressured = false
	d.notify()
	d.logger.Debug("resumed")
}

// Credit returns the permits not yet spent.
func (d *Dispatcher) Credit() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.credit
}

// Redeliver releases the leases on ids and queues them to be pushed again.
func (d *Dispatcher) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	if err := d.Controller.Redeliver(ctx, topic, sub, ids); err != nil {
		return err
	}
	if topic != d.topic || sub != d.sub {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.backlog = append(d.backlog, ids...)
	d.notify()

	return nil
}

// acquire blocks until there is credit and no backpressure, then takes up to
// want permits.
func (d *Dispatcher) acquire(ctx context.Context, want int) (int, error) {
	for {
		d.mu.Lock()
		if d.credit > 0 && !d.backpressured {
			n := min(want, d.credit)
			d.credit -= n
			d.mu.Unlock()
			return n, nil
		}
		wait := d.changed
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// refund returns unspent permits.
func (d *Dispatcher) refund(n int) {
	if n <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.credit += n
	d.notify()
}

// takeBacklog blocks until redelivery ids are queued and returns all of them.
func (d *Dispatcher) takeBacklog(ctx context.Context) ([]pub.MessageID, error) {
	for {
		d.mu.Lock()
		if len(d.backlog) > 0 {
			ids := d.backlog
			d.backlog = nil
			d.mu.Unlock()
			return ids, nil
		}
		wait := d.changed
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// requeue puts id back on the redelivery backlog.
func (d *Dispatcher) requeue(id pub.MessageID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backlog = append(d.backlog, id)
	d.notify()
}

func (d *Dispatcher) record(outcome string) {
	if d.registry != nil {
		d.registry.RecordDispatch(d.topic, d.sub, outcome)
	}
}

// Run delivers until ctx is done or the attached consumer closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	target := d.target
	d.mu.Unlock()
	if target == nil {
		return errors.New("dispatcher has no consumer attached")
	}

	d.logger.Info("starting dispatcher", zap.Int("partitions", len(d.cfg.Partitions)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-target.Done():
			return errStopped
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		return d.redeliverLoop(gctx, target)
	})

	for _, p := range d.cfg.Partitions {
		g.Go(func() error {
			return d.partitionLoop(gctx, target, p)
		})
	}

	err := g.Wait()
	d.logger.Info("dispatcher stopped")

	switch {
	case err == nil, errors.Is(err, errStopped), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func (d *Dispatcher) partitionLoop(ctx context.Context, target Target, partition int32) error {
	logger := d.logger.With(zap.Int32("partition", partition))

	after, err := d.GetCursor(ctx, d.topic, d.sub, partition)
	if err != nil {
		return fmt.Errorf("failed to get cursor for partition %d: %w", partition, err)
	}

	for {
		n, err := d.acquire(ctx, d.cfg.BatchSize)
		if err != nil {
			return nil
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.refund(n)
			return nil
		}

		msgs, err := d.LoadMessages(ctx, d.topic, d.sub, partition, after, n)
		if err != nil {
			d.refund(n)
			logger.Error("failed to load messages", zap.Error(err))
			if !sleep(ctx, d.cfg.PollInterval) {
				return nil
			}
			continue
		}

		spent, retry := 0, false
		for _, msg := range msgs {
			ok, err := d.deliver(ctx, target, msg)
			if errors.Is(err, errRetry) {
				retry = true
				break
			}
			if err != nil {
				d.refund(n - spent)
				return err
			}
			after = msg.ID
			if ok {
				spent++
			}
		}
		d.refund(n - spent)

		if (retry || len(msgs) < n) && !sleep(ctx, d.cfg.PollInterval) {
			return nil
		}
	}
}

func (d *Dispatcher) redeliverLoop(ctx context.Context, target Target) error {
	for {
		ids, err := d.takeBacklog(ctx)
		if err != nil {
			return nil
		}

		d.logger.Debug("redelivering", zap.Int("count", len(ids)))

		for _, id := range ids {
			if _, err := d.acquire(ctx, 1); err != nil {
				return nil
			}

			msg, err := d.LoadMessage(ctx, d.topic, id)
			if err != nil {
				d.refund(1)
				d.record("failed")
				d.logger.Error("failed to load message for redelivery", zap.Stringer("messageId", id), zap.Error(err))
				continue
			}

			d.mu.Lock()
			d.redelivery[id]++
			msg.RedeliveryCount = d.redelivery[id]
			d.mu.Unlock()

			ok, err := d.deliver(ctx, target, msg)
			if errors.Is(err, errRetry) {
				d.refund(1)
				d.requeue(id)
				if !sleep(ctx, d.cfg.PollInterval) {
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
			if !ok {
				d.refund(1)
				continue
			}
			if d.registry != nil {
				d.registry.RecordRedelivered(d.topic, d.sub, 1)
			}
		}
	}
}

// deliver leases msg and pushes it. It reports whether a permit was spent.
func (d *Dispatcher) deliver(ctx context.Context, target Target, msg pub.Message) (bool, error) {
	err := d.InsertLease(ctx, d.topic, d.sub, msg.ID, d.cfg.LeaseTTL)
	switch {
	case err == nil:
	case errors.Is(err, pub.ErrLeaseHeld):
		d.record("leased")
		return false, nil
	default:
		d.record("failed")
		d.logger.Error("failed to lease message", zap.Stringer("messageId", msg.ID), zap.Error(err))
		return false, errRetry
	}

	err = target.Push(ctx, msg)
	switch {
	case err == nil:
		d.record("pushed")
		return true, nil
	case errors.Is(err, pub.ErrQueueClosed):
		return false, errStopped
	case errors.Is(err, pub.ErrOutOfOrder):
		d.record("failed")
		d.logger.Warn("consumer rejected message", zap.Stringer("messageId", msg.ID), zap.Error(err))
		return false, nil
	case ctx.Err() != nil:
		return false, errStopped
	default:
		d.record("failed")
		return false, fmt.Errorf("failed to push message %s: %w", msg.ID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
