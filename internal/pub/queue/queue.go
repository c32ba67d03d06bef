// Package queue implements the bounded, flow-controlled buffer between a
// consumer's delivery path and its receivers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pubclient/internal/pub"
)

// Queue is a bounded FIFO of messages awaiting receive. Each buffered message
// is handed to exactly one receiver. Handouts earn flow permits, which are
// released to the listener in batches unless the queue is paused.
type Queue struct {
	logger    *zap.Logger
	listener  pub.FlowListener
	capacity  int
	lowWater  int
	flowBatch int

	mu    sync.Mutex
	items []pub.Message
	// notEmpty and notFull are closed and replaced to wake every waiter.
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
	closed   bool

	paused        bool
	permits       int
	backpressured bool
	resumePending bool
}

// signals are flow callbacks collected under the lock and fired after it is
// released, so listeners never run with the queue locked.
type signals struct {
	flow         int
	backpressure bool
	resume       bool
}

func (s signals) fire(l pub.FlowListener) {
	if l == nil {
		return
	}
	if s.backpressure {
		l.Backpressure()
	}
	if s.flow > 0 {
		l.Flow(s.flow)
	}
	if s.resume {
		l.Resume()
	}
}

// New returns a queue holding at most capacity messages. Once full, the
// listener is told to stop; when the queue drains to lowWater or below it is
// told to resume. lowWater <= 0 defaults to capacity/2.
func New(capacity, lowWater int, listener pub.FlowListener, logger *zap.Logger) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be greater than 0, got %d", capacity)
	}
	if lowWater <= 0 {
		lowWater = capacity / 2
	}
	if lowWater >= capacity {
		return nil, fmt.Errorf("low water mark %d must be below capacity %d", lowWater, capacity)
	}

	return &Queue{
		logger:    logger.Named("delivery-queue"),
		listener:  listener,
		capacity:  capacity,
		lowWater:  lowWater,
		flowBatch: max(1, capacity/2),
		items:     make([]pub.Message, 0, capacity),
		notEmpty:  make(chan struct{}),
		notFull:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Push appends msg, blocking while the queue is full. It fails with
// pub.ErrQueueClosed once the queue is closed.
func (q *Queue) Push(ctx context.Context, msg pub.Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pub.ErrQueueClosed
		}

		if len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			close(q.notEmpty)
			q.notEmpty = make(chan struct{})

			var s signals
			if len(q.items) == q.capacity && !q.backpressured {
				q.backpressured = true
				q.resumePending = false
				s.backpressure = true
				q.logger.Debug("queue full, signalling backpressure", zap.Int("capacity", q.capacity))
			}
			q.mu.Unlock()

			s.fire(q.listener)
			return nil
		}

		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-q.done:
		case <-ctx.Done():
			return fmt.Errorf("push canceled: %w", ctx.Err())
		}
	}
}

// Receive pops the oldest message, waiting until one is pushed, the queue is
// closed (pub.ErrConsumerClosed) or ctx is done. An expired ctx deadline is
// reported as pub.ErrTimeout.
func (q *Queue) Receive(ctx context.Context) (pub.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pub.Message{}, pub.ErrConsumerClosed
		}

		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = pub.Message{}
			q.items = q.items[1:]
			s := q.released(1)
			q.mu.Unlock()

			s.fire(q.listener)
			return msg, nil
		}

		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-q.done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return pub.Message{}, pub.ErrTimeout
			}
			return pub.Message{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
	}
}

// released accounts for n slots freed by receive or drain. Callers hold mu.
func (q *Queue) released(n int) signals {
	var s signals

	close(q.notFull)
	q.notFull = make(chan struct{})

	q.permits += n
	if !q.paused && q.permits >= q.flowBatch {
		s.flow = q.permits
		q.permits = 0
	}

	if q.backpressured && len(q.items) <= q.lowWater {
		q.backpressured = false
		if q.paused {
			q.resumePending = true
		} else {
			s.resume = true
		}
	}

	return s
}

// Return credits n permits for messages the consumer dropped without
// buffering, such as duplicates.
func (q *Queue) Return(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var s signals
	q.permits += n
	if !q.paused && q.permits >= q.flowBatch {
		s.flow = q.permits
		q.permits = 0
	}
	q.mu.Unlock()

	s.fire(q.listener)
}

// Drain removes every buffered message and returns them in order. Their slots
// stay uncredited until the caller settles them: Discard releases the slots as
// flow permits, Restore puts the messages back.
func (q *Queue) Drain() []pub.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return nil
	}

	drained := q.items
	q.items = make([]pub.Message, 0, q.capacity)

	return drained
}

// Discard credits n drained slots. Unless paused, every permit held back is
// released at once.
func (q *Queue) Discard(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	s := q.released(n)
	if !q.paused && q.permits > 0 {
		s.flow += q.permits
		q.permits = 0
	}
	q.mu.Unlock()

	s.fire(q.listener)
}

// Restore puts drained messages back at the head of the queue, ahead of
// anything pushed since. Drained slots are not credited and blocked pushers
// are not woken, so the queue only overfills if the delivery path pushed
// beyond its credit.
func (q *Queue) Restore(msgs []pub.Message) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	items := make([]pub.Message, 0, max(q.capacity, len(msgs)+len(q.items)))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})

	var s signals
	if len(q.items) >= q.capacity && !q.backpressured {
		q.backpressured = true
		q.resumePending = false
		s.backpressure = true
	}
	q.mu.Unlock()

	s.fire(q.listener)
}

// Pause withholds flow permits. Buffered messages can still be received.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume releases any permits accumulated while paused and delivers a
// deferred resume signal.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false

	var s signals
	if q.permits > 0 {
		s.flow = q.permits
		q.permits = 0
	}
	if q.resumePending {
		q.resumePending = false
		s.resume = true
	}
	q.mu.Unlock()

	s.fire(q.listener)
}

// Paused reports whether flow is currently withheld.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Permits returns the number of earned permits not yet released.
func (q *Queue) Permits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.permits
}

// Close discards buffered messages and wakes every blocked receiver and
// pusher. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
