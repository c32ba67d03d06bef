package pub

import (
	"context"
	"sync"
)

// AckReceipt reports whether an acknowledgment has been durably confirmed by
// the controller. The ack call itself never waits on it; callers that need
// durability wait on the receipt.
type AckReceipt struct {
	id         MessageID
	cumulative bool

	once sync.Once
	done chan struct{}
	err  error
}

// NewAckReceipt returns an unresolved receipt for an ack of id.
func NewAckReceipt(id MessageID, cumulative bool) *AckReceipt {
	return &AckReceipt{
		id:         id,
		cumulative: cumulative,
		done:       make(chan struct{}),
	}
}

// ResolvedAckReceipt returns a receipt that is already confirmed. Used for
// redundant acks that were subsumed by an earlier one.
func ResolvedAckReceipt(id MessageID, cumulative bool) *AckReceipt {
	r := NewAckReceipt(id, cumulative)
	r.Resolve(nil)
	return r
}

// Resolve records the controller outcome. Only the first call has effect.
func (r *AckReceipt) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// MessageID returns the acknowledged id.
func (r *AckReceipt) MessageID() MessageID {
	return r.id
}

// Cumulative reports whether the receipt belongs to a cumulative ack.
func (r *AckReceipt) Cumulative() bool {
	return r.cumulative
}

// Done is closed once the controller has answered.
func (r *AckReceipt) Done() <-chan struct{} {
	return r.done
}

// Confirmed reports whether the ack was durably accepted. It does not block.
func (r *AckReceipt) Confirmed() bool {
	select {
	case <-r.done:
		return r.err == nil
	default:
		return false
	}
}

// Err returns the confirmation failure, or nil while unresolved or on success.
func (r *AckReceipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the ack is confirmed, fails, or ctx is done.
func (r *AckReceipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
