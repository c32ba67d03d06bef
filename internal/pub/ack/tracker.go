// Package ack tracks individual and cumulative acknowledgments for a single
// consumer, and whether each acknowledgment has been durably confirmed.
package ack

import (
	"sync"

	"go.uber.org/zap"

	"pubclient/internal/pub"
)

// partitionState holds ack state for one partition. Every id at or below
// watermark is acknowledged; acked holds individually acknowledged ids above it.
// Only a cumulative ack moves the watermark: on shared subscriptions the ids
// between two individual acks may belong to another consumer.
type partitionState struct {
	watermark    pub.MessageID
	hasWatermark bool
	acked        map[pub.MessageID]struct{}

	durableWatermark    pub.MessageID
	hasDurableWatermark bool
	durable             map[pub.MessageID]struct{}

	// cumulative is the receipt of the ack that set watermark, kept until
	// it resolves so redundant acks can share it.
	cumulative *pub.AckReceipt
}

func newPartitionState() *partitionState {
	return &partitionState{
		acked:   make(map[pub.MessageID]struct{}),
		durable: make(map[pub.MessageID]struct{}),
	}
}

func (p *partitionState) covered(id pub.MessageID) bool {
	return p.hasWatermark && id.Compare(p.watermark) <= 0
}

func (p *partitionState) acknowledged(id pub.MessageID) bool {
	if p.covered(id) {
		return true
	}
	_, ok := p.acked[id]
	return ok
}

// Tracker records acknowledgments per partition. It is safe for concurrent use.
type Tracker struct {
	logger *zap.Logger

	mu          sync.Mutex
	partitions  map[int32]*partitionState
	outstanding map[pub.MessageID]*pub.AckReceipt
}

// NewTracker returns an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:      logger.Named("ack-tracker"),
		partitions:  make(map[int32]*partitionState),
		outstanding: make(map[pub.MessageID]*pub.AckReceipt),
	}
}

func (t *Tracker) partition(p int32) *partitionState {
	ps, ok := t.partitions[p]
	if !ok {
		ps = newPartitionState()
		t.partitions[p] = ps
	}
	return ps
}

// IsAcknowledged reports whether id has been acknowledged individually or is
// covered by the cumulative watermark of its partition.
func (t *Tracker) IsAcknowledged(id pub.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.partitions[id.Partition]
	return ok && ps.acknowledged(id)
}

// State reports the ack state of id. delivered tells the tracker whether the
// id is currently pending on the consumer.
func (t *Tracker) State(id pub.MessageID, delivered bool) pub.AckState {
	switch {
	case t.IsAcknowledged(id):
		return pub.AckAcknowledged
	case delivered:
		return pub.AckPending
	default:
		return pub.AckUnknown
	}
}

// Watermark returns the cumulative watermark of a partition and whether one
// has been set.
func (t *Tracker) Watermark(partition int32) (pub.MessageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.partitions[partition]
	if !ok || !ps.hasWatermark {
		return pub.MessageID{}, false
	}
	return ps.watermark, true
}

// Acknowledge records an individual ack. The boolean is false when id was
// already acknowledged, in which case the returned receipt is the one that
// covers it (or an already resolved receipt) and nothing must be sent.
func (t *Tracker) Acknowledge(id pub.MessageID) (*pub.AckReceipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.partition(id.Partition)
	if ps.acknowledged(id) {
		return t.redundant(ps, id, false), false
	}

	ps.acked[id] = struct{}{}
	r := pub.NewAckReceipt(id, false)
	t.outstanding[id] = r

	t.logger.Debug("recorded ack", zap.Stringer("messageId", id))

	return r, true
}

// AcknowledgeCumulative raises the watermark of id's partition to id and
// drops individual entries it subsumes. The boolean is false when the
// watermark already covered id.
func (t *Tracker) AcknowledgeCumulative(id pub.MessageID) (*pub.AckReceipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.partition(id.Partition)
	if ps.covered(id) {
		return t.redundant(ps, id, true), false
	}

	ps.watermark = id
	ps.hasWatermark = true
	for acked := range ps.acked {
		if acked.Compare(id) <= 0 {
			delete(ps.acked, acked)
		}
	}

	r := pub.NewAckReceipt(id, true)
	ps.cumulative = r

	t.logger.Debug("recorded cumulative ack", zap.Stringer("messageId", id))

	return r, true
}

func (t *Tracker) redundant(ps *partitionState, id pub.MessageID, cumulative bool) *pub.AckReceipt {
	if r, ok := t.outstanding[id]; ok {
		return r
	}
	if ps.covered(id) && ps.cumulative != nil {
		return ps.cumulative
	}
	return pub.ResolvedAckReceipt(id, cumulative)
}

// Confirm resolves r with the controller outcome and, on success, records the
// ack as durable.
func (t *Tracker) Confirm(r *pub.AckReceipt, err error) {
	t.mu.Lock()
	id := r.MessageID()
	if cur, ok := t.outstanding[id]; ok && cur == r {
		delete(t.outstanding, id)
	}

	ps := t.partition(id.Partition)
	if ps.cumulative == r {
		ps.cumulative = nil
	}
	if err == nil {
		if r.Cumulative() {
			if !ps.hasDurableWatermark || ps.durableWatermark.Less(id) {
				ps.durableWatermark = id
				ps.hasDurableWatermark = true
			}
			for d := range ps.durable {
				if d.Compare(id) <= 0 {
					delete(ps.durable, d)
				}
			}
		} else if !ps.hasDurableWatermark || ps.durableWatermark.Less(id) {
			ps.durable[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("ack not confirmed", zap.Stringer("messageId", id), zap.Bool("cumulative", r.Cumulative()), zap.Error(err))
	}
	r.Resolve(err)
}

// IsDurable reports whether an ack covering id has been confirmed.
func (t *Tracker) IsDurable(id pub.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.partitions[id.Partition]
	if !ok {
		return false
	}
	if ps.hasDurableWatermark && id.Compare(ps.durableWatermark) <= 0 {
		return true
	}
	_, ok = ps.durable[id]
	return ok
}

// Outstanding returns the number of acks awaiting confirmation.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Reset forgets all state. Unresolved receipts fail with ErrConsumerClosed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	outstanding := t.outstanding
	cumulative := make([]*pub.AckReceipt, 0, len(t.partitions))
	for _, ps := range t.partitions {
		if ps.cumulative != nil {
			cumulative = append(cumulative, ps.cumulative)
		}
	}
	t.partitions = make(map[int32]*partitionState)
	t.outstanding = make(map[pub.MessageID]*pub.AckReceipt)
	t.mu.Unlock()

	for _, r := range outstanding {
		r.Resolve(pub.ErrConsumerClosed)
	}
	for _, r := range cumulative {
		r.Resolve(pub.ErrConsumerClosed)
	}
}
