// Package redelivery tracks messages delivered to a consumer but not yet
// acknowledged, and the per-partition delivery order they arrived in.
package redelivery

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"pubclient/internal/pub"
)

// ErrDuplicate is returned by Track for an id that is already pending.
var ErrDuplicate = errors.New("message already pending")

type partitionState struct {
	last    pub.MessageID
	hasLast bool
	pending map[pub.MessageID]time.Time
	// released keeps the receive time of each released id so Restore can
	// hand it back unchanged.
	released map[pub.MessageID]time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	logger *zap.Logger

	mu         sync.Mutex
	partitions map[int32]*partitionState
	pending    int
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:     logger.Named("redelivery"),
		partitions: make(map[int32]*partitionState),
	}
}

func (c *Coordinator) partition(p int32) *partitionState {
	ps, ok := c.partitions[p]
	if !ok {
		ps = &partitionState{
			pending:  make(map[pub.MessageID]time.Time),
			released: make(map[pub.MessageID]time.Time),
		}
		c.partitions[p] = ps
	}
	return ps
}

// Track records id as delivered to the consumer. Ids must arrive in
// non-decreasing order per partition, except ids previously handed back by
// Release.
func (c *Coordinator) Track(id pub.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.partition(id.Partition)
	if _, ok := ps.pending[id]; ok {
		return ErrDuplicate
	}

	if _, ok := ps.released[id]; ok {
		delete(ps.released, id)
	} else if ps.hasLast && id.Less(ps.last) {
		return fmt.Errorf("%w: %s after %s", pub.ErrOutOfOrder, id, ps.last)
	}

	if !ps.hasLast || ps.last.Less(id) {
		ps.last = id
		ps.hasLast = true
	}
	ps.pending[id] = time.Time{}
	c.pending++

	return nil
}

// Touch records when a pending id was handed to the application. Ack timeouts
// are measured from this point, not from buffering.
func (c *Coordinator) Touch(id pub.MessageID, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.partitions[id.Partition]
	if !ok {
		return false
	}
	if _, ok := ps.pending[id]; !ok {
		return false
	}
	ps.pending[id] = at
	return true
}

// Contains reports whether id is delivered and unacknowledged.
func (c *Coordinator) Contains(id pub.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.partitions[id.Partition]
	if !ok {
		return false
	}
	_, ok = ps.pending[id]
	return ok
}

// Known reports whether id is pending or was released for redelivery and
// has not been pushed again yet.
func (c *Coordinator) Known(id pub.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.partitions[id.Partition]
	if !ok {
		return false
	}
	if _, ok := ps.pending[id]; ok {
		return true
	}
	_, ok = ps.released[id]
	return ok
}

// Remove drops id from the pending set and reports whether it was there.
func (c *Coordinator) Remove(id pub.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.partitions[id.Partition]
	if !ok {
		return false
	}
	if _, ok := ps.pending[id]; !ok {
		return false
	}
	delete(ps.pending, id)
	c.pending--
	return true
}

// RemoveUpTo drops every pending id at or below id on its partition and
// returns them in order. Released ids in that range are forgotten too.
func (c *Coordinator) RemoveUpTo(id pub.MessageID) []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.partitions[id.Partition]
	if !ok {
		return nil
	}

	var removed []pub.MessageID
	for p := range ps.pending {
		if p.Compare(id) <= 0 {
			removed = append(removed, p)
			delete(ps.pending, p)
		}
	}
	c.pending -= len(removed)
	for r := range ps.released {
		if r.Compare(id) <= 0 {
			delete(ps.released, r)
		}
	}

	slices.SortFunc(removed, pub.MessageID.Compare)
	return removed
}

// Pending returns every pending id in order.
func (c *Coordinator) Pending() []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]pub.MessageID, 0, c.pending)
	for _, ps := range c.partitions {
		for id := range ps.pending {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, pub.MessageID.Compare)
	return ids
}

// Len returns the number of pending ids.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Release removes every pending id and marks them as not yet delivered, so
// the delivery path may push them again without breaking ordering.
func (c *Coordinator) Release() []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]pub.MessageID, 0, c.pending)
	for _, ps := range c.partitions {
		for id, at := range ps.pending {
			ids = append(ids, id)
			ps.released[id] = at
			delete(ps.pending, id)
		}
	}
	c.pending = 0

	slices.SortFunc(ids, pub.MessageID.Compare)
	if len(ids) > 0 {
		c.logger.Debug("released pending messages", zap.Int("count", len(ids)))
	}
	return ids
}

// ReleaseIDs is Release restricted to ids. Ids that are not pending are
// ignored; the released ones are returned.
func (c *Coordinator) ReleaseIDs(ids []pub.MessageID) []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := make([]pub.MessageID, 0, len(ids))
	for _, id := range ids {
		ps, ok := c.partitions[id.Partition]
		if !ok {
			continue
		}
		at, ok := ps.pending[id]
		if !ok {
			continue
		}
		delete(ps.pending, id)
		ps.released[id] = at
		released = append(released, id)
	}
	c.pending -= len(released)

	return released
}

// Restore undoes Release for ids whose redelivery could not be requested.
// Ids acknowledged or pushed again in the meantime are skipped; the restored
// ones are returned.
func (c *Coordinator) Restore(ids []pub.MessageID) []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := make([]pub.MessageID, 0, len(ids))
	for _, id := range ids {
		ps, ok := c.partitions[id.Partition]
		if !ok {
			continue
		}
		at, ok := ps.released[id]
		if !ok {
			continue
		}
		delete(ps.released, id)
		ps.pending[id] = at
		restored = append(restored, id)
	}
	c.pending += len(restored)

	return restored
}

// Forget drops released markers for ids that will not be delivered again,
// such as ids acknowledged before their redelivery arrived.
func (c *Coordinator) Forget(id pub.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ps, ok := c.partitions[id.Partition]; ok {
		delete(ps.released, id)
	}
}

// Expired returns pending ids handed out longer than timeout before now.
// Ids still buffered are never expired.
func (c *Coordinator) Expired(now time.Time, timeout time.Duration) []pub.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-timeout)
	var ids []pub.MessageID
	for _, ps := range c.partitions {
		for id, at := range ps.pending {
			if !at.IsZero() && at.Before(cutoff) {
				ids = append(ids, id)
			}
		}
	}
	slices.SortFunc(ids, pub.MessageID.Compare)
	return ids
}

// Reset forgets all state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partitions = make(map[int32]*partitionState)
	c.pending = 0
}
