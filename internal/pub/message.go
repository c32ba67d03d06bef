package pub

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// MessageID identifies a message delivered on a topic partition. Ids are
// totally ordered and comparable, so they can be used directly as map keys.
type MessageID struct {
	LedgerID   int64 `json:"ledgerId"`
	EntryID    int64 `json:"entryId"`
	Partition  int32 `json:"partition"`
	BatchIndex int32 `json:"batchIndex"`
}

// EarliestMessageID sorts before every id a producer can assign.
var EarliestMessageID = MessageID{LedgerID: -1, EntryID: -1, Partition: -1, BatchIndex: -1}

// Compare returns -1, 0 or 1 depending on whether id sorts before, equal to
// or after other. Ordering is ledger, entry, batch index, then partition.
func (id MessageID) Compare(other MessageID) int {
	switch {
	case id.LedgerID != other.LedgerID:
		return cmp.Compare(id.LedgerID, other.LedgerID)
	case id.EntryID != other.EntryID:
		return cmp.Compare(id.EntryID, other.EntryID)
	case id.BatchIndex != other.BatchIndex:
		return cmp.Compare(id.BatchIndex, other.BatchIndex)
	default:
		return cmp.Compare(id.Partition, other.Partition)
	}
}

// Less reports whether id sorts before other.
func (id MessageID) Less(other MessageID) bool {
	return id.Compare(other) < 0
}

// MessageId lets a MessageID be passed anywhere an Ackable is accepted.
func (id MessageID) MessageId() MessageID {
	return id
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", id.LedgerID, id.EntryID, id.Partition, id.BatchIndex)
}

// Ackable is anything carrying a MessageID: a MessageID itself or a Message.
type Ackable interface {
	MessageId() MessageID
}

// Message is a delivered message. Consumers hand out copies; callers must not
// mutate Payload or Properties.
type Message struct {
	ID              MessageID         `json:"id"`
	Topic           string            `json:"topic"`
	Payload         []byte            `json:"payload"`
	Properties      map[string]string `json:"properties,omitempty"`
	PublishTime     time.Time         `json:"publishTime"`
	RedeliveryCount int               `json:"redeliveryCount,omitempty"`
}

// MessageId implements Ackable.
func (m Message) MessageId() MessageID {
	return m.ID
}

// Property returns the value of a message property and whether it was set.
func (m Message) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// PropertyKeys returns the property names in sorted order.
func (m Message) PropertyKeys() []string {
	return slices.Sorted(maps.Keys(m.Properties))
}

// Clone returns a deep copy of m so the caller cannot alias transport buffers.
func (m Message) Clone() Message {
	c := m
	if m.Payload != nil {
		c.Payload = slices.Clone(m.Payload)
	}
	if m.Properties != nil {
		c.Properties = maps.Clone(m.Properties)
	}
	return c
}

func MessageKey(topic string, id MessageID) string {
	return fmt.Sprintf("message::%s::%d::%d::%d::%d", topic, id.Partition, id.LedgerID, id.EntryID, id.BatchIndex)
}
