package pub

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageID_Compare(t *testing.T) {
	base := MessageID{LedgerID: 1, EntryID: 5, Partition: 0, BatchIndex: 1}

	tests := []struct {
		name  string
		other MessageID
		want  int
	}{
		{"equal", base, 0},
		{"later ledger", MessageID{LedgerID: 2}, -1},
		{"earlier entry", MessageID{LedgerID: 1, EntryID: 4, BatchIndex: 9}, 1},
		{"later batch index", MessageID{LedgerID: 1, EntryID: 5, BatchIndex: 2}, -1},
		{"partition breaks ties", MessageID{LedgerID: 1, EntryID: 5, Partition: 3, BatchIndex: 1}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Compare(tt.other))
			assert.Equal(t, -tt.want, tt.other.Compare(base))
			assert.Equal(t, tt.want < 0, base.Less(tt.other))
		})
	}
}

func TestMessageID_EarliestSortsFirst(t *testing.T) {
	ids := []MessageID{
		{LedgerID: 0, EntryID: 0},
		{LedgerID: 0, EntryID: 0, Partition: 4},
		EarliestMessageID,
	}
	slices.SortFunc(ids, MessageID.Compare)
	assert.Equal(t, EarliestMessageID, ids[0])
}

func TestMessageID_AsMapKey(t *testing.T) {
	seen := map[MessageID]bool{}
	seen[MessageID{LedgerID: 1, EntryID: 2}] = true

	assert.True(t, seen[MessageID{LedgerID: 1, EntryID: 2}])
	assert.False(t, seen[MessageID{LedgerID: 1, EntryID: 2, Partition: 1}])
	assert.Equal(t, "1:2:0:0", MessageID{LedgerID: 1, EntryID: 2}.String())
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := Message{
		ID:         MessageID{LedgerID: 1},
		Payload:    []byte("abc"),
		Properties: map[string]string{"b": "2", "a": "1"},
	}

	c := m.Clone()
	c.Payload[0] = 'X'
	c.Properties["c"] = "3"

	assert.Equal(t, "abc", string(m.Payload))
	assert.Len(t, m.Properties, 2)
	assert.Equal(t, []string{"a", "b"}, m.PropertyKeys())
	assert.Equal(t, m.ID, Ackable(m).MessageId())

	v, ok := m.Property("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = m.Property("missing")
	assert.False(t, ok)

	empty := Message{}.Clone()
	assert.Nil(t, empty.Payload)
	assert.Nil(t, empty.Properties)
}

func TestKeys(t *testing.T) {
	id := MessageID{LedgerID: 1, EntryID: 2, Partition: 3, BatchIndex: 4}

	assert.Equal(t, "message::orders::3::1::2::4", MessageKey("orders", id))
	assert.Equal(t, "receipt::orders::analytics::1:2:3:4", ReceiptKey("orders", "analytics", id))
	assert.Equal(t, "lease::orders::analytics::1:2:3:4", LeaseKey("orders", "analytics", id))
	assert.Equal(t, "cursor::orders::analytics::3", CursorKey("orders", "analytics", 3))
	assert.Equal(t, "subscription::orders::analytics", SubscriptionKey("orders", "analytics"))
	assert.Equal(t, "offset::orders::3", EntryCounterKey("orders", 3))
}

func TestConsumerState(t *testing.T) {
	assert.True(t, StateActive.Receiving())
	assert.True(t, StatePaused.Receiving())
	assert.False(t, StateSubscribed.Receiving())
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateUnsubscribed.Terminal())
	assert.False(t, StateCreated.Terminal())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "acknowledged", AckAcknowledged.String())
}
