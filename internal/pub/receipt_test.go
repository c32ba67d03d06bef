package pub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckReceipt_Resolve(t *testing.T) {
	id := MessageID{LedgerID: 1, EntryID: 2}
	r := NewAckReceipt(id, true)

	assert.Equal(t, id, r.MessageID())
	assert.True(t, r.Cumulative())
	assert.False(t, r.Confirmed())
	assert.NoError(t, r.Err(), "unresolved receipts report no error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	r.Resolve(nil)
	r.Resolve(errors.New("ignored"))

	assert.True(t, r.Confirmed())
	require.NoError(t, r.Wait(context.Background()))
	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestAckReceipt_Failure(t *testing.T) {
	cause := errors.New("unavailable")
	r := NewAckReceipt(MessageID{}, false)

	done := make(chan error, 1)
	go func() { done <- r.Wait(context.Background()) }()

	r.Resolve(cause)
	assert.ErrorIs(t, <-done, cause)
	assert.False(t, r.Confirmed())
	assert.ErrorIs(t, r.Err(), cause)
}

func TestResolvedAckReceipt(t *testing.T) {
	r := ResolvedAckReceipt(MessageID{EntryID: 3}, false)
	assert.True(t, r.Confirmed())
	assert.False(t, r.Cumulative())
}
