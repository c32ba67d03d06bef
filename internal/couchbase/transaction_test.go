package couchbase

import (
	"errors"
	"testing"

	"github.com/couchbase/gocb/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Next int64 `json:"next"`
}

type stubCollection struct{}

func (stubCollection) Collection() *gocb.Collection { return nil }

// stubRunner serves Get and Insert from queued errors and records inserts.
type stubRunner struct {
	getErrs    []error
	insertErrs []error
	inserted   []any
	gets       int
}

func (r *stubRunner) Get(TransactionCollection, string) (*gocb.TransactionGetResult, error) {
	r.gets++
	err := r.getErrs[0]
	r.getErrs = r.getErrs[1:]
	return nil, err
}

func (r *stubRunner) Insert(_ TransactionCollection, _ string, value any) (*gocb.TransactionGetResult, error) {
	var err error
	if len(r.insertErrs) > 0 {
		err = r.insertErrs[0]
		r.insertErrs = r.insertErrs[1:]
	}
	if err == nil {
		r.inserted = append(r.inserted, value)
	}
	return nil, err
}

func (r *stubRunner) Replace(*gocb.TransactionGetResult, any) (*gocb.TransactionGetResult, error) {
	return nil, errors.New("unexpected replace")
}

func TestAdvance_CreatesMissingDocument(t *testing.T) {
	r := &stubRunner{getErrs: []error{gocb.ErrDocumentNotFound}}

	err := Advance(r, stubCollection{}, "offset::orders::0",
		func() counter { return counter{Next: 5} },
		func(*counter) bool { t.Fatal("advance called for a new document"); return false },
	)
	require.NoError(t, err)
	assert.Equal(t, []any{counter{Next: 5}}, r.inserted)
}

func TestAdvance_RetriesLostInsertRace(t *testing.T) {
	r := &stubRunner{
		getErrs:    []error{gocb.ErrDocumentNotFound, gocb.ErrDocumentNotFound},
		insertErrs: []error{gocb.ErrDocumentExists},
	}

	err := Advance(r, stubCollection{}, "key", func() counter { return counter{} }, func(*counter) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 2, r.gets)
	assert.Len(t, r.inserted, 1)
}

func TestAdvance_WrapsFailures(t *testing.T) {
	cause := errors.New("timeout")

	r := &stubRunner{getErrs: []error{cause}}
	err := Advance(r, stubCollection{}, "key", func() counter { return counter{} }, func(*counter) bool { return false })
	assert.ErrorIs(t, err, cause)

	r = &stubRunner{getErrs: []error{gocb.ErrDocumentNotFound}, insertErrs: []error{cause}}
	err = Advance(r, stubCollection{}, "key", func() counter { return counter{} }, func(*counter) bool { return false })
	assert.ErrorIs(t, err, cause)
}

func TestNewTransactions_RequiresCluster(t *testing.T) {
	_, err := NewTransactions(nil, 0)
	assert.Error(t, err)
}
