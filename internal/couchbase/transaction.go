package couchbase

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

const defaultTransactionTimeout = 10 * time.Second

// Transactions runs Couchbase distributed transactions with a shared timeout.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

// NewTransactions creates a new transaction manager for the given cluster. A
// non-positive timeout uses the default of ten seconds.
func NewTransactions(cluster *gocb.Cluster, timeout time.Duration) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}
	if timeout <= 0 {
		timeout = defaultTransactionTimeout
	}

	return &Transactions{
		cluster: cluster,
		timeout: timeout,
	}, nil
}

// Transaction executes fn within a Couchbase distributed transaction, which
// may call fn more than once. Returns the transaction ID on success.
func (t *Transactions) Transaction(fn TransactionAttempt) (string, error) {
	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         t.timeout,
	}
	run := func(actx *gocb.TransactionAttemptContext) error {
		return fn(&transactionRunner{ctx: actx})
	}

	res, err := t.cluster.Transactions().Run(run, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

type transactionRunner struct {
	ctx *gocb.TransactionAttemptContext
}

func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.ctx.Get(tc.Collection(), key)
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Insert(tc.Collection(), key, value)
}

func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Replace(doc, value)
}

// TransactionRunner performs document operations within a transaction.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// TransactionCollection defines the interface for collections that can participate in transactions.
type TransactionCollection interface {
	Collection() *gocb.Collection
}

// TransactionAttempt defines the signature for functions that execute within a transaction.
type TransactionAttempt func(t TransactionRunner) error

// Advance reads the document at key and, if it exists and advance reports a
// change, replaces it. A missing document is created from init. It is the
// monotonic read-modify-write used for cursors and counters.
func Advance[T any](r TransactionRunner, tc TransactionCollection, key string, init func() T, advance func(*T) bool) error {
	for {
		res, err := r.Get(tc, key)
		switch {
		case err == nil:
		case errors.Is(err, gocb.ErrDocumentNotFound):
			_, err := r.Insert(tc, key, init())
			switch {
			case err == nil:
				return nil
			case errors.Is(err, gocb.ErrDocumentExists):
				// lost the race to create it, read it again
				continue
			default:
				return fmt.Errorf("failed to insert %s: %w", key, err)
			}
		default:
			return fmt.Errorf("failed to get %s: %w", key, err)
		}

		var doc T
		if err := res.Content(&doc); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}

		if !advance(&doc) {
			return nil
		}

		if _, err := r.Replace(res, doc); err != nil {
			return fmt.Errorf("failed to replace %s: %w", key, err)
		}

		return nil
	}
}
