package couchbase

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Transactions runs functions inside Couchbase distributed transactions.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

// NewTransactions creates a transaction runner. A zero timeout means 10s.
func NewTransactions(cluster *gocb.Cluster, timeout time.Duration) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Transactions{
		cluster: cluster,
		timeout: timeout,
	}, nil
}

// Transaction runs fn until it commits, rolls back or the transaction times
// out. fn may run more than once; it must not have side effects outside r.
// An error returned by fn is kept in the returned error chain.
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

func (t *transactionRunner) Get(tc TransactionCollection, key string) (TransactionDoc, error) {
	res, err := t.ctx.Get(tc.Collection(), key)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (TransactionDoc, error) {
	res, err := t.ctx.Insert(tc.Collection(), key, value)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (t *transactionRunner) Replace(doc TransactionDoc, value any) (TransactionDoc, error) {
	current, err := getResult(doc)
	if err != nil {
		return nil, err
	}

	res, err := t.ctx.Replace(current, value)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (t *transactionRunner) Remove(doc TransactionDoc) error {
	current, err := getResult(doc)
	if err != nil {
		return err
	}

	return t.ctx.Remove(current)
}

func (t *transactionRunner) Query(statement string, params map[string]any) (TransactionRows, error) {
	res, err := t.ctx.Query(statement, &gocb.TransactionQueryOptions{NamedParameters: params})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func getResult(doc TransactionDoc) (*gocb.TransactionGetResult, error) {
	res, ok := doc.(*gocb.TransactionGetResult)
	if !ok || res == nil {
		return nil, fmt.Errorf("document %T was not read in this transaction", doc)
	}

	return res, nil
}

// Transactor runs transaction attempts. *Transactions is the Couchbase
// implementation.
type Transactor interface {
	Transaction(fn TransactionAttempt) (string, error)
}

var _ Transactor = (*Transactions)(nil)

// TransactionRunner is the set of operations available inside a transaction.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (TransactionDoc, error)
	Insert(tc TransactionCollection, key string, value any) (TransactionDoc, error)
	Replace(doc TransactionDoc, value any) (TransactionDoc, error)
	Remove(doc TransactionDoc) error
	Query(statement string, params map[string]any) (TransactionRows, error)
}

// TransactionDoc is a document read or written inside a transaction.
type TransactionDoc interface {
	Content(valuePtr any) error
}

// TransactionRows are the buffered rows of a query run inside a transaction.
type TransactionRows interface {
	Next() bool
	Row(valuePtr any) error
}

// TransactionCollection is anything that can name its collection.
type TransactionCollection interface {
	Collection() *gocb.Collection
	Name() string
}

// TransactionAttempt is one attempt of a transaction.
type TransactionAttempt func(r TransactionRunner) error
