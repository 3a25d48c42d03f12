package couchbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	cb "broker/internal/couchbase"
)

// fakeBucket keeps documents in memory and runs transactions by snapshot
// and rollback. Write-write conflicts surface as gocb.ErrCasMismatch and
// make the transaction retry its attempt, like the SDK does.
//
// Hooks run once, right after the operation they are keyed by, and stand in
// for writes committed by another client at that point.
type fakeBucket struct {
	docs     map[string]map[string]storedDoc
	snapshot map[string]map[string]storedDoc
	counters map[string]uint64
	cas      uint64

	ops     []string
	hooks   map[string]func()
	failing map[string]error

	transactions int
	retries      int
}

type storedDoc struct {
	raw json.RawMessage
	cas uint64
}

const maxAttempts = 3

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		docs:     make(map[string]map[string]storedDoc),
		counters: make(map[string]uint64),
		hooks:    make(map[string]func()),
		failing:  make(map[string]error),
	}
}

func newTestStore() (*Store, *fakeBucket) {
	b := newFakeBucket()
	n := 0

	s := &Store{
		topics:        &fakeCollection[topicDoc]{b: b, name: topicsCollection},
		subscriptions: &fakeCollection[subscriptionDoc]{b: b, name: subscriptionsCollection},
		events:        &fakeCollection[eventDoc]{b: b, name: eventsCollection},
		deliveries:    &fakeCollection[deliveryDoc]{b: b, name: deliveriesCollection},
		names:         &fakeCollection[nameDoc]{b: b, name: namesCollection},
		sequences:     &fakeCollection[uint64]{b: b, name: sequencesCollection},
		transactions:  b,
		logger:        zap.NewNop(),
		newKey: func() string {
			n++
			return fmt.Sprintf("lease-%d", n)
		},
	}

	return s, b
}

// after registers a one-shot hook for op, e.g. "get deliveries/delivery::1"
// or "query deliveries".
func (b *fakeBucket) after(op string, fn func()) {
	b.hooks[op] = fn
}

// fail makes the next op fail with err.
func (b *fakeBucket) fail(op string, err error) {
	b.failing[op] = err
}

func (b *fakeBucket) do(op string) error {
	b.ops = append(b.ops, op)
	if err, ok := b.failing[op]; ok {
		delete(b.failing, op)
		return err
	}

	return nil
}

func (b *fakeBucket) done(op string) {
	if fn, ok := b.hooks[op]; ok {
		delete(b.hooks, op)
		fn()
	}
}

// put writes a document as if another client committed it. It survives the
// rollback of a running transaction.
func (b *fakeBucket) put(collection, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	doc := b.store(b.docs, collection, key, raw)
	if b.snapshot != nil {
		if b.snapshot[collection] == nil {
			b.snapshot[collection] = make(map[string]storedDoc)
		}
		b.snapshot[collection][key] = doc
	}
}

func (b *fakeBucket) store(docs map[string]map[string]storedDoc, collection, key string, raw json.RawMessage) storedDoc {
	if docs[collection] == nil {
		docs[collection] = make(map[string]storedDoc)
	}
	b.cas++
	doc := storedDoc{raw: raw, cas: b.cas}
	docs[collection][key] = doc

	return doc
}

func (b *fakeBucket) lookup(collection, key string) (storedDoc, bool) {
	doc, ok := b.docs[collection][key]
	return doc, ok
}

func (b *fakeBucket) has(collection, key string) bool {
	_, ok := b.lookup(collection, key)
	return ok
}

func (b *fakeBucket) count(collection string) int {
	return len(b.docs[collection])
}

func (b *fakeBucket) decode(collection, key string, v any) bool {
	doc, ok := b.lookup(collection, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(doc.raw, v); err != nil {
		panic(err)
	}

	return true
}

func (b *fakeBucket) clone() map[string]map[string]storedDoc {
	out := make(map[string]map[string]storedDoc, len(b.docs))
	for name, docs := range b.docs {
		out[name] = maps.Clone(docs)
	}

	return out
}

// Transaction implements cb.Transactor.
func (b *fakeBucket) Transaction(fn cb.TransactionAttempt) (string, error) {
	b.transactions++

	for attempt := 1; ; attempt++ {
		b.snapshot = b.clone()
		err := fn(&fakeRunner{b: b})
		if err == nil {
			b.snapshot = nil
			return fmt.Sprintf("tx-%d", b.transactions), nil
		}

		b.docs, b.snapshot = b.snapshot, nil
		switch {
		case errors.Is(err, gocb.ErrCasMismatch) && attempt < maxAttempts:
			b.retries++
			continue
		case errors.Is(err, gocb.ErrAttemptExpired):
			return "", fmt.Errorf("failed to run transaction: %w", &gocb.TransactionExpiredError{})
		default:
			return "", fmt.Errorf("failed to run transaction: %w", err)
		}
	}
}

type fakeDoc struct {
	collection string
	key        string
	raw        json.RawMessage
	cas        uint64
}

func (d *fakeDoc) Content(v any) error {
	return json.Unmarshal(d.raw, v)
}

type fakeRunner struct {
	b *fakeBucket
}

func (r *fakeRunner) Get(tc cb.TransactionCollection, key string) (cb.TransactionDoc, error) {
	op := fmt.Sprintf("get %s/%s", tc.Name(), key)
	if err := r.b.do(op); err != nil {
		return nil, err
	}

	doc, ok := r.b.lookup(tc.Name(), key)
	if !ok {
		return nil, fmt.Errorf("transaction get %s: %w", key, gocb.ErrDocumentNotFound)
	}
	defer r.b.done(op)

	return &fakeDoc{collection: tc.Name(), key: key, raw: doc.raw, cas: doc.cas}, nil
}

func (r *fakeRunner) Insert(tc cb.TransactionCollection, key string, value any) (cb.TransactionDoc, error) {
	op := fmt.Sprintf("insert %s/%s", tc.Name(), key)
	if err := r.b.do(op); err != nil {
		return nil, err
	}
	if r.b.has(tc.Name(), key) {
		return nil, fmt.Errorf("transaction insert %s: %w", key, gocb.ErrDocumentExists)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	doc := r.b.store(r.b.docs, tc.Name(), key, raw)
	defer r.b.done(op)

	return &fakeDoc{collection: tc.Name(), key: key, raw: raw, cas: doc.cas}, nil
}

func (r *fakeRunner) Replace(d cb.TransactionDoc, value any) (cb.TransactionDoc, error) {
	current := d.(*fakeDoc)
	op := fmt.Sprintf("replace %s/%s", current.collection, current.key)
	if err := r.b.do(op); err != nil {
		return nil, err
	}

	stored, ok := r.b.lookup(current.collection, current.key)
	if !ok {
		return nil, fmt.Errorf("transaction replace %s: %w", current.key, gocb.ErrDocumentNotFound)
	}
	if stored.cas != current.cas {
		return nil, fmt.Errorf("transaction replace %s: %w", current.key, gocb.ErrCasMismatch)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	doc := r.b.store(r.b.docs, current.collection, current.key, raw)
	defer r.b.done(op)

	return &fakeDoc{collection: current.collection, key: current.key, raw: raw, cas: doc.cas}, nil
}

func (r *fakeRunner) Remove(d cb.TransactionDoc) error {
	current := d.(*fakeDoc)
	op := fmt.Sprintf("remove %s/%s", current.collection, current.key)
	if err := r.b.do(op); err != nil {
		return err
	}

	stored, ok := r.b.lookup(current.collection, current.key)
	if !ok || stored.cas != current.cas {
		return fmt.Errorf("transaction remove %s: %w", current.key, gocb.ErrCasMismatch)
	}
	delete(r.b.docs[current.collection], current.key)
	r.b.done(op)

	return nil
}

func (r *fakeRunner) Query(statement string, params map[string]any) (cb.TransactionRows, error) {
	rows, err := r.b.query(statement, params)
	if err != nil {
		return nil, err
	}

	return &fakeRows{rows: rows}, nil
}

type fakeRows struct {
	rows []json.RawMessage
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *fakeRows) Row(v any) error {
	return json.Unmarshal(r.rows[r.i-1], v)
}

var (
	keyspacePattern = regexp.MustCompile("FROM `test`\\.`_default`\\.`(\\w+)`")
	paramPattern    = regexp.MustCompile(`\b\w\.(\w+) = \$(\w+)`)
	boolPattern     = regexp.MustCompile(`\b\w\.(\w+) = (true|false)\b`)
)

// query evaluates the handful of N1QL shapes the store issues.
func (b *fakeBucket) query(statement string, params map[string]any) ([]json.RawMessage, error) {
	m := keyspacePattern.FindStringSubmatch(statement)
	if m == nil {
		return nil, fmt.Errorf("unsupported statement %q", statement)
	}
	collection := m[1]

	op := "query " + collection
	if err := b.do(op); err != nil {
		return nil, err
	}
	defer b.done(op)

	keys := slices.Sorted(maps.Keys(b.docs[collection]))
	matched := make([]string, 0, len(keys))
	fields := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		var doc map[string]any
		if err := json.Unmarshal(b.docs[collection][key].raw, &doc); err != nil {
			return nil, err
		}
		if matches(statement, params, doc) {
			matched = append(matched, key)
			fields = append(fields, doc)
		}
	}

	var rows []json.RawMessage
	switch {
	case strings.HasPrefix(statement, "DELETE"):
		for _, key := range matched {
			delete(b.docs[collection], key)
		}
	case strings.HasPrefix(statement, "SELECT RAW COUNT(*)"):
		rows = append(rows, json.RawMessage(fmt.Sprint(len(matched))))
	case strings.HasPrefix(statement, "SELECT RAW s.id"):
		for _, doc := range fields {
			raw, _ := json.Marshal(doc["id"])
			rows = append(rows, raw)
		}
	default:
		for _, key := range matched {
			rows = append(rows, b.docs[collection][key].raw)
		}
	}

	return rows, nil
}

func matches(statement string, params map[string]any, doc map[string]any) bool {
	if strings.Contains(statement, "ANY b IN s.topicSubscriptions") {
		bindings, _ := doc["topicSubscriptions"].([]any)
		for _, raw := range bindings {
			binding, _ := raw.(map[string]any)
			if number(binding["topicId"]) == number(params["topic"]) {
				return true
			}
		}
		return false
	}

	for _, m := range paramPattern.FindAllStringSubmatch(statement, -1) {
		if number(doc[m[1]]) != number(params[m[2]]) {
			return false
		}
	}
	for _, m := range boolPattern.FindAllStringSubmatch(statement, -1) {
		got, _ := doc[m[1]].(bool)
		if got != (m[2] == "true") {
			return false
		}
	}

	return true
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return -1
	}
}

// fakeCollection serves the non-transactional collection API from a
// fakeBucket.
type fakeCollection[T any] struct {
	b    *fakeBucket
	name string
}

var _ collection[deliveryDoc] = (*fakeCollection[deliveryDoc])(nil)

func (c *fakeCollection[T]) Collection() *gocb.Collection { return nil }

func (c *fakeCollection[T]) Name() string { return c.name }

func (c *fakeCollection[T]) Keyspace() string {
	return fmt.Sprintf("`test`.`_default`.`%s`", c.name)
}

func (c *fakeCollection[T]) Insert(_ context.Context, key string, value T, _ *gocb.InsertOptions) error {
	if c.b.has(c.name, key) {
		return fmt.Errorf("failed to insert document with key %s: %w", key, gocb.ErrDocumentExists)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.b.store(c.b.docs, c.name, key, raw)

	return nil
}

func (c *fakeCollection[T]) Get(_ context.Context, key string, _ *gocb.GetOptions) (*T, error) {
	op := fmt.Sprintf("get %s/%s", c.name, key)
	if err := c.b.do(op); err != nil {
		return nil, err
	}

	doc, ok := c.b.lookup(c.name, key)
	if !ok {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, gocb.ErrDocumentNotFound)
	}
	defer c.b.done(op)

	var v T
	if err := json.Unmarshal(doc.raw, &v); err != nil {
		return nil, err
	}
	if s, ok := any(&v).(cb.CasSetter); ok {
		s.SetCas(doc.cas)
	}

	return &v, nil
}

func (c *fakeCollection[T]) Replace(_ context.Context, key string, v *T, _ *gocb.ReplaceOptions) error {
	stored, ok := c.b.lookup(c.name, key)
	if !ok {
		return fmt.Errorf("failed to replace document with key %s: %w", key, gocb.ErrDocumentNotFound)
	}
	if g, ok := any(v).(cb.CasGetter); ok && g.GetCas() != 0 && g.GetCas() != stored.cas {
		return fmt.Errorf("failed to replace document with key %s: %w", key, gocb.ErrCasMismatch)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc := c.b.store(c.b.docs, c.name, key, raw)
	if s, ok := any(v).(cb.CasSetter); ok {
		s.SetCas(doc.cas)
	}

	return nil
}

func (c *fakeCollection[T]) Remove(_ context.Context, key string, _ *gocb.RemoveOptions) error {
	delete(c.b.docs[c.name], key)
	return nil
}

func (c *fakeCollection[T]) Increment(_ context.Context, key string) (uint64, error) {
	c.b.counters[key]++
	return c.b.counters[key], nil
}

func (c *fakeCollection[T]) Query(_ context.Context, query string, opts *gocb.QueryOptions) ([]T, error) {
	var params map[string]any
	if opts != nil {
		params = opts.NamedParameters
	}

	rows, err := c.b.query(query, params)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

func (c *fakeCollection[T]) EnsureIndex(context.Context, string, ...string) error {
	return nil
}
