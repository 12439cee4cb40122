package remote

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Call describes one operation against a MemoryStore.
type Call struct {
	Op         string
	Collection string
	ID         string
	Query      Query
}

// MemoryStore is an in-process DocumentStore holding BSON documents. It
// matches like MongoStore and supports fault injection.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]bson.Raw
	order    map[string][]string
	offline  bool
	failNext []error
	hook     func(ctx context.Context, c Call) error
	calls    []Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]map[string]bson.Raw{}, order: map[string][]string{}}
}

// SetOffline makes every call fail with ErrUnavailable until reset.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// FailNext queues errors returned by the next calls, one per call.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	m.failNext = append(m.failNext, errs...)
	m.mu.Unlock()
}

// SetHook installs fn to run before every call, outside the store lock.
// A non-nil result fails the call.
func (m *MemoryStore) SetHook(fn func(ctx context.Context, c Call) error) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount counts recorded calls of op against collection ("" matches any).
func (m *MemoryStore) CallCount(op, collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && (collection == "" || c.Collection == collection) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) begin(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return unavailable(c.Op+" "+c.Collection, nil)
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, collection, id string, doc any) error {
	if err := m.begin(ctx, Call{Op: "upsert", Collection: collection, ID: id}); err != nil {
		return err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, raw)
	return nil
}

func (m *MemoryStore) put(collection, id string, raw bson.Raw) {
	coll, ok := m.docs[collection]
	if !ok {
		coll = map[string]bson.Raw{}
		m.docs[collection] = coll
	}
	if _, exists := coll[id]; !exists {
		m.order[collection] = append(m.order[collection], id)
	}
	coll[id] = raw
}

// Seed stores doc without recording a call or applying faults.
func (m *MemoryStore) Seed(collection, id string, doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, raw)
	return nil
}

// Has reports whether a document exists, without recording a call.
func (m *MemoryStore) Has(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[collection][id]
	return ok
}

// Peek decodes a stored document without recording a call.
func (m *MemoryStore) Peek(collection, id string, out any) error {
	m.mu.Lock()
	raw, ok := m.docs[collection][id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return bson.Unmarshal(raw, out)
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string, out any) error {
	if err := m.begin(ctx, Call{Op: "get", Collection: collection, ID: id}); err != nil {
		return err
	}
	m.mu.Lock()
	raw, ok := m.docs[collection][id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return bson.Unmarshal(raw, out)
}

func (m *MemoryStore) Find(ctx context.Context, collection string, q Query) ([]bson.Raw, error) {
	if err := m.begin(ctx, Call{Op: "find", Collection: collection, Query: q}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bson.Raw
	for _, id := range m.order[collection] {
		raw, ok := m.docs[collection][id]
		if !ok {
			continue
		}
		match, err := matches(id, raw, q)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, slices.Clone(raw))
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := m.begin(ctx, Call{Op: "delete", Collection: collection, ID: id}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.order[collection] = slices.DeleteFunc(m.order[collection], func(s string) bool { return s == id })
	return nil
}

func (m *MemoryStore) AtomicAppend(ctx context.Context, collection, id string, a Append) (bool, error) {
	if err := m.begin(ctx, Call{Op: "append", Collection: collection, ID: id}); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[collection][id]
	if !ok {
		return false, nil
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	arr, _ := lookup(doc, a.Field).(primitive.A)
	for _, v := range arr {
		if sameValue(v, a.Value) {
			return false, nil
		}
	}
	var counter int64
	if a.Counter != "" {
		n, ok := toInt64(lookup(doc, a.Counter))
		if !ok || n >= int64(a.Below) {
			return false, nil
		}
		counter = n + 1
	}
	doc = set(doc, a.Field, append(arr, a.Value))
	if a.Counter != "" {
		doc = set(doc, a.Counter, counter)
	}
	updated, err := bson.Marshal(doc)
	if err != nil {
		return false, err
	}
	m.docs[collection][id] = updated
	return true, nil
}

func matches(id string, raw bson.Raw, q Query) (bool, error) {
	switch q.Kind {
	case QueryIDIn:
		return slices.Contains(q.IDs, id), nil
	case QueryFieldEquals, QueryArrayContains:
		if q.Field == "_id" {
			return sameValue(id, q.Value), nil
		}
		var doc bson.D
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return false, err
		}
		v := lookup(doc, q.Field)
		if arr, ok := v.(primitive.A); ok {
			for _, el := range arr {
				if sameValue(el, q.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return sameValue(v, q.Value), nil
	}
	return false, fmt.Errorf("unsupported query kind %d", q.Kind)
}

func lookup(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func set(doc bson.D, key string, v any) bson.D {
	for i, e := range doc {
		if e.Key == key {
			doc[i].Value = v
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: v})
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, da, err := bson.MarshalValue(a)
	if err != nil {
		return false
	}
	tb, db, err := bson.MarshalValue(b)
	if err != nil {
		return false
	}
	return ta == tb && bytes.Equal(da, db)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case nil:
		return 0, true
	}
	return 0, false
}
