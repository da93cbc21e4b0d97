// Package memstore is an in-process RemoteStore. It backs development
// servers, seeding and tests, and mirrors the delivery semantics of a
// change-notification document store: every subscription receives the
// current result set when opened and again after each change to it.
//
// Deliveries run on a single dispatcher goroutine, in write order, with no
// store lock held, so callbacks may read from and write to the store.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

var errStoreClosed = errors.New("memstore: store closed")

type subscription struct {
	id    uint64
	query *port.Query
	path  string
	qfn   port.QueryFunc
	dfn   port.DocFunc
	// last is the fingerprint of the previous delivery.
	last   string
	closed atomic.Bool
	// stop detaches the context watcher; guarded by Store.mu.
	stop func() bool
}

// Store keeps documents keyed by full path.
type Store struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	docs   map[string]json.RawMessage
	subs   map[uint64]*subscription
	nextID uint64
	queue  []func()
	busy   bool
	closed bool

	failWrites map[string]error
}

var _ port.RemoteStore = (*Store)(nil)

// New starts the dispatcher. Call Close to stop it.
func New(logger *zap.Logger) *Store {
	s := &Store{
		logger:     logger,
		docs:       make(map[string]json.RawMessage),
		subs:       make(map[uint64]*subscription),
		failWrites: make(map[string]error),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

func (s *Store) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.queue = nil
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		s.run(fn)

		s.mu.Lock()
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Store) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// enqueue must be called with s.mu held.
func (s *Store) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
	s.cond.Broadcast()
}

// Quiesce blocks until every pending delivery, including those enqueued by
// callbacks, has run. It must not be called from a callback.
func (s *Store) Quiesce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for (len(s.queue) > 0 || s.busy) && !s.closed {
		s.cond.Wait()
	}
}

// ActiveSubscriptions is the number of open subscription handles.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close stops the dispatcher and drops every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.closed.Store(true)
		delete(s.subs, id)
	}
	s.cond.Broadcast()
}

// FailWrites makes every write to a path under prefix fail with err.
// A nil err clears the injection.
func (s *Store) FailWrites(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failWrites, prefix)
		return
	}
	s.failWrites[prefix] = err
}

// InjectError delivers err to every query subscription on collection.
func (s *Store) InjectError(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.query == nil || sub.query.Collection != collection {
			continue
		}
		sub := sub
		s.enqueue(func() { s.deliverErr(sub, err) })
	}
}

// ============================================================
// Subscriptions
// ============================================================

// Subscribe delivers the result set of q now and after every change to it.
func (s *Store) Subscribe(ctx context.Context, q port.Query, fn port.QueryFunc) (port.Unsubscribe, error) {
	if q.Collection == "" {
		return nil, &domain.ErrValidation{Field: "collection", Message: "is required"}
	}
	qc := q
	return s.open(ctx, &subscription{query: &qc, qfn: fn})
}

// SubscribeDoc delivers the document at path now and after every write to it.
func (s *Store) SubscribeDoc(ctx context.Context, path string, fn port.DocFunc) (port.Unsubscribe, error) {
	if err := validPath(path); err != nil {
		return nil, err
	}
	return s.open(ctx, &subscription{path: path, dfn: fn})
}

func (s *Store) open(ctx context.Context, sub *subscription) (port.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.schedule(sub, true)
	s.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sub.closed.Store(true)
			s.mu.Lock()
			delete(s.subs, sub.id)
			stop := sub.stop
			s.cond.Broadcast()
			s.mu.Unlock()
			if stop != nil {
				stop()
			}
		})
	}
	s.mu.Lock()
	sub.stop = context.AfterFunc(ctx, unsub)
	s.mu.Unlock()
	return unsub, nil
}

// schedule snapshots the subscription's view and queues its delivery.
// It must be called with s.mu held. Unchanged query results are skipped
// unless force is set.
func (s *Store) schedule(sub *subscription, force bool) {
	if sub.query != nil {
		docs, err := s.query(*sub.query)
		if err != nil {
			s.enqueue(func() { s.deliverErr(sub, err) })
			return
		}
		fp := fingerprint(docs)
		if !force && fp == sub.last {
			return
		}
		sub.last = fp
		s.enqueue(func() {
			if !sub.closed.Load() {
				sub.qfn(docs, nil)
			}
		})
		return
	}

	var doc *port.Document
	if data, ok := s.docs[sub.path]; ok {
		_, id := port.SplitPath(sub.path)
		doc = &port.Document{ID: id, Path: sub.path, Data: data}
	}
	s.enqueue(func() {
		if !sub.closed.Load() {
			sub.dfn(doc, nil)
		}
	})
}

func (s *Store) deliverErr(sub *subscription, err error) {
	if sub.closed.Load() {
		return
	}
	if sub.qfn != nil {
		sub.qfn(nil, err)
		return
	}
	sub.dfn(nil, err)
}

// notify must be called with s.mu held after a commit touching paths.
func (s *Store) notify(paths map[string]struct{}) {
	collections := make(map[string]struct{}, len(paths))
	for p := range paths {
		c, _ := port.SplitPath(p)
		collections[c] = struct{}{}
	}

	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sub := s.subs[id]
		if sub.query != nil {
			if _, ok := collections[sub.query.Collection]; ok {
				s.schedule(sub, false)
			}
			continue
		}
		if _, ok := paths[sub.path]; ok {
			s.schedule(sub, true)
		}
	}
}

func fingerprint(docs []port.Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.Path)
		b.WriteByte(0)
		b.Write(d.Data)
		b.WriteByte(0)
	}
	return b.String()
}

// ============================================================
// Reads
// ============================================================

// Get returns the document at path.
func (s *Store) Get(_ context.Context, path string) (*port.Document, error) {
	if err := validPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[path]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "document", ID: path}
	}
	_, id := port.SplitPath(path)
	return &port.Document{ID: id, Path: path, Data: data}, nil
}

// List runs q once.
func (s *Store) List(_ context.Context, q port.Query) ([]port.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query(q)
}

// query must be called with s.mu held.
func (s *Store) query(q port.Query) ([]port.Document, error) {
	filters, err := normalizeFilters(q.Filters)
	if err != nil {
		return nil, err
	}
	anyOf, err := normalizeFilters(q.AnyOf)
	if err != nil {
		return nil, err
	}

	type row struct {
		doc    port.Document
		fields map[string]any
	}
	var rows []row
	for path, data := range s.docs {
		c, id := port.SplitPath(path)
		if c != q.Collection {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if !matchAll(fields, filters) || (len(anyOf) > 0 && !matchAny(fields, anyOf)) {
			continue
		}
		rows = append(rows, row{doc: port.Document{ID: id, Path: path, Data: data}, fields: fields})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
			if c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return rows[i].doc.ID < rows[j].doc.ID
	})

	docs := make([]port.Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs, nil
}

// normalizeFilters round-trips filter values through JSON so they compare
// equal to decoded document fields.
func normalizeFilters(filters []port.Filter) ([]port.Filter, error) {
	out := make([]port.Filter, len(filters))
	for i, f := range filters {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, &domain.ErrValidation{Field: f.Field, Message: err.Error()}
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &domain.ErrValidation{Field: f.Field, Message: err.Error()}
		}
		out[i] = port.Filter{Field: f.Field, Op: f.Op, Value: v}
	}
	return out, nil
}

func matchAll(fields map[string]any, filters []port.Filter) bool {
	for _, f := range filters {
		if !match(fields, f) {
			return false
		}
	}
	return true
}

func matchAny(fields map[string]any, filters []port.Filter) bool {
	for _, f := range filters {
		if match(fields, f) {
			return true
		}
	}
	return false
}

func match(fields map[string]any, f port.Filter) bool {
	v, ok := fields[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case port.OpEqual:
		return reflect.DeepEqual(v, f.Value)
	case port.OpArrayContains:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range arr {
			if reflect.DeepEqual(e, f.Value) {
				return true
			}
		}
	}
	return false
}

// compareValues orders timestamps chronologically, numbers numerically and
// everything else by its string form. Missing values sort first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		at, errA := time.Parse(time.RFC3339Nano, as)
		bt, errB := time.Parse(time.RFC3339Nano, bs)
		if errA == nil && errB == nil {
			return at.Compare(bt)
		}
		return strings.Compare(as, bs)
	}
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ============================================================
// Writes
// ============================================================

// Set replaces the document at path.
func (s *Store) Set(ctx context.Context, path string, data any) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteSet, Path: path, Data: data}})
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteUpdate, Path: path, Fields: fields}})
}

// ArrayUnion adds the values missing from an array field.
func (s *Store) ArrayUnion(ctx context.Context, path, field string, values ...string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteArrayUnion, Path: path, Field: field, Values: values}})
}

// ArrayRemove drops every occurrence of values from an array field.
func (s *Store) ArrayRemove(ctx context.Context, path, field string, values ...string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteArrayRemove, Path: path, Field: field, Values: values}})
}

// Delete removes the document at path. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteDelete, Path: path}})
}

// BatchWrite applies ops in order against a staged copy and commits only
// when every op succeeded.
func (s *Store) BatchWrite(ctx context.Context, ops []port.WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	staged := make(map[string]json.RawMessage, len(ops))
	deleted := make(map[string]struct{})
	lookup := func(path string) (json.RawMessage, bool) {
		if data, ok := staged[path]; ok {
			return data, true
		}
		if _, ok := deleted[path]; ok {
			return nil, false
		}
		data, ok := s.docs[path]
		return data, ok
	}

	for _, op := range ops {
		if err := validPath(op.Path); err != nil {
			return err
		}
		if err := s.injected(op.Path); err != nil {
			return err
		}

		current, exists := lookup(op.Path)
		var next json.RawMessage
		var err error
		switch op.Kind {
		case port.WriteSet:
			next, err = json.Marshal(op.Data)
		case port.WriteUpdate:
			if !exists {
				return &domain.ErrNotFound{Resource: "document", ID: op.Path}
			}
			next, err = merge(current, op.Fields)
		case port.WriteArrayUnion, port.WriteArrayRemove:
			if !exists {
				return &domain.ErrNotFound{Resource: "document", ID: op.Path}
			}
			next, err = editArray(current, op.Field, op.Values, op.Kind == port.WriteArrayUnion)
		case port.WriteDelete:
			delete(staged, op.Path)
			deleted[op.Path] = struct{}{}
			continue
		default:
			return &domain.ErrValidation{Field: "kind", Message: "unsupported write " + string(op.Kind)}
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op.Kind, op.Path, err)
		}
		delete(deleted, op.Path)
		staged[op.Path] = next
	}

	touched := make(map[string]struct{}, len(staged)+len(deleted))
	for path := range deleted {
		if _, ok := s.docs[path]; ok {
			delete(s.docs, path)
			touched[path] = struct{}{}
		}
	}
	for path, data := range staged {
		if old, ok := s.docs[path]; ok && bytes.Equal(old, data) {
			continue
		}
		s.docs[path] = data
		touched[path] = struct{}{}
	}
	if len(touched) > 0 {
		s.notify(touched)
	}
	s.logger.Debug("batch committed", zap.Int("ops", len(ops)), zap.Int("changed", len(touched)))
	return nil
}

// injected must be called with s.mu held.
func (s *Store) injected(path string) error {
	for prefix, err := range s.failWrites {
		if strings.HasPrefix(path, prefix) {
			return err
		}
	}
	return nil
}

func merge(current json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	doc := map[string]any{}
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	return json.Marshal(doc)
}

func editArray(current json.RawMessage, field string, values []string, union bool) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, err
	}
	var arr []string
	if raw, ok := doc[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("field %s is not a string array: %w", field, err)
		}
	}
	arr = ApplyArrayEdit(arr, values, union)
	raw, err := json.Marshal(arr)
	if err != nil {
		return nil, err
	}
	doc[field] = raw
	return json.Marshal(doc)
}

// ApplyArrayEdit returns arr with values added (union) or removed.
// Union keeps existing order and appends only values not yet present.
func ApplyArrayEdit(arr, values []string, union bool) []string {
	out := make([]string, 0, len(arr)+len(values))
	if union {
		seen := make(map[string]struct{}, len(arr)+len(values))
		for _, v := range append(append([]string{}, arr...), values...) {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		return out
	}
	drop := make(map[string]struct{}, len(values))
	for _, v := range values {
		drop[v] = struct{}{}
	}
	for _, v := range arr {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func validPath(path string) error {
	c, id := port.SplitPath(path)
	if c == "" || id == "" || strings.Contains(path, "//") {
		return &domain.ErrValidation{Field: "path", Message: strconv.Quote(path) + " is not a document path"}
	}
	return nil
}
