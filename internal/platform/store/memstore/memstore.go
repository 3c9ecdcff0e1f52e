// Package memstore is an in-process implementation of the storage contract.
// Transactions work on a private copy of the data that replaces the
// committed state on success; one transaction (or non-transactional write)
// runs at a time.
package memstore

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpFindAll Op = "findAll"
	OpCount   Op = "count"
	OpSum     Op = "sum"
	OpDestroy Op = "destroy"
	OpAdjust  Op = "adjust"
)

// FaultFunc may return an error to fail an operation before it runs.
type FaultFunc func(op Op, coll store.Collection) error

type dataset map[store.Collection][]store.Record

// Store keeps every collection in memory.
type Store struct {
	mu   sync.RWMutex
	data dataset

	// writeMu serializes transactions and non-transactional writes.
	writeMu sync.Mutex

	faultMu sync.RWMutex
	fault   FaultFunc

	now func() time.Time
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
	_ store.Locker     = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{data: make(dataset), now: time.Now}
}

// SetFault installs (or with nil, removes) a fault hook.
func (s *Store) SetFault(fn FaultFunc) {
	s.faultMu.Lock()
	s.fault = fn
	s.faultMu.Unlock()
}

// SetClock overrides the clock used for createdAt/updatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) checkFault(op Op, coll store.Collection) error {
	s.faultMu.RLock()
	fn := s.fault
	s.faultMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, coll)
}

type txKey struct{}

type txState struct {
	mu   sync.Mutex
	data dataset
}

func txFrom(ctx context.Context) *txState {
	tx, _ := ctx.Value(txKey{}).(*txState)
	return tx
}

// RunInTx runs fn against a private copy of the data and publishes it only
// when fn returns nil and ctx is still live. Nested calls join the outer
// transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	tx := &txState{data: s.data.clone()}
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

func (d dataset) clone() dataset {
	out := make(dataset, len(d))
	for coll, recs := range d {
		cp := make([]store.Record, len(recs))
		for i, r := range recs {
			cp[i] = r.Clone()
		}
		out[coll] = cp
	}
	return out
}

func (s *Store) read(ctx context.Context, fn func(d dataset) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := txFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return fn(tx.data)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) write(ctx context.Context, fn func(d dataset) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := txFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return fn(tx.data)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// Insert adds a record, converting values through the collection schema and
// filling id, createdAt and updatedAt when absent.
func (s *Store) Insert(ctx context.Context, coll store.Collection, fields map[string]interface{}) (store.Record, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return nil, err
	}
	rec := make(store.Record, len(fields)+3)
	for name, v := range fields {
		f, err := schema.Field(name)
		if err != nil {
			return nil, err
		}
		cv, err := coerceValue(name, f.Type, v)
		if err != nil {
			return nil, err
		}
		rec[name] = cv
	}
	now := s.now().UTC()
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.New()
	}
	if _, ok := rec["createdAt"]; !ok {
		rec["createdAt"] = now
	}
	if _, ok := rec["updatedAt"]; !ok {
		rec["updatedAt"] = now
	}

	err = s.write(ctx, func(d dataset) error {
		d[coll] = append(d[coll], rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func coerceValue(name string, t store.FieldType, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case uuid.UUID:
		if t == store.FieldUUID {
			return x, nil
		}
	case time.Time:
		if t == store.FieldTime {
			return x.UTC(), nil
		}
	case int:
		return coerceValue(name, t, float64(x))
	case int64:
		if t == store.FieldInteger {
			return x, nil
		}
		return coerceValue(name, t, float64(x))
	}

	var lit query.Literal
	switch x := v.(type) {
	case string:
		lit = query.StringLit(x)
	case float64:
		lit = query.NumberLit(x)
	case bool:
		lit = query.BoolLit(x)
	case time.Time:
		lit = query.TimeLit(x)
	case uuid.UUID:
		lit = query.StringLit(x.String())
	default:
		return nil, apperr.Validation(name, "unsupported value of type %T", v)
	}
	return store.Coerce(name, t, lit)
}

func (s *Store) FindAll(ctx context.Context, coll store.Collection, plan query.QueryPlan) ([]store.Record, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(plan); err != nil {
		return nil, err
	}
	m, err := compile(schema, plan.Predicate)
	if err != nil {
		return nil, err
	}
	if err := s.checkFault(OpFindAll, coll); err != nil {
		return nil, err
	}

	var out []store.Record
	err = s.read(ctx, func(d dataset) error {
		for _, r := range d[coll] {
			if m.match(r) {
				out = append(out, r.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortRecords(out, plan.Sort)

	if plan.Paginated {
		if plan.Offset >= len(out) {
			out = nil
		} else {
			out = out[plan.Offset:]
			if plan.Limit > 0 && len(out) > plan.Limit {
				out = out[:plan.Limit]
			}
		}
	}
	if len(plan.Fields) > 0 {
		for i := range out {
			out[i] = out[i].Project(plan.Fields)
		}
	}
	if out == nil {
		out = []store.Record{}
	}
	return out, nil
}

func sortRecords(recs []store.Record, by query.Sort) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i][by.Field], recs[j][by.Field]
		c := compareNullable(a, b)
		if c == 0 {
			c = strings.Compare(recs[i].ID(), recs[j].ID())
		}
		if by.Direction == query.ASC {
			return c < 0
		}
		return c > 0
	})
}

// compareNullable orders nil before any value.
func compareNullable(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return store.Compare(a, b)
	}
}

func (s *Store) Count(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	m, err := s.matcher(coll, pred)
	if err != nil {
		return 0, err
	}
	if err := s.checkFault(OpCount, coll); err != nil {
		return 0, err
	}
	var n int64
	err = s.read(ctx, func(d dataset) error {
		for _, r := range d[coll] {
			if m.match(r) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// CountForUpdate is Count; transactions are already serialized.
func (s *Store) CountForUpdate(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	return s.Count(ctx, coll, pred)
}

func (s *Store) Sum(ctx context.Context, coll store.Collection, field string, pred query.Predicate) (float64, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return 0, err
	}
	f, err := schema.Field(field)
	if err != nil {
		return 0, err
	}
	if f.Type != store.FieldNumber && f.Type != store.FieldInteger {
		return 0, apperr.Validation(field, "cannot sum a %s field", f.Type)
	}
	m, err := compile(schema, pred)
	if err != nil {
		return 0, err
	}
	if err := s.checkFault(OpSum, coll); err != nil {
		return 0, err
	}
	var total float64
	err = s.read(ctx, func(d dataset) error {
		for _, r := range d[coll] {
			if m.match(r) {
				total += r.Float(field)
			}
		}
		return nil
	})
	return total, err
}

func (s *Store) Destroy(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	m, err := s.matcher(coll, pred)
	if err != nil {
		return 0, err
	}
	if err := s.checkFault(OpDestroy, coll); err != nil {
		return 0, err
	}
	var n int64
	err = s.write(ctx, func(d dataset) error {
		kept := make([]store.Record, 0, len(d[coll]))
		for _, r := range d[coll] {
			if m.match(r) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		d[coll] = kept
		return nil
	})
	return n, err
}

func (s *Store) Adjust(ctx context.Context, coll store.Collection, pred query.Predicate, field string, delta int64) (int64, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return 0, err
	}
	f, err := schema.Field(field)
	if err != nil {
		return 0, err
	}
	if f.Type != store.FieldInteger {
		return 0, apperr.Validation(field, "cannot adjust a %s field", f.Type)
	}
	m, err := compile(schema, pred)
	if err != nil {
		return 0, err
	}
	if err := s.checkFault(OpAdjust, coll); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	var n int64
	err = s.write(ctx, func(d dataset) error {
		for _, r := range d[coll] {
			if !m.match(r) {
				continue
			}
			cur, _ := r[field].(int64)
			next := cur + delta
			if next < 0 {
				next = 0
			}
			r[field] = next
			r["updatedAt"] = now
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) matcher(coll store.Collection, pred query.Predicate) (*matcher, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return nil, err
	}
	return compile(schema, pred)
}

type matcher struct {
	all []store.TypedClause
	any []store.TypedClause
}

func compile(schema *store.Schema, pred query.Predicate) (*matcher, error) {
	m := &matcher{}
	for _, c := range pred.Clauses {
		tc, err := schema.CoerceClause(c)
		if err != nil {
			return nil, err
		}
		m.all = append(m.all, tc)
	}
	for _, c := range pred.AnyOf {
		tc, err := schema.CoerceClause(c)
		if err != nil {
			return nil, err
		}
		m.any = append(m.any, tc)
	}
	return m, nil
}

func (m *matcher) match(r store.Record) bool {
	for _, tc := range m.all {
		if !matchClause(r, tc) {
			return false
		}
	}
	if len(m.any) == 0 {
		return true
	}
	for _, tc := range m.any {
		if matchClause(r, tc) {
			return true
		}
	}
	return false
}

// matchClause follows SQL semantics: a missing value matches nothing.
func matchClause(r store.Record, tc store.TypedClause) bool {
	v, ok := r[tc.Field]
	if !ok || v == nil {
		return false
	}
	switch tc.Op {
	case query.OpEq:
		return equal(v, tc.Value)
	case query.OpNe:
		return !equal(v, tc.Value)
	case query.OpGt:
		return sameType(v, tc.Value) && store.Compare(v, tc.Value) > 0
	case query.OpGte:
		return sameType(v, tc.Value) && store.Compare(v, tc.Value) >= 0
	case query.OpLt:
		return sameType(v, tc.Value) && store.Compare(v, tc.Value) < 0
	case query.OpLte:
		return sameType(v, tc.Value) && store.Compare(v, tc.Value) <= 0
	case query.OpBetween:
		return sameType(v, tc.Lo) && store.Compare(v, tc.Lo) >= 0 && store.Compare(v, tc.Hi) <= 0
	case query.OpNotBetween:
		return sameType(v, tc.Lo) && (store.Compare(v, tc.Lo) < 0 || store.Compare(v, tc.Hi) > 0)
	case query.OpIn:
		for _, want := range tc.Set {
			if equal(v, want) {
				return true
			}
		}
		return false
	case query.OpContains:
		s, _ := v.(string)
		needle, _ := tc.Value.(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	default:
		return false
	}
}

func sameType(a, b interface{}) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

func equal(a, b interface{}) bool {
	return sameType(a, b) && store.Compare(a, b) == 0
}

// nonTransactional hides the optional capabilities of a Store.
type nonTransactional struct {
	store.Store
}

// NonTransactional exposes only the base Store contract of s, so callers
// take their code paths for stores without transactions or row locks.
func NonTransactional(s *Store) store.Store {
	return nonTransactional{Store: s}
}
