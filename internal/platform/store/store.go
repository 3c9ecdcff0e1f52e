// Package store defines the storage collaborator used by the list endpoints,
// the reporting service and the cascade orchestrator, together with the
// schema of every collection it serves.
package store

import (
	"context"
	"time"

	"github.com/clinic/clinic/internal/platform/query"
)

// Store is the storage contract shared by every backend. Implementations
// resolve field names through the collection schema and reject unknown
// fields with a ValidationError; any other error is a storage error and is
// passed through unmodified by callers.
type Store interface {
	FindAll(ctx context.Context, coll Collection, plan query.QueryPlan) ([]Record, error)
	Count(ctx context.Context, coll Collection, pred query.Predicate) (int64, error)
	Sum(ctx context.Context, coll Collection, field string, pred query.Predicate) (float64, error)
	// Destroy removes matching records and returns how many were removed.
	// Matching nothing is not an error.
	Destroy(ctx context.Context, coll Collection, pred query.Predicate) (int64, error)
	// Adjust adds delta to an integer counter field on matching records,
	// never letting it drop below zero.
	Adjust(ctx context.Context, coll Collection, pred query.Predicate, field string, delta int64) (int64, error)
}

// Transactor runs fn inside one transaction. The ctx passed to fn carries
// the transaction; Store calls made with it join the transaction. fn's error
// (or a cancelled ctx) rolls back, a nil return commits.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker counts matching records while holding a lock on them until the
// surrounding transaction ends.
type Locker interface {
	CountForUpdate(ctx context.Context, coll Collection, pred query.Predicate) (int64, error)
}

// Deletion is one collection delete within a batch.
type Deletion struct {
	Collection Collection
	Predicate  query.Predicate
}

// BatchDestroyer issues several independent deletes in one round trip.
// Counts are returned in the order of the input.
type BatchDestroyer interface {
	DestroyBatch(ctx context.Context, dels []Deletion) ([]int64, error)
}

// AggFunc is the reducer of an Aggregate.
type AggFunc int

const (
	AggSum AggFunc = iota + 1
	AggCount
)

func (f AggFunc) String() string {
	switch f {
	case AggSum:
		return "SUM"
	case AggCount:
		return "COUNT"
	default:
		return "INVALID"
	}
}

// Aggregate names one output column of a grouped read.
type Aggregate struct {
	Name  string
	Func  AggFunc
	Field string
}

// TimeUnit is the truncation applied to a time field before grouping.
type TimeUnit string

const (
	UnitDay   TimeUnit = "day"
	UnitWeek  TimeUnit = "week"
	UnitMonth TimeUnit = "month"
)

// PeriodQuery groups records by a truncated time field.
type PeriodQuery struct {
	Collection Collection
	TimeField  string
	Unit       TimeUnit
	Aggregates []Aggregate
	Predicate  query.Predicate
}

// PeriodRow is one bucket; Start is the truncated time in UTC.
type PeriodRow struct {
	Start  time.Time
	Values map[string]float64
}

// FieldQuery groups records by the value of a field, ordered descending by
// the OrderBy aggregate.
type FieldQuery struct {
	Collection Collection
	GroupField string
	Aggregates []Aggregate
	OrderBy    string
	Limit      int
	Predicate  query.Predicate
}

// FieldRow is one group of a FieldQuery.
type FieldRow struct {
	Key    string
	Values map[string]float64
}

// Grouper pushes grouped aggregation down to the backend.
type Grouper interface {
	GroupByPeriod(ctx context.Context, q PeriodQuery) ([]PeriodRow, error)
	GroupByField(ctx context.Context, q FieldQuery) ([]FieldRow, error)
}
