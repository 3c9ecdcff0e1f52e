package analytics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// DefaultGrowthMonths is used when a growth report asks for no window.
const DefaultGrowthMonths = 6

// Metric is one named reducer over the records of a bucket.
type Metric struct {
	Name  string
	Func  store.AggFunc
	Field string
}

// Sum and Count are Metric shorthands.
func Sum(name, field string) Metric { return Metric{Name: name, Func: store.AggSum, Field: field} }
func Count(name string) Metric      { return Metric{Name: name, Func: store.AggCount} }

// DateRange is an inclusive interval.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// AggregationPlan groups the records of Collection matching Predicate by the
// Period bucket of TimeField and reduces each group with Metrics. Results are
// ordered by bucket ascending; empty buckets are never produced.
type AggregationPlan struct {
	Collection store.Collection
	TimeField  string
	Period     Period
	Metrics    []Metric
	Predicate  query.Predicate
}

// GroupKey returns the bucket of r, or false when r has no time value.
func (p AggregationPlan) GroupKey(r store.Record) (PeriodBucket, bool) {
	t := r.Time(p.TimeField)
	if t.IsZero() {
		return PeriodBucket{}, false
	}
	return BucketOf(p.Period, t), true
}

func (p AggregationPlan) aggregates() []store.Aggregate {
	out := make([]store.Aggregate, len(p.Metrics))
	for i, m := range p.Metrics {
		out[i] = store.Aggregate{Name: m.Name, Func: m.Func, Field: m.Field}
	}
	return out
}

// Row is one bucket of a time series. It marshals as
// {"period": key, "start": time, <metric>: value...}.
type Row struct {
	Bucket PeriodBucket
	Values map[string]float64
}

func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Values)+2)
	for k, v := range r.Values {
		m[k] = v
	}
	m["period"] = r.Bucket.Key()
	m["start"] = r.Bucket.Start
	return json.Marshal(m)
}

// UnmarshalJSON reverses MarshalJSON so rows survive the report cache. The
// period is recovered from the shape of the key.
func (r *Row) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var key string
	if raw, ok := m["period"]; ok {
		if err := json.Unmarshal(raw, &key); err != nil {
			return fmt.Errorf("row period: %w", err)
		}
	}
	if raw, ok := m["start"]; ok {
		if err := json.Unmarshal(raw, &r.Bucket.Start); err != nil {
			return fmt.Errorf("row start: %w", err)
		}
	}
	switch {
	case strings.Contains(key, "-W"):
		r.Bucket.Period = Weekly
	case len(key) == len("2006-01-02"):
		r.Bucket.Period = Daily
	default:
		r.Bucket.Period = Monthly
	}
	delete(m, "period")
	delete(m, "start")
	values, err := decodeValues(m)
	r.Values = values
	return err
}

func decodeValues(m map[string]json.RawMessage) (map[string]float64, error) {
	out := make(map[string]float64, len(m))
	for k, raw := range m {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("metric %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func clinicScope(clinicID string) (query.Predicate, error) {
	if clinicID == "" {
		return query.Predicate{}, apperr.Validation("clinicId", "clinicId is required")
	}
	return query.Where(query.Eq("clinicId", query.StringLit(clinicID))), nil
}

// PlanRevenue sums transaction amounts per period for one clinic, optionally
// restricted to an inclusive creation date range.
func PlanRevenue(clinicID string, period Period, rng *DateRange) (AggregationPlan, error) {
	pred, err := clinicScope(clinicID)
	if err != nil {
		return AggregationPlan{}, err
	}
	if rng != nil {
		c, err := query.DateRange("createdAt", rng.Start, rng.End)
		if err != nil {
			return AggregationPlan{}, apperr.Validation("createdAt", "%v", err)
		}
		pred = pred.And(c)
	}
	return AggregationPlan{
		Collection: store.Transactions,
		TimeField:  "createdAt",
		Period:     period,
		Metrics:    []Metric{Sum("totalRevenue", "amount"), Count("transactionCount")},
		Predicate:  pred,
	}, nil
}

// PlanGrowth counts new patients per month over the last months months.
func PlanGrowth(clinicID string, months int, now time.Time) (AggregationPlan, error) {
	pred, err := clinicScope(clinicID)
	if err != nil {
		return AggregationPlan{}, err
	}
	if months <= 0 {
		months = DefaultGrowthMonths
	}
	since := now.UTC().AddDate(0, -months, 0)
	pred = pred.And(query.FilterClause{Field: "createdAt", Op: query.OpGte, Value: query.TimeLit(since)})

	return AggregationPlan{
		Collection: store.Patients,
		TimeField:  "createdAt",
		Period:     Monthly,
		Metrics:    []Metric{Count("newPatients")},
		Predicate:  pred,
	}, nil
}

// RankPlan groups records by a field and keeps the Limit groups with the
// largest OrderBy metric.
type RankPlan struct {
	Collection store.Collection
	GroupField string
	Metrics    []Metric
	OrderBy    string
	Limit      int
	Predicate  query.Predicate
}

// RankRow is one group of a RankPlan.
type RankRow struct {
	Key    string
	Values map[string]float64
}

func (r RankRow) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Values)+1)
	for k, v := range r.Values {
		m[k] = v
	}
	m["name"] = r.Key
	return json.Marshal(m)
}

func (r *RankRow) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["name"]; ok {
		if err := json.Unmarshal(raw, &r.Key); err != nil {
			return fmt.Errorf("rank name: %w", err)
		}
		delete(m, "name")
	}
	values, err := decodeValues(m)
	r.Values = values
	return err
}

// DefaultTopLimit bounds rankings when no limit is given.
const DefaultTopLimit = 10

// PlanTopTreatments ranks a clinic's treatments by how often they were
// performed, with the revenue they brought.
func PlanTopTreatments(clinicID string, limit int) (RankPlan, error) {
	pred, err := clinicScope(clinicID)
	if err != nil {
		return RankPlan{}, err
	}
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	return RankPlan{
		Collection: store.Treatments,
		GroupField: "name",
		Metrics:    []Metric{Count("count"), Sum("totalRevenue", "amount")},
		OrderBy:    "count",
		Limit:      limit,
		Predicate:  pred,
	}, nil
}

func (p RankPlan) aggregates() []store.Aggregate {
	out := make([]store.Aggregate, len(p.Metrics))
	for i, m := range p.Metrics {
		out[i] = store.Aggregate{Name: m.Name, Func: m.Func, Field: m.Field}
	}
	return out
}
