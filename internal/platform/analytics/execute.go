package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// Execute runs plan against st. Stores that implement store.Grouper reduce
// server side; others are scanned and reduced in process.
func Execute(ctx context.Context, st store.Store, plan AggregationPlan) ([]Row, error) {
	if g, ok := st.(store.Grouper); ok {
		res, err := g.GroupByPeriod(ctx, store.PeriodQuery{
			Collection: plan.Collection,
			TimeField:  plan.TimeField,
			Unit:       plan.Period.Unit(),
			Aggregates: plan.aggregates(),
			Predicate:  plan.Predicate,
		})
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(res))
		for _, r := range res {
			rows = append(rows, Row{Bucket: BucketOf(plan.Period, r.Start), Values: r.Values})
		}
		return rows, nil
	}

	recs, err := st.FindAll(ctx, plan.Collection, scanPlan(plan.Predicate, plan.TimeField, plan.TimeField, plan.Metrics))
	if err != nil {
		return nil, err
	}
	return Reduce(plan, recs), nil
}

func scanPlan(pred query.Predicate, sortField, keyField string, metrics []Metric) query.QueryPlan {
	fields := []string{keyField}
	for _, m := range metrics {
		if m.Field != "" && m.Field != keyField {
			fields = append(fields, m.Field)
		}
	}
	return query.QueryPlan{
		Predicate: pred,
		Sort:      query.Sort{Field: sortField, Direction: query.ASC},
		Fields:    fields,
	}
}

type accumulator struct {
	values map[string]float64
}

func newAccumulator(metrics []Metric) *accumulator {
	a := &accumulator{values: make(map[string]float64, len(metrics))}
	for _, m := range metrics {
		a.values[m.Name] = 0
	}
	return a
}

func (a *accumulator) add(metrics []Metric, r store.Record) {
	for _, m := range metrics {
		switch m.Func {
		case store.AggCount:
			a.values[m.Name]++
		case store.AggSum:
			a.values[m.Name] += r.Float(m.Field)
		}
	}
}

// Reduce groups recs by plan's bucket and applies its metrics. Records
// without a time value are skipped.
func Reduce(plan AggregationPlan, recs []store.Record) []Row {
	groups := make(map[int64]*accumulator)
	starts := make(map[int64]PeriodBucket)
	for _, r := range recs {
		b, ok := plan.GroupKey(r)
		if !ok {
			continue
		}
		k := b.Start.Unix()
		acc, ok := groups[k]
		if !ok {
			acc = newAccumulator(plan.Metrics)
			groups[k] = acc
			starts[k] = b
		}
		acc.add(plan.Metrics, r)
	}

	rows := make([]Row, 0, len(groups))
	for k, acc := range groups {
		rows = append(rows, Row{Bucket: starts[k], Values: acc.values})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Bucket.Start.Before(rows[j].Bucket.Start)
	})
	return rows
}

// ExecuteRank runs plan against st, pushing the grouping down when st
// implements store.Grouper.
func ExecuteRank(ctx context.Context, st store.Store, plan RankPlan) ([]RankRow, error) {
	if g, ok := st.(store.Grouper); ok {
		res, err := g.GroupByField(ctx, store.FieldQuery{
			Collection: plan.Collection,
			GroupField: plan.GroupField,
			Aggregates: plan.aggregates(),
			OrderBy:    plan.OrderBy,
			Limit:      plan.Limit,
			Predicate:  plan.Predicate,
		})
		if err != nil {
			return nil, err
		}
		rows := make([]RankRow, 0, len(res))
		for _, r := range res {
			rows = append(rows, RankRow{Key: r.Key, Values: r.Values})
		}
		return rows, nil
	}

	recs, err := st.FindAll(ctx, plan.Collection, scanPlan(plan.Predicate, "createdAt", plan.GroupField, plan.Metrics))
	if err != nil {
		return nil, err
	}
	return ReduceRank(plan, recs), nil
}

// ReduceRank groups recs by plan.GroupField, orders groups by OrderBy
// descending then key ascending, and keeps at most Limit of them.
func ReduceRank(plan RankPlan, recs []store.Record) []RankRow {
	groups := make(map[string]*accumulator)
	for _, r := range recs {
		key := groupKeyOf(r[plan.GroupField])
		acc, ok := groups[key]
		if !ok {
			acc = newAccumulator(plan.Metrics)
			groups[key] = acc
		}
		acc.add(plan.Metrics, r)
	}

	rows := make([]RankRow, 0, len(groups))
	for k, acc := range groups {
		rows = append(rows, RankRow{Key: k, Values: acc.values})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Values[plan.OrderBy], rows[j].Values[plan.OrderBy]
		if a != b {
			return a > b
		}
		return rows[i].Key < rows[j].Key
	})
	if plan.Limit > 0 && len(rows) > plan.Limit {
		rows = rows[:plan.Limit]
	}
	return rows
}

func groupKeyOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s := (store.Record{"k": v}).String("k"); s != "" {
		return s
	}
	return fmt.Sprint(v)
}
