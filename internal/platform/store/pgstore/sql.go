package pgstore

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var aliasPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// selectExpr renders one output column aliased to its API field name.
// Numeric columns are read as float8 so rows decode to float64.
func selectExpr(name string, f store.Field) string {
	if f.Type == store.FieldNumber {
		return fmt.Sprintf(`%s::float8 AS "%s"`, f.Column, name)
	}
	return fmt.Sprintf(`%s AS "%s"`, f.Column, name)
}

func clauseSQL(tc store.TypedClause) sq.Sqlizer {
	col := tc.Column
	switch tc.Op {
	case query.OpEq:
		return sq.Expr(col+" = ?", tc.Value)
	case query.OpNe:
		return sq.Expr(col+" <> ?", tc.Value)
	case query.OpGt:
		return sq.Expr(col+" > ?", tc.Value)
	case query.OpGte:
		return sq.Expr(col+" >= ?", tc.Value)
	case query.OpLt:
		return sq.Expr(col+" < ?", tc.Value)
	case query.OpLte:
		return sq.Expr(col+" <= ?", tc.Value)
	case query.OpBetween:
		return sq.Expr(col+" BETWEEN ? AND ?", tc.Lo, tc.Hi)
	case query.OpNotBetween:
		return sq.Expr(col+" NOT BETWEEN ? AND ?", tc.Lo, tc.Hi)
	case query.OpIn:
		if len(tc.Set) == 0 {
			return sq.Expr("1 = 0")
		}
		return sq.Expr(col+" IN ("+sq.Placeholders(len(tc.Set))+")", tc.Set...)
	case query.OpContains:
		needle, _ := tc.Value.(string)
		return sq.Expr(col+" ILIKE ?", "%"+likeEscaper.Replace(needle)+"%")
	default:
		return sq.Expr("1 = 0")
	}
}

// whereSQL renders pred against schema. It returns nil for an empty
// predicate.
func whereSQL(schema *store.Schema, pred query.Predicate) (sq.Sqlizer, error) {
	if pred.IsEmpty() {
		return nil, nil
	}
	var and sq.And
	for _, c := range pred.Clauses {
		tc, err := schema.CoerceClause(c)
		if err != nil {
			return nil, err
		}
		and = append(and, clauseSQL(tc))
	}
	if len(pred.AnyOf) > 0 {
		var or sq.Or
		for _, c := range pred.AnyOf {
			tc, err := schema.CoerceClause(c)
			if err != nil {
				return nil, err
			}
			or = append(or, clauseSQL(tc))
		}
		and = append(and, or)
	}
	return and, nil
}

func withWhere[B interface{ Where(interface{}, ...interface{}) B }](b B, where sq.Sqlizer) B {
	if where == nil {
		return b
	}
	return b.Where(where)
}

// BuildSelect renders a QueryPlan as a SELECT.
func BuildSelect(coll store.Collection, plan query.QueryPlan) (string, []interface{}, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return "", nil, err
	}
	if err := schema.Validate(plan); err != nil {
		return "", nil, err
	}

	names := plan.Fields
	if len(names) == 0 {
		names = schema.FieldNames()
	}
	cols := make([]string, 0, len(names))
	for _, name := range names {
		cols = append(cols, selectExpr(name, schema.Fields[name]))
	}

	where, err := whereSQL(schema, plan.Predicate)
	if err != nil {
		return "", nil, err
	}

	dir := "DESC"
	if plan.Sort.Direction == query.ASC {
		dir = "ASC"
	}
	sortCol := schema.Fields[plan.Sort.Field].Column

	b := withWhere(psql.Select(cols...).From(string(coll)), where).
		OrderBy(sortCol+" "+dir, "id "+dir)
	if plan.Paginated {
		b = b.Limit(uint64(plan.Limit)).Offset(uint64(plan.Offset))
	}
	return b.ToSql()
}

// BuildCount renders a COUNT. With forUpdate the matching rows are locked
// through a sub-select, since Postgres rejects FOR UPDATE on aggregates.
func BuildCount(coll store.Collection, pred query.Predicate, forUpdate bool) (string, []interface{}, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return "", nil, err
	}
	where, err := whereSQL(schema, pred)
	if err != nil {
		return "", nil, err
	}
	if !forUpdate {
		return withWhere(psql.Select("COUNT(*)").From(string(coll)), where).ToSql()
	}
	locked := withWhere(sq.Select("id").From(string(coll)), where).Suffix("FOR UPDATE")
	return psql.Select("COUNT(*)").FromSelect(locked, "locked").ToSql()
}

// BuildSum renders SUM(field) over matching rows, 0 when none match.
func BuildSum(coll store.Collection, field string, pred query.Predicate) (string, []interface{}, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return "", nil, err
	}
	f, err := schema.Field(field)
	if err != nil {
		return "", nil, err
	}
	if f.Type != store.FieldNumber && f.Type != store.FieldInteger {
		return "", nil, apperr.Validation(field, "cannot sum a %s field", f.Type)
	}
	where, err := whereSQL(schema, pred)
	if err != nil {
		return "", nil, err
	}
	expr := fmt.Sprintf("COALESCE(SUM(%s), 0)::float8", f.Column)
	return withWhere(psql.Select(expr).From(string(coll)), where).ToSql()
}

// BuildDelete renders a DELETE of matching rows.
func BuildDelete(coll store.Collection, pred query.Predicate) (string, []interface{}, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return "", nil, err
	}
	where, err := whereSQL(schema, pred)
	if err != nil {
		return "", nil, err
	}
	return withWhere(psql.Delete(string(coll)), where).ToSql()
}

// BuildAdjust renders an UPDATE adding delta to an integer counter, floored
// at zero.
func BuildAdjust(coll store.Collection, pred query.Predicate, field string, delta int64) (string, []interface{}, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return "", nil, err
	}
	f, err := schema.Field(field)
	if err != nil {
		return "", nil, err
	}
	if f.Type != store.FieldInteger {
		return "", nil, apperr.Validation(field, "cannot adjust a %s field", f.Type)
	}
	where, err := whereSQL(schema, pred)
	if err != nil {
		return "", nil, err
	}
	b := psql.Update(string(coll)).
		Set(f.Column, sq.Expr("GREATEST("+f.Column+" + ?, 0)", delta)).
		Set("updated_at", sq.Expr("NOW()"))
	return withWhere(b, where).ToSql()
}

func aggregateExprs(schema *store.Schema, aggs []store.Aggregate) ([]string, error) {
	out := make([]string, 0, len(aggs))
	for _, a := range aggs {
		if !aliasPattern.MatchString(a.Name) {
			return nil, apperr.Validation("metric", "invalid metric name %q", a.Name)
		}
		switch a.Func {
		case store.AggCount:
			out = append(out, fmt.Sprintf(`COUNT(*)::float8 AS "%s"`, a.Name))
		case store.AggSum:
			f, err := schema.Field(a.Field)
			if err != nil {
				return nil, err
			}
			if f.Type != store.FieldNumber && f.Type != store.FieldInteger {
				return nil, apperr.Validation(a.Field, "cannot sum a %s field", f.Type)
			}
			out = append(out, fmt.Sprintf(`COALESCE(SUM(%s), 0)::float8 AS "%s"`, f.Column, a.Name))
		default:
			return nil, apperr.Validation("metric", "unsupported reducer %s", a.Func)
		}
	}
	return out, nil
}

var truncUnits = map[store.TimeUnit]string{
	store.UnitDay:   "day",
	store.UnitWeek:  "week",
	store.UnitMonth: "month",
}

// BuildGroupByPeriod renders a date_trunc bucketed aggregation in UTC,
// ordered by bucket ascending.
func BuildGroupByPeriod(q store.PeriodQuery) (string, []interface{}, error) {
	schema, err := store.Lookup(q.Collection)
	if err != nil {
		return "", nil, err
	}
	f, err := schema.Field(q.TimeField)
	if err != nil {
		return "", nil, err
	}
	if f.Type != store.FieldTime {
		return "", nil, apperr.Validation(q.TimeField, "cannot bucket a %s field", f.Type)
	}
	unit, ok := truncUnits[q.Unit]
	if !ok {
		return "", nil, apperr.Validation("unit", "unsupported time unit %q", q.Unit)
	}
	aggs, err := aggregateExprs(schema, q.Aggregates)
	if err != nil {
		return "", nil, err
	}
	where, err := whereSQL(schema, q.Predicate)
	if err != nil {
		return "", nil, err
	}

	bucket := fmt.Sprintf("date_trunc('%s', %s AT TIME ZONE 'UTC') AS bucket", unit, f.Column)
	cols := append([]string{bucket}, aggs...)
	b := withWhere(psql.Select(cols...).From(string(q.Collection)).Where(f.Column+" IS NOT NULL"), where).
		GroupBy("bucket").
		OrderBy("bucket ASC")
	return b.ToSql()
}

// BuildGroupByField renders an aggregation grouped by one field, ordered by
// the OrderBy aggregate descending.
func BuildGroupByField(q store.FieldQuery) (string, []interface{}, error) {
	schema, err := store.Lookup(q.Collection)
	if err != nil {
		return "", nil, err
	}
	f, err := schema.Field(q.GroupField)
	if err != nil {
		return "", nil, err
	}
	aggs, err := aggregateExprs(schema, q.Aggregates)
	if err != nil {
		return "", nil, err
	}
	found := false
	for _, a := range q.Aggregates {
		if a.Name == q.OrderBy {
			found = true
		}
	}
	if !found {
		return "", nil, apperr.Validation("orderBy", "unknown metric %q", q.OrderBy)
	}
	where, err := whereSQL(schema, q.Predicate)
	if err != nil {
		return "", nil, err
	}

	cols := append([]string{f.Column + "::text AS key"}, aggs...)
	b := withWhere(psql.Select(cols...).From(string(q.Collection)), where).
		GroupBy(f.Column).
		OrderBy(fmt.Sprintf(`"%s" DESC`, q.OrderBy), "key ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b.ToSql()
}
