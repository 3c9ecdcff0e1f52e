package query

import (
	"fmt"
	"sort"
	"time"
)

// FilterClause is one field-level condition. Single-value operators use
// Value, range operators use Range, OpIn uses Set.
type FilterClause struct {
	Field string
	Op    OperatorKind
	Value Literal
	Range [2]Literal
	Set   []Literal
}

// Equal reports structural equality.
func (c FilterClause) Equal(o FilterClause) bool {
	if c.Field != o.Field || c.Op != o.Op {
		return false
	}
	switch {
	case c.Op.IsRange():
		return c.Range[0].Equal(o.Range[0]) && c.Range[1].Equal(o.Range[1])
	case c.Op == OpIn:
		if len(c.Set) != len(o.Set) {
			return false
		}
		for i := range c.Set {
			if !c.Set[i].Equal(o.Set[i]) {
				return false
			}
		}
		return true
	default:
		return c.Value.Equal(o.Value)
	}
}

func (c FilterClause) String() string {
	switch {
	case c.Op.IsRange():
		return fmt.Sprintf("%s %s [%s, %s]", c.Field, c.Op, c.Range[0].Text(), c.Range[1].Text())
	case c.Op == OpIn:
		return fmt.Sprintf("%s in %d values", c.Field, len(c.Set))
	default:
		return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value.Text())
	}
}

func Eq(field string, v Literal) FilterClause {
	return FilterClause{Field: field, Op: OpEq, Value: v}
}

func In(field string, set ...Literal) FilterClause {
	return FilterClause{Field: field, Op: OpIn, Set: set}
}

func Contains(field, needle string) FilterClause {
	return FilterClause{Field: field, Op: OpContains, Value: StringLit(needle)}
}

// InStrings is In over string literals, used for resolved id sets.
func InStrings(field string, values []string) FilterClause {
	set := make([]Literal, len(values))
	for i, v := range values {
		set[i] = StringLit(v)
	}
	return In(field, set...)
}

// DateRange builds an inclusive between clause over field. It fails when
// end precedes start.
func DateRange(field string, start, end time.Time) (FilterClause, error) {
	if end.Before(start) {
		return FilterClause{}, fmt.Errorf("date range for %s ends before it starts", field)
	}
	return FilterClause{Field: field, Op: OpBetween, Range: [2]Literal{TimeLit(start), TimeLit(end)}}, nil
}

// Predicate is a conjunction of Clauses, additionally requiring at least one
// of AnyOf to hold when AnyOf is non-empty.
type Predicate struct {
	Clauses []FilterClause
	AnyOf   []FilterClause
}

// Where builds a conjunction of clauses.
func Where(clauses ...FilterClause) Predicate {
	return Predicate{Clauses: append([]FilterClause(nil), clauses...)}
}

// And returns a copy of p with extra clauses appended.
func (p Predicate) And(clauses ...FilterClause) Predicate {
	out := Predicate{
		Clauses: make([]FilterClause, 0, len(p.Clauses)+len(clauses)),
		AnyOf:   append([]FilterClause(nil), p.AnyOf...),
	}
	out.Clauses = append(out.Clauses, p.Clauses...)
	out.Clauses = append(out.Clauses, clauses...)
	return out
}

// IsEmpty reports whether p matches every record.
func (p Predicate) IsEmpty() bool {
	return len(p.Clauses) == 0 && len(p.AnyOf) == 0
}

// Fields returns the distinct fields p refers to, sorted.
func (p Predicate) Fields() []string {
	seen := make(map[string]struct{})
	for _, c := range p.Clauses {
		seen[c.Field] = struct{}{}
	}
	for _, c := range p.AnyOf {
		seen[c.Field] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Equal reports structural equality, clause order included.
func (p Predicate) Equal(o Predicate) bool {
	return clausesEqual(p.Clauses, o.Clauses) && clausesEqual(p.AnyOf, o.AnyOf)
}

func clausesEqual(a, b []FilterClause) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func sortClauses(cs []FilterClause) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Field != cs[j].Field {
			return cs[i].Field < cs[j].Field
		}
		return cs[i].Op < cs[j].Op
	})
}
