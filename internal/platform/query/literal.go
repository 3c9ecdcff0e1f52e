package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LiteralKind tags the value held by a Literal.
type LiteralKind int

const (
	KindString LiteralKind = iota
	KindNumber
	KindTime
	KindBool
)

func (k LiteralKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Literal is a single comparison operand. Exactly one of the value fields is
// meaningful, selected by Kind.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Time time.Time
	Bool bool
}

func StringLit(s string) Literal { return Literal{Kind: KindString, Str: s} }
func NumberLit(n float64) Literal { return Literal{Kind: KindNumber, Num: n} }
func TimeLit(t time.Time) Literal { return Literal{Kind: KindTime, Time: t.UTC()} }
func BoolLit(b bool) Literal { return Literal{Kind: KindBool, Bool: b} }

// Value returns the Go value of the literal.
func (l Literal) Value() interface{} {
	switch l.Kind {
	case KindNumber:
		return l.Num
	case KindTime:
		return l.Time
	case KindBool:
		return l.Bool
	default:
		return l.Str
	}
}

// Text renders the literal the way it would appear in a query string.
func (l Literal) Text() string {
	switch l.Kind {
	case KindNumber:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case KindTime:
		return l.Time.Format(time.RFC3339Nano)
	case KindBool:
		return strconv.FormatBool(l.Bool)
	default:
		return l.Str
	}
}

// Equal reports structural equality.
func (l Literal) Equal(o Literal) bool {
	if l.Kind != o.Kind {
		return false
	}
	switch l.Kind {
	case KindNumber:
		return l.Num == o.Num
	case KindTime:
		return l.Time.Equal(o.Time)
	case KindBool:
		return l.Bool == o.Bool
	default:
		return l.Str == o.Str
	}
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDate accepts the ISO-8601 shapes clients send for dates.
func ParseDate(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02") || s[4] != '-' || s[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// literalFromScalar converts a decoded JSON or query-string scalar. When
// inferDates is set, ISO-8601 strings become time literals.
func literalFromScalar(v interface{}, inferDates bool) (Literal, error) {
	switch x := v.(type) {
	case string:
		if inferDates {
			if t, ok := ParseDate(x); ok {
				return TimeLit(t), nil
			}
		}
		return StringLit(x), nil
	case float64:
		return NumberLit(x), nil
	case int:
		return NumberLit(float64(x)), nil
	case int64:
		return NumberLit(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Literal{}, fmt.Errorf("invalid number %q", x.String())
		}
		return NumberLit(f), nil
	case bool:
		return BoolLit(x), nil
	case time.Time:
		return TimeLit(x), nil
	case nil:
		return Literal{}, fmt.Errorf("null is not a valid operand")
	default:
		return Literal{}, fmt.Errorf("unsupported operand of type %T", v)
	}
}

// compareLiterals orders two literals. ok is false when they cannot be
// ordered against each other.
func compareLiterals(a, b Literal) (cmp int, ok bool) {
	if a.Kind == KindString && b.Kind == KindString {
		fa, errA := strconv.ParseFloat(strings.TrimSpace(a.Str), 64)
		fb, errB := strconv.ParseFloat(strings.TrimSpace(b.Str), 64)
		if errA == nil && errB == nil {
			return compareFloat(fa, fb), true
		}
		return strings.Compare(a.Str, b.Str), true
	}
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case KindNumber:
		return compareFloat(a.Num, b.Num), true
	case KindTime:
		return a.Time.Compare(b.Time), true
	default:
		return 0, false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
