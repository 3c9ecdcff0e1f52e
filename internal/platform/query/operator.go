package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// OperatorKind is the closed set of comparison operators a FilterClause can
// carry.
type OperatorKind int

const (
	OpEq OperatorKind = iota + 1
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpBetween
	OpNotBetween

	// OpIn and OpContains are produced by the compiler itself (repeated
	// query parameters, free-text search) and have no client token.
	OpIn
	OpContains
)

// operatorTokens is the client-facing operator table.
var operatorTokens = map[string]OperatorKind{
	"eq":         OpEq,
	"ne":         OpNe,
	"gt":         OpGt,
	"gte":        OpGte,
	"lt":         OpLt,
	"lte":        OpLte,
	"between":    OpBetween,
	"notBetween": OpNotBetween,
}

// ParseOperator resolves a client token. Tokens are case-sensitive.
func ParseOperator(token string) (OperatorKind, bool) {
	op, ok := operatorTokens[token]
	return op, ok
}

// Token returns the client token for op, or "" for internal operators.
func (op OperatorKind) Token() string {
	for tok, k := range operatorTokens {
		if k == op {
			return tok
		}
	}
	return ""
}

func (op OperatorKind) String() string {
	if tok := op.Token(); tok != "" {
		return tok
	}
	switch op {
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return "invalid"
	}
}

// IsRange reports whether op takes a [lo, hi] pair.
func (op OperatorKind) IsRange() bool {
	return op == OpBetween || op == OpNotBetween
}

// BuildClause is the operator table's constructor: it turns one
// (operator, raw value) pair of a structured filter into a FilterClause.
// Date-looking strings are read as times.
func BuildClause(field string, op OperatorKind, raw interface{}) (FilterClause, error) {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		lit, err := literalFromScalar(raw, true)
		if err != nil {
			return FilterClause{}, apperr.Validation(field, "%s: %v", op, err)
		}
		return FilterClause{Field: field, Op: op, Value: lit}, nil

	case OpBetween, OpNotBetween:
		pair, err := parseRange(raw)
		if err != nil {
			return FilterClause{}, apperr.Validation(field, "%s: %v", op, err)
		}
		return FilterClause{Field: field, Op: op, Range: pair}, nil

	default:
		return FilterClause{}, apperr.Validation(field, "operator %s cannot be used in a filter", op)
	}
}

// parseRange accepts either a decoded 2-element sequence or a JSON string
// encoding one, and requires lo <= hi.
func parseRange(raw interface{}) ([2]Literal, error) {
	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &items); err != nil {
			return [2]Literal{}, fmt.Errorf("value must be a JSON array of two elements")
		}
	default:
		return [2]Literal{}, fmt.Errorf("value must be a two-element array")
	}
	if len(items) != 2 {
		return [2]Literal{}, fmt.Errorf("expected exactly two bounds, got %d", len(items))
	}

	var pair [2]Literal
	for i, item := range items {
		lit, err := literalFromScalar(item, true)
		if err != nil {
			return [2]Literal{}, err
		}
		pair[i] = lit
	}

	cmp, ok := compareLiterals(pair[0], pair[1])
	if !ok {
		return [2]Literal{}, fmt.Errorf("bounds of type %s and %s cannot be compared", pair[0].Kind, pair[1].Kind)
	}
	if cmp > 0 {
		return [2]Literal{}, fmt.Errorf("lower bound %s is greater than upper bound %s", pair[0].Text(), pair[1].Text())
	}
	return pair, nil
}
