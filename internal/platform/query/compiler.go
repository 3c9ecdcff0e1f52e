package query

import (
	"encoding/json"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// Direction is the sort order of a QueryPlan.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// Sort orders the result of a plan.
type Sort struct {
	Field     string
	Direction Direction
}

// QueryPlan is the storage-agnostic result of compiling a client query.
// When Paginated is false, Limit and Offset are zero and every match is
// returned.
type QueryPlan struct {
	Predicate Predicate
	Sort      Sort
	Paginated bool
	Page      int
	Limit     int
	Offset    int
	Fields    []string
}

// Equal reports structural equality.
func (p QueryPlan) Equal(o QueryPlan) bool {
	if p.Sort != o.Sort || p.Paginated != o.Paginated || p.Page != o.Page ||
		p.Limit != o.Limit || p.Offset != o.Offset || len(p.Fields) != len(o.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return p.Predicate.Equal(o.Predicate)
}

// Context carries the defaults a list endpoint compiles against.
type Context struct {
	DefaultLimit int
	// MaxLimit caps client-supplied limits. Zero disables the cap.
	MaxLimit    int
	DefaultSort string
	// OmitPaginationWithoutLimit returns every row when the client sends no
	// limit parameter.
	OmitPaginationWithoutLimit bool
	// SearchFields enables the reserved "search" parameter, matched as a
	// case-insensitive substring against any of these fields.
	SearchFields []string
}

const (
	DefaultLimit     = 100
	UserDefaultLimit = 200
	DefaultMaxLimit  = 1000
	DefaultSortField = "createdAt"
)

// General is the context used by most list endpoints.
func General() Context {
	return Context{DefaultLimit: DefaultLimit, MaxLimit: DefaultMaxLimit}
}

// ListingForUser is the context for per-user listings, which return the full
// sorted set unless the client asks for a page.
func ListingForUser() Context {
	return Context{
		DefaultLimit:               UserDefaultLimit,
		MaxLimit:                   DefaultMaxLimit,
		OmitPaginationWithoutLimit: true,
	}
}

// Reserved query parameters never become filter fields.
const (
	ParamPage   = "page"
	ParamLimit  = "limit"
	ParamSort   = "sort"
	ParamSortBy = "sortBy"
	ParamFields = "fields"
	ParamSearch = "search"
)

var reservedParams = map[string]struct{}{
	ParamPage:   {},
	ParamLimit:  {},
	ParamSort:   {},
	ParamSortBy: {},
	ParamFields: {},
}

// IsReserved reports whether key is a pagination/sort parameter.
func IsReserved(key string) bool {
	_, ok := reservedParams[key]
	return ok
}

// RawQuery is an untyped client query: values are scalars, slices (repeated
// parameters) or operator objects keyed by operator token.
type RawQuery map[string]interface{}

// Compile turns raw into a QueryPlan. It is pure and safe for concurrent use.
func Compile(raw RawQuery, ctx Context) (QueryPlan, error) {
	defaultLimit := ctx.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = DefaultLimit
	}

	page := parsePositiveInt(raw[ParamPage], 1)
	limit := parsePositiveInt(raw[ParamLimit], defaultLimit)
	if ctx.MaxLimit > 0 && limit > ctx.MaxLimit {
		limit = ctx.MaxLimit
	}

	sortField := scalarString(raw[ParamSort])
	if sortField == "" {
		sortField = ctx.DefaultSort
	}
	if sortField == "" {
		sortField = DefaultSortField
	}

	dir := DESC
	if s := scalarString(raw[ParamSortBy]); s != "" {
		switch strings.ToUpper(s) {
		case "ASC":
			dir = ASC
		case "DESC":
			dir = DESC
		default:
			return QueryPlan{}, apperr.Validation(ParamSortBy, "must be ASC or DESC, got %q", s)
		}
	}

	fields, err := parseFields(raw[ParamFields])
	if err != nil {
		return QueryPlan{}, err
	}

	searchEnabled := len(ctx.SearchFields) > 0

	keys := make([]string, 0, len(raw))
	for k := range raw {
		if IsReserved(k) || (searchEnabled && k == ParamSearch) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []FilterClause
	for _, field := range keys {
		cs, err := compileField(field, raw[field])
		if err != nil {
			return QueryPlan{}, err
		}
		clauses = append(clauses, cs...)
	}
	sortClauses(clauses)

	plan := QueryPlan{
		Predicate: Predicate{Clauses: clauses},
		Sort:      Sort{Field: sortField, Direction: dir},
		Fields:    fields,
	}

	if searchEnabled {
		if needle := strings.TrimSpace(scalarString(raw[ParamSearch])); needle != "" {
			for _, f := range ctx.SearchFields {
				plan.Predicate.AnyOf = append(plan.Predicate.AnyOf, Contains(f, needle))
			}
		}
	}

	_, limitGiven := raw[ParamLimit]
	if ctx.OmitPaginationWithoutLimit && !limitGiven {
		return plan, nil
	}

	plan.Paginated = true
	plan.Page = page
	plan.Limit = limit
	plan.Offset = (page - 1) * limit
	return plan, nil
}

func compileField(field string, v interface{}) ([]FilterClause, error) {
	if strings.TrimSpace(field) == "" {
		return nil, apperr.Validation(field, "empty field name")
	}

	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 {
			return nil, apperr.Validation(field, "operator object is empty")
		}
		tokens := make([]string, 0, len(val))
		for tok := range val {
			tokens = append(tokens, tok)
		}
		sort.Strings(tokens)

		out := make([]FilterClause, 0, len(tokens))
		for _, tok := range tokens {
			op, ok := ParseOperator(tok)
			if !ok {
				return nil, apperr.Validation(field, "unknown operator %q", tok)
			}
			c, err := BuildClause(field, op, val[tok])
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil

	case []interface{}:
		if len(val) == 0 {
			return nil, apperr.Validation(field, "empty value list")
		}
		set := make([]Literal, 0, len(val))
		for _, item := range val {
			lit, err := literalFromScalar(item, false)
			if err != nil {
				return nil, apperr.Validation(field, "%v", err)
			}
			set = append(set, lit)
		}
		return []FilterClause{In(field, set...)}, nil

	case []string:
		if len(val) == 0 {
			return nil, apperr.Validation(field, "empty value list")
		}
		return []FilterClause{InStrings(field, val)}, nil

	default:
		lit, err := literalFromScalar(v, false)
		if err != nil {
			return nil, apperr.Validation(field, "%v", err)
		}
		return []FilterClause{Eq(field, lit)}, nil
	}
}

// parsePositiveInt parses v as an integer >= 1, returning def for anything
// missing, non-numeric, fractional or non-positive.
func parsePositiveInt(v interface{}, def int) int {
	var n int64
	switch x := v.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return def
		}
		n = i
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt32 {
			return def
		}
		n = int64(x)
	case int:
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return def
		}
		n = i
	case []string:
		if len(x) == 0 {
			return def
		}
		return parsePositiveInt(x[0], def)
	default:
		return def
	}
	if n < 1 || n > math.MaxInt32 {
		return def
	}
	return int(n)
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []string:
		if len(x) > 0 {
			return strings.TrimSpace(x[0])
		}
	}
	return ""
}

func parseFields(v interface{}) ([]string, error) {
	var parts []string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(x, ",")
	case []string:
		for _, s := range x {
			parts = append(parts, strings.Split(s, ",")...)
		}
	case []interface{}:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.Validation(ParamFields, "must be a list of field names")
			}
			parts = append(parts, s)
		}
	default:
		return nil, apperr.Validation(ParamFields, "must be a comma-separated list of field names")
	}

	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// RawQueryFromValues adapts a parsed query string. Values that look like
// JSON objects are decoded into operator objects; repeated parameters become
// value lists (matched with IN).
func RawQueryFromValues(values url.Values) (RawQuery, error) {
	raw := make(RawQuery, len(values))
	for key, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if IsReserved(key) || key == ParamSearch || len(vs) == 1 {
			v := vs[0]
			if !IsReserved(key) && strings.HasPrefix(strings.TrimSpace(v), "{") {
				var obj map[string]interface{}
				if err := json.Unmarshal([]byte(v), &obj); err != nil {
					return nil, apperr.Validation(key, "malformed operator object: %v", err)
				}
				raw[key] = obj
				continue
			}
			raw[key] = v
			continue
		}
		list := make([]interface{}, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		raw[key] = list
	}
	return raw, nil
}
