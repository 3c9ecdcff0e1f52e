package query

import (
	"net/url"
	"testing"
	"time"

	"github.com/clinic/clinic/internal/platform/apperr"
)

func TestCompile_Pagination(t *testing.T) {
	plan, err := Compile(RawQuery{"page": "2", "limit": "10"}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Offset != 10 || plan.Limit != 10 || plan.Page != 2 {
		t.Errorf("expected page 2 offset 10 limit 10, got %+v", plan)
	}
	if !plan.Paginated {
		t.Error("expected general context to paginate")
	}
}

func TestCompile_InvalidLimitFallsBackToDefault(t *testing.T) {
	for _, limit := range []interface{}{"0", "abc", "-5", float64(0), "1.5", float64(2.5), ""} {
		plan, err := Compile(RawQuery{"limit": limit}, General())
		if err != nil {
			t.Fatalf("limit %v: unexpected error: %v", limit, err)
		}
		if plan.Limit != DefaultLimit {
			t.Errorf("limit %v: expected default %d, got %d", limit, DefaultLimit, plan.Limit)
		}
		if plan.Offset != 0 {
			t.Errorf("limit %v: expected offset 0, got %d", limit, plan.Offset)
		}
	}
}

func TestCompile_InvalidPageFallsBackToOne(t *testing.T) {
	for _, page := range []interface{}{"0", "x", "-1", nil} {
		plan, err := Compile(RawQuery{"page": page, "limit": "20"}, General())
		if err != nil {
			t.Fatalf("page %v: unexpected error: %v", page, err)
		}
		if plan.Page != 1 || plan.Offset != 0 {
			t.Errorf("page %v: expected page 1 offset 0, got page %d offset %d", page, plan.Page, plan.Offset)
		}
	}
}

func TestCompile_ClampsToMaxLimit(t *testing.T) {
	plan, err := Compile(RawQuery{"limit": "50000"}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Limit != DefaultMaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", DefaultMaxLimit, plan.Limit)
	}
}

func TestCompile_Defaults(t *testing.T) {
	plan, err := Compile(RawQuery{}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Sort != (Sort{Field: "createdAt", Direction: DESC}) {
		t.Errorf("unexpected default sort %+v", plan.Sort)
	}
	if plan.Limit != 100 || plan.Page != 1 {
		t.Errorf("unexpected defaults %+v", plan)
	}
	if !plan.Predicate.IsEmpty() {
		t.Errorf("expected empty predicate, got %+v", plan.Predicate)
	}
}

func TestCompile_Sort(t *testing.T) {
	ctx := General()
	ctx.DefaultSort = "date"

	plan, err := Compile(RawQuery{"sortBy": "asc"}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Sort != (Sort{Field: "date", Direction: ASC}) {
		t.Errorf("expected context default sort ascending, got %+v", plan.Sort)
	}

	plan, err = Compile(RawQuery{"sort": "name"}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Sort.Field != "name" {
		t.Errorf("expected client sort field, got %q", plan.Sort.Field)
	}
}

func TestCompile_RejectsBadSortDirection(t *testing.T) {
	_, err := Compile(RawQuery{"sortBy": "sideways"}, General())
	var ve *apperr.ValidationError
	if !asValidation(err, &ve) || ve.Field != "sortBy" {
		t.Fatalf("expected ValidationError on sortBy, got %v", err)
	}
}

func TestCompile_ReservedKeysNeverFiltered(t *testing.T) {
	raw := RawQuery{
		"page": "1", "limit": "5", "sort": "name", "sortBy": "ASC", "fields": "name,age",
		"name": "Ada",
	}
	plan, err := Compile(raw, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range append(plan.Predicate.Clauses, plan.Predicate.AnyOf...) {
		if IsReserved(c.Field) {
			t.Errorf("reserved key %q leaked into predicate", c.Field)
		}
	}
	if len(plan.Predicate.Clauses) != 1 {
		t.Fatalf("expected one clause, got %v", plan.Predicate.Clauses)
	}
	if len(plan.Fields) != 2 || plan.Fields[0] != "name" || plan.Fields[1] != "age" {
		t.Errorf("unexpected projection %v", plan.Fields)
	}
}

func TestCompile_ImplicitEquality(t *testing.T) {
	plan, err := Compile(RawQuery{"gender": "female"}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Eq("gender", StringLit("female"))
	if len(plan.Predicate.Clauses) != 1 || !plan.Predicate.Clauses[0].Equal(want) {
		t.Errorf("expected %v, got %v", want, plan.Predicate.Clauses)
	}
}

func TestCompile_ScalarDatesStayStrings(t *testing.T) {
	plan, err := Compile(RawQuery{"name": "2023-01-01"}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Predicate.Clauses[0].Value.Kind != KindString {
		t.Errorf("expected plain scalar to remain a string, got %s", plan.Predicate.Clauses[0].Value.Kind)
	}
}

func TestCompile_OperatorObject(t *testing.T) {
	plan, err := Compile(RawQuery{"age": map[string]interface{}{"gt": float64(30)}}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := FilterClause{Field: "age", Op: OpGt, Value: NumberLit(30)}
	if len(plan.Predicate.Clauses) != 1 || !plan.Predicate.Clauses[0].Equal(want) {
		t.Errorf("expected %v, got %v", want, plan.Predicate.Clauses)
	}
}

func TestCompile_UnknownOperator(t *testing.T) {
	_, err := Compile(RawQuery{"age": map[string]interface{}{"foo": float64(30)}}, General())
	var ve *apperr.ValidationError
	if !asValidation(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "age" {
		t.Errorf("expected error to name field age, got %q", ve.Field)
	}
}

func TestCompile_EmptyOperatorObject(t *testing.T) {
	_, err := Compile(RawQuery{"age": map[string]interface{}{}}, General())
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompile_BetweenJSONDates(t *testing.T) {
	raw := RawQuery{"createdAt": map[string]interface{}{"between": `["2023-01-01","2023-01-31"]`}}
	plan, err := Compile(raw, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Predicate.Clauses) != 1 {
		t.Fatalf("expected one clause, got %v", plan.Predicate.Clauses)
	}
	c := plan.Predicate.Clauses[0]
	lo := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	hi := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	if c.Op != OpBetween || !c.Range[0].Time.Equal(lo) || !c.Range[1].Time.Equal(hi) {
		t.Errorf("unexpected clause %v", c)
	}
}

func TestCompile_MultipleOperatorsOnOneField(t *testing.T) {
	raw := RawQuery{"amount": map[string]interface{}{"lte": float64(500), "gte": float64(100)}}
	plan, err := Compile(raw, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs := plan.Predicate.Clauses
	if len(cs) != 2 || cs[0].Op != OpGte || cs[1].Op != OpLte {
		t.Errorf("expected gte then lte, got %v", cs)
	}
}

func TestCompile_RepeatedValuesBecomeIn(t *testing.T) {
	plan, err := Compile(RawQuery{"status": []interface{}{"paid", "pending"}}, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := plan.Predicate.Clauses[0]
	if c.Op != OpIn || len(c.Set) != 2 {
		t.Errorf("expected IN with two values, got %v", c)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	raw := RawQuery{
		"name":      "Ada",
		"age":       map[string]interface{}{"gte": float64(18), "lt": float64(65)},
		"createdAt": map[string]interface{}{"between": []interface{}{"2023-01-01", "2023-12-31"}},
		"clinicId":  "c-1",
		"page":      "3",
	}
	first, err := Compile(raw, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Compile(raw, General())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !first.Equal(again) {
			t.Fatalf("compile is not deterministic:\n%+v\n%+v", first, again)
		}
	}
}

func TestCompile_ListingForUser(t *testing.T) {
	plan, err := Compile(RawQuery{"role": "doctor"}, ListingForUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Paginated || plan.Limit != 0 || plan.Offset != 0 {
		t.Errorf("expected unpaginated plan without limit, got %+v", plan)
	}
	if plan.Sort.Field != "createdAt" {
		t.Errorf("expected sort to still apply, got %+v", plan.Sort)
	}

	plan, err = Compile(RawQuery{"limit": "abc"}, ListingForUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Paginated || plan.Limit != UserDefaultLimit {
		t.Errorf("expected paginated plan with limit %d, got %+v", UserDefaultLimit, plan)
	}
}

func TestCompile_Search(t *testing.T) {
	ctx := General()
	ctx.SearchFields = []string{"name", "mobile"}

	plan, err := Compile(RawQuery{"search": " ada ", "gender": "female"}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Predicate.Clauses) != 1 || plan.Predicate.Clauses[0].Field != "gender" {
		t.Errorf("search must not become a filter field, got %v", plan.Predicate.Clauses)
	}
	if len(plan.Predicate.AnyOf) != 2 {
		t.Fatalf("expected OR over two fields, got %v", plan.Predicate.AnyOf)
	}
	for _, c := range plan.Predicate.AnyOf {
		if c.Op != OpContains || c.Value.Str != "ada" {
			t.Errorf("unexpected search clause %v", c)
		}
	}
}

func TestRawQueryFromValues(t *testing.T) {
	v, _ := url.ParseQuery(`page=2&limit=10&age={"gt":30}&status=paid&status=pending&name=Ada`)
	raw, err := RawQueryFromValues(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan, err := Compile(raw, General())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Offset != 10 {
		t.Errorf("expected offset 10, got %d", plan.Offset)
	}
	if len(plan.Predicate.Clauses) != 3 {
		t.Fatalf("expected 3 clauses, got %v", plan.Predicate.Clauses)
	}
	byField := map[string]FilterClause{}
	for _, c := range plan.Predicate.Clauses {
		byField[c.Field] = c
	}
	if byField["age"].Op != OpGt || byField["age"].Value.Num != 30 {
		t.Errorf("unexpected age clause %v", byField["age"])
	}
	if byField["status"].Op != OpIn {
		t.Errorf("expected repeated status to compile to IN, got %v", byField["status"])
	}
	if byField["name"].Op != OpEq {
		t.Errorf("expected name equality, got %v", byField["name"])
	}
}

func TestRawQueryFromValues_MalformedObject(t *testing.T) {
	v := url.Values{"age": {`{"gt":`}}
	if _, err := RawQueryFromValues(v); !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func asValidation(err error, target **apperr.ValidationError) bool {
	ve, ok := err.(*apperr.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
