package store

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/query"
)

func TestLookup_AllCollections(t *testing.T) {
	for c := range schemas {
		s, err := Lookup(c)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", c, err)
		}
		for _, f := range []string{"id", "createdAt", "updatedAt"} {
			if _, err := s.Field(f); err != nil {
				t.Errorf("%s: missing base field %s", c, f)
			}
		}
		for _, f := range s.SearchFields {
			fd, err := s.Field(f)
			if err != nil || fd.Type != FieldText {
				t.Errorf("%s: search field %s must be a text field", c, f)
			}
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup("doctors"); !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCoerce(t *testing.T) {
	id := uuid.New()
	day := time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		typ  FieldType
		lit  query.Literal
		want interface{}
	}{
		{"uuid from string", FieldUUID, query.StringLit(id.String()), id},
		{"number from string", FieldNumber, query.StringLit("12.5"), 12.5},
		{"number", FieldNumber, query.NumberLit(3), float64(3)},
		{"integer from string", FieldInteger, query.StringLit("30"), int64(30)},
		{"integer", FieldInteger, query.NumberLit(30), int64(30)},
		{"bool from string", FieldBool, query.StringLit("true"), true},
		{"time from string", FieldTime, query.StringLit("2023-01-05"), day},
		{"time", FieldTime, query.TimeLit(day), day},
		{"text from number", FieldText, query.NumberLit(42), "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce("f", tt.typ, tt.lit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if Compare(got, tt.want) != 0 {
				t.Errorf("Coerce() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestCoerce_Rejects(t *testing.T) {
	tests := []struct {
		name string
		typ  FieldType
		lit  query.Literal
	}{
		{"bad uuid", FieldUUID, query.StringLit("not-a-uuid")},
		{"uuid from number", FieldUUID, query.NumberLit(1)},
		{"bad number", FieldNumber, query.StringLit("abc")},
		{"fractional integer", FieldInteger, query.NumberLit(1.5)},
		{"bad bool", FieldBool, query.StringLit("maybe")},
		{"bad date", FieldTime, query.StringLit("yesterday")},
		{"time from bool", FieldTime, query.BoolLit(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Coerce("f", tt.typ, tt.lit); !apperr.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestValidate_UnknownFields(t *testing.T) {
	s := MustLookup(Patients)

	plan := query.QueryPlan{
		Predicate: query.Where(query.Eq("password", query.StringLit("x"))),
		Sort:      query.Sort{Field: "createdAt", Direction: query.DESC},
	}
	if err := s.Validate(plan); !apperr.IsValidation(err) {
		t.Errorf("expected unknown filter field to fail, got %v", err)
	}

	plan.Predicate = query.Predicate{}
	plan.Sort.Field = "password"
	if err := s.Validate(plan); !apperr.IsValidation(err) {
		t.Errorf("expected unknown sort field to fail, got %v", err)
	}

	plan.Sort.Field = "name"
	plan.Fields = []string{"name", "ssn"}
	if err := s.Validate(plan); !apperr.IsValidation(err) {
		t.Errorf("expected unknown projected field to fail, got %v", err)
	}
}

func TestCoerceClause_OperatorTypeRules(t *testing.T) {
	s := MustLookup(Visitors)

	if _, err := s.CoerceClause(query.FilterClause{Field: "isVisited", Op: query.OpGt, Value: query.BoolLit(true)}); err == nil {
		t.Error("expected gt on bool to fail")
	}
	if _, err := s.CoerceClause(query.Contains("date", "2023")); err == nil {
		t.Error("expected contains on time to fail")
	}
	tc, err := s.CoerceClause(query.FilterClause{
		Field: "date", Op: query.OpBetween,
		Range: [2]query.Literal{query.StringLit("2023-01-01"), query.StringLit("2023-01-31")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tc.Lo.(time.Time); !ok {
		t.Errorf("expected time bounds, got %T", tc.Lo)
	}
	if tc.Column != "date" {
		t.Errorf("expected column date, got %s", tc.Column)
	}
}

func TestScopePredicate(t *testing.T) {
	pred := MustLookup(Clinics).ScopePredicate(query.Predicate{}, "u1")
	if len(pred.Clauses) != 1 || pred.Clauses[0].Field != "userId" {
		t.Errorf("expected userId scope, got %v", pred.Clauses)
	}

	pred = MustLookup(Transactions).ScopePredicate(query.Predicate{}, "u1")
	if !pred.IsEmpty() {
		t.Errorf("expected clinic-scoped collection to be left alone, got %v", pred.Clauses)
	}
}

func TestRecord_Project(t *testing.T) {
	r := Record{"id": uuid.New(), "name": "Ada", "age": int64(30)}
	p := r.Project([]string{"name", "missing"})
	if len(p) != 1 || p["name"] != "Ada" {
		t.Errorf("unexpected projection %v", p)
	}
	if len(r.Project(nil)) != 3 {
		t.Error("expected empty projection to keep every field")
	}
}
