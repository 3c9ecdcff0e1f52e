package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/query"
)

// Collection names a set of records (a table in Postgres).
type Collection string

const (
	Users            Collection = "users"
	Clinics          Collection = "clinics"
	Patients         Collection = "patients"
	TreatmentPlans   Collection = "treatment_plans"
	Treatments       Collection = "treatments"
	MedicalHistories Collection = "medical_histories"
	Visitors         Collection = "visitors"
	Transactions     Collection = "transactions"
	Prescriptions    Collection = "prescriptions"
	PatientBills     Collection = "patient_bills"
)

// FieldType is the storage type of a field.
type FieldType int

const (
	FieldText FieldType = iota + 1
	FieldUUID
	FieldNumber
	FieldInteger
	FieldBool
	FieldTime
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldUUID:
		return "uuid"
	case FieldNumber:
		return "number"
	case FieldInteger:
		return "integer"
	case FieldBool:
		return "bool"
	case FieldTime:
		return "time"
	default:
		return "unknown"
	}
}

// Field maps an API field name onto its column.
type Field struct {
	Type   FieldType
	Column string
}

// Schema describes one collection.
type Schema struct {
	Collection Collection
	Fields     map[string]Field
	// OwnerField scopes reads to the requesting user, when set.
	OwnerField string
	// ClinicField scopes reads to one clinic, when set.
	ClinicField  string
	SearchFields []string
}

// Resource is the singular display name used in error messages.
func (c Collection) Resource() string {
	switch c {
	case Users:
		return "User"
	case Clinics:
		return "Clinic"
	case Patients:
		return "Patient"
	case TreatmentPlans:
		return "TreatmentPlan"
	case Treatments:
		return "Treatment"
	case MedicalHistories:
		return "MedicalHistory"
	case Visitors:
		return "Visitor"
	case Transactions:
		return "Transaction"
	case Prescriptions:
		return "Prescription"
	case PatientBills:
		return "PatientBill"
	default:
		return string(c)
	}
}

func base(extra map[string]Field) map[string]Field {
	fields := map[string]Field{
		"id":        {FieldUUID, "id"},
		"createdAt": {FieldTime, "created_at"},
		"updatedAt": {FieldTime, "updated_at"},
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

var schemas = map[Collection]*Schema{
	Users: {
		Collection: Users,
		Fields: base(map[string]Field{
			"name":        {FieldText, "name"},
			"email":       {FieldText, "email"},
			"mobile":      {FieldText, "mobile"},
			"role":        {FieldText, "role"},
			"isActive":    {FieldBool, "is_active"},
			"clinicCount": {FieldInteger, "clinic_count"},
		}),
		SearchFields: []string{"name", "email", "mobile"},
	},
	Clinics: {
		Collection: Clinics,
		Fields: base(map[string]Field{
			"userId":       {FieldUUID, "user_id"},
			"name":         {FieldText, "name"},
			"address":      {FieldText, "address"},
			"phone":        {FieldText, "phone"},
			"email":        {FieldText, "email"},
			"isActive":     {FieldBool, "is_active"},
			"patientCount": {FieldInteger, "patient_count"},
		}),
		OwnerField:   "userId",
		SearchFields: []string{"name", "address"},
	},
	Patients: {
		Collection: Patients,
		Fields: base(map[string]Field{
			"userId":   {FieldUUID, "user_id"},
			"clinicId": {FieldUUID, "clinic_id"},
			"name":     {FieldText, "name"},
			"mobile":   {FieldText, "mobile"},
			"gender":   {FieldText, "gender"},
			"age":      {FieldInteger, "age"},
			"address":  {FieldText, "address"},
		}),
		OwnerField:   "userId",
		SearchFields: []string{"name", "mobile"},
	},
	TreatmentPlans: {
		Collection: TreatmentPlans,
		Fields: base(map[string]Field{
			"patientId": {FieldUUID, "patient_id"},
			"clinicId":  {FieldUUID, "clinic_id"},
			"name":      {FieldText, "name"},
			"discount":  {FieldNumber, "discount"},
		}),
		ClinicField: "clinicId",
	},
	Treatments: {
		Collection: Treatments,
		Fields: base(map[string]Field{
			"treatmentPlanId": {FieldUUID, "treatment_plan_id"},
			"clinicId":        {FieldUUID, "clinic_id"},
			"name":            {FieldText, "name"},
			"amount":          {FieldNumber, "amount"},
			"status":          {FieldText, "status"},
			"date":            {FieldTime, "date"},
		}),
		ClinicField:  "clinicId",
		SearchFields: []string{"name"},
	},
	MedicalHistories: {
		Collection: MedicalHistories,
		Fields: base(map[string]Field{
			"patientId": {FieldUUID, "patient_id"},
			"clinicId":  {FieldUUID, "clinic_id"},
			"condition": {FieldText, "condition"},
			"notes":     {FieldText, "notes"},
			"date":      {FieldTime, "date"},
		}),
		ClinicField: "clinicId",
	},
	Visitors: {
		Collection: Visitors,
		Fields: base(map[string]Field{
			"patientId":  {FieldUUID, "patient_id"},
			"clinicId":   {FieldUUID, "clinic_id"},
			"name":       {FieldText, "name"},
			"mobile":     {FieldText, "mobile"},
			"date":       {FieldTime, "date"},
			"isVisited":  {FieldBool, "is_visited"},
			"isSchedule": {FieldBool, "is_schedule"},
		}),
		ClinicField:  "clinicId",
		SearchFields: []string{"name", "mobile"},
	},
	Transactions: {
		Collection: Transactions,
		Fields: base(map[string]Field{
			"patientId": {FieldUUID, "patient_id"},
			"clinicId":  {FieldUUID, "clinic_id"},
			"amount":    {FieldNumber, "amount"},
			"type":      {FieldText, "type"},
			"status":    {FieldText, "status"},
			"notes":     {FieldText, "notes"},
			"date":      {FieldTime, "date"},
		}),
		ClinicField: "clinicId",
	},
	Prescriptions: {
		Collection: Prescriptions,
		Fields: base(map[string]Field{
			"treatmentId": {FieldUUID, "treatment_id"},
			"clinicId":    {FieldUUID, "clinic_id"},
			"medicine":    {FieldText, "medicine"},
			"dosage":      {FieldText, "dosage"},
			"notes":       {FieldText, "notes"},
		}),
		ClinicField:  "clinicId",
		SearchFields: []string{"medicine"},
	},
	PatientBills: {
		Collection: PatientBills,
		Fields: base(map[string]Field{
			"patientId":      {FieldUUID, "patient_id"},
			"clinicId":       {FieldUUID, "clinic_id"},
			"totalAmount":    {FieldNumber, "total_amount"},
			"discountAmount": {FieldNumber, "discount_amount"},
			"status":         {FieldText, "status"},
			"date":           {FieldTime, "date"},
		}),
		ClinicField: "clinicId",
	},
}

// Lookup returns the schema of coll.
func Lookup(coll Collection) (*Schema, error) {
	s, ok := schemas[coll]
	if !ok {
		return nil, apperr.Validation("collection", "unknown collection %q", coll)
	}
	return s, nil
}

// MustLookup is Lookup for collections named by constants.
func MustLookup(coll Collection) *Schema {
	s, err := Lookup(coll)
	if err != nil {
		panic(err)
	}
	return s
}

// Field resolves an API field name.
func (s *Schema) Field(name string) (Field, error) {
	f, ok := s.Fields[name]
	if !ok {
		return Field{}, apperr.Validation(name, "unknown field on %s", s.Collection)
	}
	return f, nil
}

// FieldNames lists the fields of s, sorted.
func (s *Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every field a plan refers to exists and that every
// clause is applicable to its field's type.
func (s *Schema) Validate(plan query.QueryPlan) error {
	if err := s.ValidatePredicate(plan.Predicate); err != nil {
		return err
	}
	if _, err := s.Field(plan.Sort.Field); err != nil {
		return apperr.Validation("sort", "unknown field %q on %s", plan.Sort.Field, s.Collection)
	}
	for _, f := range plan.Fields {
		if _, err := s.Field(f); err != nil {
			return apperr.Validation("fields", "unknown field %q on %s", f, s.Collection)
		}
	}
	return nil
}

// ValidatePredicate checks every clause of pred against s.
func (s *Schema) ValidatePredicate(pred query.Predicate) error {
	for _, group := range [][]query.FilterClause{pred.Clauses, pred.AnyOf} {
		for _, c := range group {
			if _, err := s.CoerceClause(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// TypedClause is a FilterClause with its operands converted to the field's
// Go type.
type TypedClause struct {
	Field  string
	Column string
	Type   FieldType
	Op     query.OperatorKind
	Value  interface{}
	Lo, Hi interface{}
	Set    []interface{}
}

// CoerceClause resolves c's field and converts its operands.
func (s *Schema) CoerceClause(c query.FilterClause) (TypedClause, error) {
	f, err := s.Field(c.Field)
	if err != nil {
		return TypedClause{}, err
	}
	tc := TypedClause{Field: c.Field, Column: f.Column, Type: f.Type, Op: c.Op}

	switch {
	case c.Op.IsRange():
		if f.Type == FieldBool || f.Type == FieldUUID {
			return TypedClause{}, apperr.Validation(c.Field, "%s is not supported on %s fields", c.Op, f.Type)
		}
		if tc.Lo, err = Coerce(c.Field, f.Type, c.Range[0]); err != nil {
			return TypedClause{}, err
		}
		if tc.Hi, err = Coerce(c.Field, f.Type, c.Range[1]); err != nil {
			return TypedClause{}, err
		}
		if Compare(tc.Lo, tc.Hi) > 0 {
			return TypedClause{}, apperr.Validation(c.Field, "lower bound is greater than upper bound")
		}
	case c.Op == query.OpIn:
		tc.Set = make([]interface{}, 0, len(c.Set))
		for _, lit := range c.Set {
			v, err := Coerce(c.Field, f.Type, lit)
			if err != nil {
				return TypedClause{}, err
			}
			tc.Set = append(tc.Set, v)
		}
	case c.Op == query.OpContains:
		if f.Type != FieldText {
			return TypedClause{}, apperr.Validation(c.Field, "text search is not supported on %s fields", f.Type)
		}
		tc.Value = c.Value.Str
	case c.Op == query.OpGt, c.Op == query.OpGte, c.Op == query.OpLt, c.Op == query.OpLte:
		if f.Type == FieldBool || f.Type == FieldUUID {
			return TypedClause{}, apperr.Validation(c.Field, "%s is not supported on %s fields", c.Op, f.Type)
		}
		if tc.Value, err = Coerce(c.Field, f.Type, c.Value); err != nil {
			return TypedClause{}, err
		}
	case c.Op == query.OpEq, c.Op == query.OpNe:
		if tc.Value, err = Coerce(c.Field, f.Type, c.Value); err != nil {
			return TypedClause{}, err
		}
	default:
		return TypedClause{}, apperr.Validation(c.Field, "unsupported operator %s", c.Op)
	}
	return tc, nil
}

// Coerce converts a literal to the Go type stored for a field of type t:
// string, uuid.UUID, float64, int64, bool or time.Time.
func Coerce(field string, t FieldType, lit query.Literal) (interface{}, error) {
	switch t {
	case FieldText:
		return lit.Text(), nil

	case FieldUUID:
		if lit.Kind != query.KindString {
			return nil, apperr.Validation(field, "expected a uuid, got %s", lit.Kind)
		}
		id, err := uuid.Parse(strings.TrimSpace(lit.Str))
		if err != nil {
			return nil, apperr.Validation(field, "invalid uuid %q", lit.Str)
		}
		return id, nil

	case FieldNumber:
		switch lit.Kind {
		case query.KindNumber:
			return lit.Num, nil
		case query.KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(lit.Str), 64)
			if err != nil {
				return nil, apperr.Validation(field, "invalid number %q", lit.Str)
			}
			return f, nil
		}

	case FieldInteger:
		switch lit.Kind {
		case query.KindNumber:
			if lit.Num != float64(int64(lit.Num)) {
				return nil, apperr.Validation(field, "expected an integer, got %v", lit.Num)
			}
			return int64(lit.Num), nil
		case query.KindString:
			n, err := strconv.ParseInt(strings.TrimSpace(lit.Str), 10, 64)
			if err != nil {
				return nil, apperr.Validation(field, "invalid integer %q", lit.Str)
			}
			return n, nil
		}

	case FieldBool:
		switch lit.Kind {
		case query.KindBool:
			return lit.Bool, nil
		case query.KindString:
			b, err := strconv.ParseBool(strings.TrimSpace(lit.Str))
			if err != nil {
				return nil, apperr.Validation(field, "invalid boolean %q", lit.Str)
			}
			return b, nil
		}

	case FieldTime:
		switch lit.Kind {
		case query.KindTime:
			return lit.Time, nil
		case query.KindString:
			ts, ok := query.ParseDate(strings.TrimSpace(lit.Str))
			if !ok {
				return nil, apperr.Validation(field, "invalid date %q", lit.Str)
			}
			return ts, nil
		}
	}
	return nil, apperr.Validation(field, "cannot use a %s value on a %s field", lit.Kind, t)
}

// Compare orders two coerced values of the same field type. Values of
// different types compare equal.
func Compare(a, b interface{}) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmpOrdered(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case uuid.UUID:
		if y, ok := b.(uuid.UUID); ok {
			return strings.Compare(x.String(), y.String())
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return 0
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ScopePredicate restricts pred to records visible to userID within the
// schema's ownership rules.
func (s *Schema) ScopePredicate(pred query.Predicate, userID string) query.Predicate {
	if s.OwnerField == "" {
		return pred
	}
	return pred.And(query.Eq(s.OwnerField, query.StringLit(userID)))
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s(%d fields)", s.Collection, len(s.Fields))
}
