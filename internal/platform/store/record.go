package store

import (
	"time"

	"github.com/google/uuid"
)

// Record is one row keyed by API field name.
type Record map[string]interface{}

// ID returns the record's id as a string, or "".
func (r Record) ID() string { return r.String("id") }

// String returns the field as a string, formatting uuids.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case uuid.UUID:
		return v.String()
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return ""
	}
}

// Float returns a numeric field as float64.
func (r Record) Float(field string) float64 {
	switch v := r[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Time returns a time field, or the zero time.
func (r Record) Time(field string) time.Time {
	if t, ok := r[field].(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project returns a copy restricted to fields. An empty list keeps every
// field.
func (r Record) Project(fields []string) Record {
	if len(fields) == 0 {
		return r.Clone()
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}
