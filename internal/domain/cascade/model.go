package cascade

import (
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/store"
)

// RootType names an aggregate root that can be cascade-deleted.
type RootType string

const (
	RootPatient RootType = "patient"
	RootClinic  RootType = "clinic"
)

// ParseRootType accepts patient or clinic in any case.
func ParseRootType(s string) (RootType, error) {
	switch t := RootType(strings.ToLower(strings.TrimSpace(s))); t {
	case RootPatient, RootClinic:
		return t, nil
	default:
		return "", apperr.Validation("type", "unknown root type %q, expected patient or clinic", s)
	}
}

// Collection is the table holding roots of type t.
func (t RootType) Collection() store.Collection {
	if t == RootClinic {
		return store.Clinics
	}
	return store.Patients
}

// Result reports how many rows each collection lost. Replayed is set when the
// root had already been removed by an earlier cascade from the same requestor.
type Result struct {
	RootType      RootType         `json:"rootType"`
	RootID        string           `json:"rootId"`
	DeletedCounts map[string]int64 `json:"deletedCounts"`
	Replayed      bool             `json:"replayed,omitempty"`
}

// Total is the number of rows removed across every collection.
func (r Result) Total() int64 {
	var n int64
	for _, c := range r.DeletedCounts {
		n += c
	}
	return n
}

// Entry is the journal record of one cascade, keyed by (RootType, RootID).
type Entry struct {
	RootType  RootType `json:"rootType"`
	RootID    string   `json:"rootId"`
	Requestor string   `json:"requestor"`

	// CounterID is the row whose derived counter is decremented once the root
	// is gone: the patient's clinic, or the clinic's owner.
	CounterID string `json:"counterId,omitempty"`
	// ClinicID scopes the cached reports dropped after the cascade.
	ClinicID string `json:"clinicId,omitempty"`

	Completed       []string         `json:"completed"`
	Counts          map[string]int64 `json:"counts"`
	RootDeleted     bool             `json:"rootDeleted"`
	CountersUpdated bool             `json:"countersUpdated"`
	Done            bool             `json:"done"`
	StartedAt       time.Time        `json:"startedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func (e *Entry) complete(coll store.Collection, n int64) {
	if e.Counts == nil {
		e.Counts = make(map[string]int64)
	}
	e.Counts[string(coll)] += n
	for _, c := range e.Completed {
		if c == string(coll) {
			return
		}
	}
	e.Completed = append(e.Completed, string(coll))
}
