// Package listing serves the filtered, sorted and paginated list endpoints of
// every collection.
package listing

import (
	"context"
	"fmt"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/pkg/pagination"
)

// Limits are the defaults list queries compile against.
type Limits struct {
	DefaultLimit     int
	UserDefaultLimit int
	MaxLimit         int
}

// DefaultLimits mirrors the query package presets.
func DefaultLimits() Limits {
	return Limits{
		DefaultLimit:     query.DefaultLimit,
		UserDefaultLimit: query.UserDefaultLimit,
		MaxLimit:         query.DefaultMaxLimit,
	}
}

// Scope narrows a listing to the records the requestor may see. ClinicID,
// when set, restricts a clinic-scoped collection to one clinic the requestor
// owns. Unscoped is reserved for admin listings.
type Scope struct {
	UserID   string
	ClinicID string
	Unscoped bool
}

// Page is one listing result. Meta is nil when the plan was not paginated.
type Page struct {
	Records []store.Record
	Meta    *pagination.Meta
}

type Service struct {
	store  store.Store
	limits Limits
}

func NewService(st store.Store, limits Limits) *Service {
	return &Service{store: st, limits: limits}
}

// compileContext picks the preset for coll. Users list with the per-user
// preset; every other collection uses the general one.
func (s *Service) compileContext(coll store.Collection, schema *store.Schema) query.Context {
	var qc query.Context
	if coll == store.Users {
		qc = query.ListingForUser()
		qc.DefaultLimit = s.limits.UserDefaultLimit
	} else {
		qc = query.General()
		qc.DefaultLimit = s.limits.DefaultLimit
	}
	qc.MaxLimit = s.limits.MaxLimit
	qc.SearchFields = schema.SearchFields
	return qc
}

// List compiles raw, scopes it and reads one page of coll.
func (s *Service) List(ctx context.Context, coll store.Collection, raw query.RawQuery, scope Scope) (Page, error) {
	schema, err := store.Lookup(coll)
	if err != nil {
		return Page{}, err
	}

	plan, err := query.Compile(raw, s.compileContext(coll, schema))
	if err != nil {
		metrics.QueryRejections.Inc()
		return Page{}, err
	}
	if err := schema.Validate(plan); err != nil {
		metrics.QueryRejections.Inc()
		return Page{}, err
	}

	plan.Predicate, err = s.scope(ctx, schema, plan.Predicate, scope)
	if err != nil {
		return Page{}, err
	}

	total, err := s.store.Count(ctx, coll, plan.Predicate)
	if err != nil {
		return Page{}, fmt.Errorf("count %s: %w", coll, err)
	}
	recs, err := s.store.FindAll(ctx, coll, plan)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", coll, err)
	}

	if recs == nil {
		recs = []store.Record{}
	}
	page := Page{Records: recs}
	if plan.Paginated {
		meta := pagination.NewMeta(total, plan.Page, plan.Limit)
		page.Meta = &meta
	}
	return page, nil
}

func (s *Service) scope(ctx context.Context, schema *store.Schema, pred query.Predicate, scope Scope) (query.Predicate, error) {
	switch {
	case scope.Unscoped:
		return pred, nil
	case schema.ClinicField != "":
		if scope.ClinicID == "" {
			return pred, apperr.Validation("clinicId", "is required")
		}
		owned, err := s.store.Count(ctx, store.Clinics, query.Where(
			query.Eq("id", query.StringLit(scope.ClinicID)),
			query.Eq("userId", query.StringLit(scope.UserID)),
		))
		if err != nil {
			return pred, err
		}
		if owned == 0 {
			return pred, apperr.NotFound(store.Clinics.Resource(), "")
		}
		return pred.And(query.Eq(schema.ClinicField, query.StringLit(scope.ClinicID))), nil
	case schema.OwnerField != "":
		return schema.ScopePredicate(pred, scope.UserID), nil
	default:
		return pred, apperr.Validation("", "%s cannot be listed without admin rights", schema.Collection)
	}
}
