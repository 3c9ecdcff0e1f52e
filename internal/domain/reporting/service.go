// Package reporting serves the clinic reports: revenue and growth series,
// appointment and patient stats, treatment rankings and dashboards.
package reporting

import (
	"context"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clinic/clinic/internal/platform/analytics"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/cache"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// RoleDoctor is the user role counted as a doctor by the system overview.
const RoleDoctor = "doctor"

type AppointmentStats struct {
	Total          int64 `json:"total"`
	Visited        int64 `json:"visited"`
	Scheduled      int64 `json:"scheduled"`
	CompletionRate int64 `json:"completionRate"`
}

type PatientStats struct {
	Total     int64 `json:"total"`
	ThisMonth int64 `json:"thisMonth"`
}

type Dashboard struct {
	TotalRevenue       float64 `json:"totalRevenue"`
	TotalPayment       float64 `json:"totalPayment"`
	TotalPendingAmount float64 `json:"totalPendingAmount"`
	Patients           int64   `json:"patients"`
	Visitors           int64   `json:"visitors"`
}

type Overview struct {
	Doctors      int64 `json:"doctor"`
	Patients     int64 `json:"patient"`
	Visitors     int64 `json:"visitor"`
	Transactions int64 `json:"transaction"`
	Clinics      int64 `json:"clinic"`
}

type RevenueTotal struct {
	TotalRevenue float64 `json:"totalRevenue"`
}

type Service struct {
	store store.Store
	cache *cache.Service
	ttl   time.Duration
	now   func() time.Time
}

func NewService(st store.Store, c *cache.Service, ttl time.Duration) *Service {
	return &Service{store: st, cache: c, ttl: ttl, now: time.Now}
}

// authorize confirms requestor owns clinicID with a scoped count.
func (s *Service) authorize(ctx context.Context, clinicID, requestor string) error {
	if clinicID == "" {
		return apperr.Validation("clinicId", "clinicId is required")
	}
	n, err := s.store.Count(ctx, store.Clinics, query.Where(
		query.Eq("id", query.StringLit(clinicID)),
		query.Eq("userId", query.StringLit(requestor)),
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(store.Clinics.Resource(), "")
	}
	return nil
}

func rangeKey(rng *analytics.DateRange) string {
	if rng == nil {
		return "all"
	}
	return rng.Start.UTC().Format(time.RFC3339Nano) + "~" + rng.End.UTC().Format(time.RFC3339Nano)
}

// Revenue sums transactions per period.
func (s *Service) Revenue(ctx context.Context, clinicID, requestor string, period analytics.Period, rng *analytics.DateRange) ([]analytics.Row, error) {
	plan, err := analytics.PlanRevenue(clinicID, period, rng)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return nil, err
	}
	key := cache.ScopedKey(clinicID, "revenue", string(period), rangeKey(rng))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]analytics.Row, error) {
		return analytics.Execute(ctx, s.store, plan)
	})
}

// RevenueTotal sums the transactions created within rng.
func (s *Service) RevenueTotal(ctx context.Context, clinicID, requestor string, rng analytics.DateRange) (RevenueTotal, error) {
	between, err := query.DateRange("createdAt", rng.Start, rng.End)
	if err != nil {
		return RevenueTotal{}, apperr.Validation("createdAt", "%v", err)
	}
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return RevenueTotal{}, err
	}
	key := cache.ScopedKey(clinicID, "revenue-total", rangeKey(&rng))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (RevenueTotal, error) {
		pred := query.Where(query.Eq("clinicId", query.StringLit(clinicID)), between)
		sum, err := s.store.Sum(ctx, store.Transactions, "amount", pred)
		return RevenueTotal{TotalRevenue: sum}, err
	})
}

// Growth counts new patients per month.
func (s *Service) Growth(ctx context.Context, clinicID, requestor string, months int) ([]analytics.Row, error) {
	if months <= 0 {
		months = analytics.DefaultGrowthMonths
	}
	now := s.now().UTC()
	plan, err := analytics.PlanGrowth(clinicID, months, now)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return nil, err
	}
	// The window moves with the clock, so the key carries the current day.
	key := cache.ScopedKey(clinicID, "growth", strconv.Itoa(months), now.Format("2006-01-02"))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]analytics.Row, error) {
		return analytics.Execute(ctx, s.store, plan)
	})
}

// TopTreatments ranks the clinic's treatments by count.
func (s *Service) TopTreatments(ctx context.Context, clinicID, requestor string, limit int) ([]analytics.RankRow, error) {
	plan, err := analytics.PlanTopTreatments(clinicID, limit)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return nil, err
	}
	key := cache.ScopedKey(clinicID, "top-treatments", strconv.Itoa(plan.Limit))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]analytics.RankRow, error) {
		return analytics.ExecuteRank(ctx, s.store, plan)
	})
}

// Appointments counts the clinic's visits dated within rng. The three counts
// are independent reads joined before the rate is computed.
func (s *Service) Appointments(ctx context.Context, clinicID, requestor string, rng analytics.DateRange) (AppointmentStats, error) {
	between, err := query.DateRange("date", rng.Start, rng.End)
	if err != nil {
		return AppointmentStats{}, apperr.Validation("date", "%v", err)
	}
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return AppointmentStats{}, err
	}
	key := cache.ScopedKey(clinicID, "appointments", rangeKey(&rng))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (AppointmentStats, error) {
		base := query.Where(query.Eq("clinicId", query.StringLit(clinicID)), between)

		var out AppointmentStats
		g, gctx := errgroup.WithContext(ctx)
		s.count(gctx, g, &out.Total, store.Visitors, base)
		s.count(gctx, g, &out.Visited, store.Visitors, base.And(query.Eq("isVisited", query.BoolLit(true))))
		s.count(gctx, g, &out.Scheduled, store.Visitors, base.And(query.Eq("isSchedule", query.BoolLit(true))))
		if err := g.Wait(); err != nil {
			return AppointmentStats{}, err
		}
		if out.Total > 0 {
			out.CompletionRate = int64(math.Round(float64(out.Visited) / float64(out.Total) * 100))
		}
		return out, nil
	})
}

// PatientStats counts the clinic's patients, in total and created since the
// first of the current month.
func (s *Service) PatientStats(ctx context.Context, clinicID, requestor string) (PatientStats, error) {
	if err := s.authorize(ctx, clinicID, requestor); err != nil {
		return PatientStats{}, err
	}
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	key := cache.ScopedKey(clinicID, "patient-stats", monthStart.Format("2006-01"))
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (PatientStats, error) {
		base := query.Where(query.Eq("clinicId", query.StringLit(clinicID)))

		var out PatientStats
		g, gctx := errgroup.WithContext(ctx)
		s.count(gctx, g, &out.Total, store.Patients, base)
		s.count(gctx, g, &out.ThisMonth, store.Patients, base.And(
			query.FilterClause{Field: "createdAt", Op: query.OpGte, Value: query.TimeLit(monthStart)}))
		return out, g.Wait()
	})
}

// Dashboard summarizes every clinic of requestor, or only clinicID when set.
func (s *Service) Dashboard(ctx context.Context, requestor, clinicID string) (Dashboard, error) {
	if clinicID != "" {
		if err := s.authorize(ctx, clinicID, requestor); err != nil {
			return Dashboard{}, err
		}
	}
	scope := clinicID
	if scope == "" {
		scope = requestor
	}
	key := cache.ScopedKey(scope, "dashboard", requestor)
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (Dashboard, error) {
		clinics := []string{clinicID}
		if clinicID == "" {
			var err error
			if clinics, err = s.ownedClinics(ctx, requestor); err != nil {
				return Dashboard{}, err
			}
		}
		inClinics := query.Where(query.InStrings("clinicId", clinics))
		patients := query.Where(query.Eq("userId", query.StringLit(requestor)))
		if clinicID != "" {
			patients = patients.And(query.Eq("clinicId", query.StringLit(clinicID)))
		}

		var out Dashboard
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			v, err := s.store.Sum(gctx, store.Treatments, "amount", inClinics)
			out.TotalRevenue = v
			return err
		})
		g.Go(func() error {
			v, err := s.store.Sum(gctx, store.Transactions, "amount", inClinics)
			out.TotalPayment = v
			return err
		})
		s.count(gctx, g, &out.Patients, store.Patients, patients)
		s.count(gctx, g, &out.Visitors, store.Visitors, inClinics)
		if err := g.Wait(); err != nil {
			return Dashboard{}, err
		}
		out.TotalPendingAmount = out.TotalRevenue - out.TotalPayment
		return out, nil
	})
}

func (s *Service) ownedClinics(ctx context.Context, requestor string) ([]string, error) {
	recs, err := s.store.FindAll(ctx, store.Clinics, query.QueryPlan{
		Predicate: query.Where(query.Eq("userId", query.StringLit(requestor))),
		Sort:      query.Sort{Field: "id", Direction: query.ASC},
		Fields:    []string{"id"},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID()
	}
	return ids, nil
}

// Overview counts records across every tenant.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	key := cache.ScopedKey(cache.GlobalScope, "overview")
	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (Overview, error) {
		var out Overview
		g, gctx := errgroup.WithContext(ctx)
		s.count(gctx, g, &out.Doctors, store.Users, query.Where(query.Eq("role", query.StringLit(RoleDoctor))))
		s.count(gctx, g, &out.Patients, store.Patients, query.Predicate{})
		s.count(gctx, g, &out.Visitors, store.Visitors, query.Predicate{})
		s.count(gctx, g, &out.Transactions, store.Transactions, query.Predicate{})
		s.count(gctx, g, &out.Clinics, store.Clinics, query.Predicate{})
		return out, g.Wait()
	})
}

// count schedules one Count on g writing into dst.
func (s *Service) count(ctx context.Context, g *errgroup.Group, dst *int64, coll store.Collection, pred query.Predicate) {
	g.Go(func() error {
		n, err := s.store.Count(ctx, coll, pred)
		*dst = n
		return err
	})
}
