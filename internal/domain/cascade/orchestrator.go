// Package cascade deletes a patient or a clinic together with every record
// that depends on it.
package cascade

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/cache"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// MinClinicsRule is the InvariantViolation reported when a user tries to
// delete their last clinic.
const MinClinicsRule = "Minimum 1 clinic is required"

// Orchestrator runs cascades. With a store.Transactor every cascade is one
// transaction; otherwise progress is journaled after each stage so a failed
// cascade can be resumed.
type Orchestrator struct {
	store   store.Store
	journal Journal
	cache   *cache.Service
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Orchestrator)

// WithCache drops the cached reports of the affected clinic and requestor
// after every cascade.
func WithCache(c *cache.Service) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithTimeout bounds every cascade.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func NewOrchestrator(st store.Store, journal Journal, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		journal: journal,
		logger:  logger.With().Str("component", "cascade").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Delete removes the root of type t with id rootID and all of its dependents,
// provided requestor owns it.
func (o *Orchestrator) Delete(ctx context.Context, t RootType, rootID, requestor string) (Result, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var (
		res   Result
		entry Entry
		err   error
	)
	if tx, ok := o.store.(store.Transactor); ok {
		res, entry, err = o.deleteInTx(ctx, tx, t, rootID, requestor)
	} else {
		res, entry, err = o.deleteJournaled(ctx, t, rootID, requestor)
	}
	o.finish(ctx, res, entry, err)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, res Result, entry Entry, err error) {
	log := o.logger.With().Str("root_type", string(entry.RootType)).Str("root_id", entry.RootID).Logger()

	var pcf *apperr.PartialCascadeFailure
	switch {
	case err == nil && res.Replayed:
		metrics.ObserveCascade(string(entry.RootType), "replayed", nil)
		log.Info().Msg("cascade already completed")
	case err == nil:
		metrics.ObserveCascade(string(entry.RootType), "completed", res.DeletedCounts)
		log.Info().Interface("deleted", res.DeletedCounts).Int64("total", res.Total()).Msg("cascade completed")
	case apperr.IsInvariant(err):
		metrics.ObserveCascade(string(entry.RootType), "rejected", nil)
		log.Warn().Err(err).Msg("cascade rejected")
	case apperr.IsNotFound(err):
		metrics.ObserveCascade(string(entry.RootType), "not_found", nil)
		log.Warn().Err(err).Msg("cascade rejected")
	case errors.As(err, &pcf):
		metrics.ObserveCascade(string(entry.RootType), "partial", entry.Counts)
		log.Error().Err(pcf.Cause).Strs("completed", pcf.Completed).Bool("root_deleted", entry.RootDeleted).
			Msg("cascade stopped part way; resume with `cascade resume`")
	default:
		metrics.ObserveCascade(string(entry.RootType), "failed", nil)
		log.Error().Err(err).Msg("cascade failed")
	}

	// Dependents may be gone even when the cascade did not finish.
	if err == nil || pcf != nil {
		o.invalidate(ctx, entry)
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, entry Entry) {
	if o.cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if entry.ClinicID != "" {
		o.cache.Invalidate(ctx, cache.ScopePrefix(entry.ClinicID))
	}
	if entry.Requestor != "" {
		o.cache.Invalidate(ctx, cache.ScopePrefix(entry.Requestor))
	}
	o.cache.Invalidate(ctx, cache.ScopePrefix(cache.GlobalScope))
}

// validate confirms ownership with a scoped count and, for clinics, that the
// requestor keeps at least one clinic. Inside a transaction the counted rows
// stay locked until commit. The requestor's clinic set is locked before the
// root row so concurrent clinic deletes by one user take locks in one order.
func validate(ctx context.Context, st store.Store, t RootType, rootID, requestor string) error {
	count := st.Count
	if l, ok := st.(store.Locker); ok {
		count = l.CountForUpdate
	}

	clinics := int64(-1)
	if t == RootClinic {
		var err error
		clinics, err = count(ctx, store.Clinics, query.Where(query.Eq("userId", query.StringLit(requestor))))
		if err != nil {
			return err
		}
	}

	owned, err := count(ctx, t.Collection(), ownership(t, rootID, requestor))
	if err != nil {
		return err
	}
	if owned == 0 {
		return apperr.NotFound(t.Collection().Resource(), "")
	}
	if t == RootClinic && clinics <= 1 {
		return apperr.Invariant(MinClinicsRule)
	}
	return nil
}

// replay answers a cascade whose root is already gone. A finished journal
// entry from the same requestor makes the call a successful no-op.
func (o *Orchestrator) replay(t RootType, rootID, requestor string, notFound error) (Result, Entry, error) {
	entry := Entry{RootType: t, RootID: rootID, Requestor: requestor}
	if o.journal == nil {
		return Result{}, entry, notFound
	}
	prev, ok, err := o.journal.Load(t, rootID)
	if err != nil {
		return Result{}, entry, err
	}
	if !ok || !prev.Done || prev.Requestor != requestor {
		return Result{}, entry, notFound
	}
	return Result{RootType: t, RootID: rootID, DeletedCounts: map[string]int64{}, Replayed: true}, prev, nil
}

func (o *Orchestrator) newEntry(t RootType, rootID, requestor string) Entry {
	now := o.now().UTC()
	return Entry{
		RootType:  t,
		RootID:    rootID,
		Requestor: requestor,
		Counts:    make(map[string]int64),
		StartedAt: now,
		UpdatedAt: now,
	}
}

func (o *Orchestrator) resolve(ctx context.Context, entry *Entry) (*plan, error) {
	counterID, clinicID, err := counterTarget(ctx, o.store, entry.RootType, entry.RootID, entry.Requestor)
	if err != nil {
		return nil, err
	}
	entry.CounterID, entry.ClinicID = counterID, clinicID

	if entry.RootType == RootClinic {
		return clinicPlan(ctx, o.store, entry.RootID)
	}
	return patientPlan(ctx, o.store, entry.RootID)
}

func (o *Orchestrator) deleteInTx(ctx context.Context, tx store.Transactor, t RootType, rootID, requestor string) (Result, Entry, error) {
	entry := o.newEntry(t, rootID, requestor)

	err := tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := validate(ctx, o.store, t, rootID, requestor); err != nil {
			return err
		}
		p, err := o.resolve(ctx, &entry)
		if err != nil {
			return err
		}
		for _, stage := range p.stages {
			if err := o.runStage(ctx, stage, &entry, nil); err != nil {
				return err
			}
		}
		if err := o.deleteRoot(ctx, &entry); err != nil {
			return err
		}
		return o.updateCounters(ctx, p, &entry)
	})
	if apperr.IsNotFound(err) {
		return o.replay(t, rootID, requestor, err)
	}
	if err != nil {
		return Result{}, entry, err
	}

	entry.Done = true
	entry.UpdatedAt = o.now().UTC()
	if o.journal != nil {
		if jerr := o.journal.Save(entry); jerr != nil {
			o.logger.Warn().Err(jerr).Str("root_id", rootID).Msg("recording finished cascade failed")
		}
	}
	return o.result(entry), entry, nil
}

func (o *Orchestrator) deleteJournaled(ctx context.Context, t RootType, rootID, requestor string) (Result, Entry, error) {
	if o.journal == nil {
		return Result{}, Entry{RootType: t, RootID: rootID}, errors.New("cascade: a journal is required without transactional storage")
	}

	entry, found, err := o.journal.Load(t, rootID)
	if err != nil {
		return Result{}, Entry{RootType: t, RootID: rootID}, err
	}
	if found && (entry.Done || entry.Requestor != requestor) {
		return o.replay(t, rootID, requestor, apperr.NotFound(t.Collection().Resource(), ""))
	}
	if !found {
		entry = o.newEntry(t, rootID, requestor)
	}

	// Once the root is gone only the counter update is left.
	if !entry.RootDeleted {
		if err := validate(ctx, o.store, t, rootID, requestor); err != nil {
			return Result{}, entry, err
		}
	}

	if err := o.runJournaled(ctx, &entry); err != nil {
		if len(entry.Completed) == 0 && !entry.RootDeleted {
			return Result{}, entry, err
		}
		return Result{}, entry, &apperr.PartialCascadeFailure{
			RootType:  string(t),
			RootID:    rootID,
			Completed: append([]string(nil), entry.Completed...),
			Cause:     err,
		}
	}
	return o.result(entry), entry, nil
}

func (o *Orchestrator) runJournaled(ctx context.Context, entry *Entry) error {
	save := func() error {
		entry.UpdatedAt = o.now().UTC()
		return o.journal.Save(*entry)
	}

	var p *plan
	if !entry.RootDeleted {
		var err error
		if p, err = o.resolve(ctx, entry); err != nil {
			return err
		}
		if err := save(); err != nil {
			return err
		}
		for _, stage := range p.stages {
			if err := o.runStage(ctx, stage, entry, save); err != nil {
				return err
			}
		}
		if err := o.deleteRoot(ctx, entry); err != nil {
			return err
		}
		if err := save(); err != nil {
			return err
		}
	} else {
		p = counterPlan(entry.RootType)
	}

	if err := o.updateCounters(ctx, p, entry); err != nil {
		return err
	}
	entry.Done = true
	return save()
}

func counterPlan(t RootType) *plan {
	if t == RootClinic {
		return &plan{counterColl: store.Users, counterField: "clinicCount"}
	}
	return &plan{counterColl: store.Clinics, counterField: "patientCount"}
}

// runStage deletes every step of one stage and waits for all of them. save,
// when set, is called after each completed step.
func (o *Orchestrator) runStage(ctx context.Context, stage []step, entry *Entry, save func() error) error {
	var live []step
	for _, s := range stage {
		if s.noop {
			entry.complete(s.collection, 0)
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		if save != nil {
			return save()
		}
		return nil
	}

	if b, ok := o.store.(store.BatchDestroyer); ok {
		dels := make([]store.Deletion, len(live))
		for i, s := range live {
			dels[i] = store.Deletion{Collection: s.collection, Predicate: s.predicate}
		}
		counts, err := b.DestroyBatch(ctx, dels)
		if err != nil {
			return err
		}
		for i, s := range live {
			entry.complete(s.collection, counts[i])
		}
		if save != nil {
			return save()
		}
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range live {
		s := s
		g.Go(func() error {
			n, err := o.store.Destroy(gctx, s.collection, s.predicate)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			entry.complete(s.collection, n)
			if save != nil {
				return save()
			}
			return nil
		})
	}
	return g.Wait()
}

// deleteRoot re-applies the ownership predicate so a root that changed hands
// after validation is not removed.
func (o *Orchestrator) deleteRoot(ctx context.Context, entry *Entry) error {
	n, err := o.store.Destroy(ctx, entry.RootType.Collection(), ownership(entry.RootType, entry.RootID, entry.Requestor))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(entry.RootType.Collection().Resource(), "")
	}
	entry.complete(entry.RootType.Collection(), n)
	entry.RootDeleted = true
	return nil
}

func (o *Orchestrator) updateCounters(ctx context.Context, p *plan, entry *Entry) error {
	if entry.CountersUpdated || entry.CounterID == "" {
		entry.CountersUpdated = true
		return nil
	}
	if _, err := o.store.Adjust(ctx, p.counterColl, eqID("id", entry.CounterID), p.counterField, -1); err != nil {
		return err
	}
	entry.CountersUpdated = true
	return nil
}

func (o *Orchestrator) result(entry Entry) Result {
	counts := make(map[string]int64, len(entry.Counts))
	for k, v := range entry.Counts {
		counts[k] = v
	}
	return Result{RootType: entry.RootType, RootID: entry.RootID, DeletedCounts: counts}
}

// Resume finishes every pending journaled cascade, returning the results of
// those that completed and the first error encountered.
func (o *Orchestrator) Resume(ctx context.Context) ([]Result, error) {
	if o.journal == nil {
		return nil, nil
	}
	pending, err := o.journal.Pending()
	if err != nil {
		return nil, err
	}
	var (
		out      []Result
		firstErr error
	)
	for _, e := range pending {
		res, err := o.Delete(ctx, e.RootType, e.RootID, e.Requestor)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, res)
	}
	return out, firstErr
}
