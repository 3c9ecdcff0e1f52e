package cascade

import (
	"context"

	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

// step deletes the rows of one collection. A step whose predicate depends on
// an empty resolved id set is a no-op.
type step struct {
	collection store.Collection
	predicate  query.Predicate
	noop       bool
}

// plan is the resolved deletion order of one cascade. Steps within a stage
// are independent and may run concurrently; stages run in order, leaves
// first, so a resumed cascade can still resolve what it has not yet deleted.
type plan struct {
	stages [][]step
	// counter is decremented on counterColl once the root is gone.
	counterColl  store.Collection
	counterField string
}

func eqID(field, id string) query.Predicate {
	return query.Where(query.Eq(field, query.StringLit(id)))
}

// ownership matches the root only if requestor owns it.
func ownership(t RootType, rootID, requestor string) query.Predicate {
	return query.Where(
		query.Eq("id", query.StringLit(rootID)),
		query.Eq(store.MustLookup(t.Collection()).OwnerField, query.StringLit(requestor)),
	)
}

func resolveIDs(ctx context.Context, st store.Store, coll store.Collection, pred query.Predicate) ([]string, error) {
	recs, err := st.FindAll(ctx, coll, query.QueryPlan{
		Predicate: pred,
		Sort:      query.Sort{Field: "id", Direction: query.ASC},
		Fields:    []string{"id"},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID())
	}
	return ids, nil
}

func byIDs(coll store.Collection, field string, ids []string) step {
	return step{collection: coll, predicate: query.Where(query.InStrings(field, ids)), noop: len(ids) == 0}
}

// patientPlan removes prescriptions of the patient's treatments, then the
// treatments, then the treatment plans, with every directly keyed dependent
// in the first stage.
func patientPlan(ctx context.Context, st store.Store, patientID string) (*plan, error) {
	planIDs, err := resolveIDs(ctx, st, store.TreatmentPlans, eqID("patientId", patientID))
	if err != nil {
		return nil, err
	}
	var treatmentIDs []string
	if len(planIDs) > 0 {
		treatmentIDs, err = resolveIDs(ctx, st, store.Treatments, query.Where(query.InStrings("treatmentPlanId", planIDs)))
		if err != nil {
			return nil, err
		}
	}

	byPatient := func(coll store.Collection) step {
		return step{collection: coll, predicate: eqID("patientId", patientID)}
	}
	return &plan{
		stages: [][]step{
			{
				byIDs(store.Prescriptions, "treatmentId", treatmentIDs),
				byPatient(store.MedicalHistories),
				byPatient(store.Visitors),
				byPatient(store.Transactions),
				byPatient(store.PatientBills),
			},
			{byIDs(store.Treatments, "treatmentPlanId", planIDs)},
			{byPatient(store.TreatmentPlans)},
		},
		counterColl:  store.Clinics,
		counterField: "patientCount",
	}, nil
}

// clinicPlan removes the clinic's treatments and transactions. Patients and
// visitors of the clinic survive; they are removed through their own cascade.
func clinicPlan(ctx context.Context, st store.Store, clinicID string) (*plan, error) {
	treatmentIDs, err := resolveIDs(ctx, st, store.Treatments, eqID("clinicId", clinicID))
	if err != nil {
		return nil, err
	}
	treatments := byIDs(store.Treatments, "id", treatmentIDs)
	treatments.predicate = treatments.predicate.And(query.Eq("clinicId", query.StringLit(clinicID)))

	return &plan{
		stages: [][]step{{
			treatments,
			{collection: store.Transactions, predicate: eqID("clinicId", clinicID)},
		}},
		counterColl:  store.Users,
		counterField: "clinicCount",
	}, nil
}

// counterTarget reads the id of the row whose counter the cascade adjusts.
// It runs after ownership was confirmed, so the read cannot leak another
// tenant's data.
func counterTarget(ctx context.Context, st store.Store, t RootType, rootID, requestor string) (counterID, clinicID string, err error) {
	if t == RootClinic {
		return requestor, rootID, nil
	}
	recs, err := st.FindAll(ctx, store.Patients, query.QueryPlan{
		Predicate: ownership(t, rootID, requestor),
		Sort:      query.Sort{Field: "id", Direction: query.ASC},
		Fields:    []string{"clinicId"},
	})
	if err != nil || len(recs) == 0 {
		return "", "", err
	}
	clinic := recs[0].String("clinicId")
	return clinic, clinic, nil
}
