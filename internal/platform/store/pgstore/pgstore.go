// Package pgstore implements store.Store on PostgreSQL.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
)

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store reads and writes collections through a pgx pool. Calls made with a
// context carrying a transaction or a request connection use it.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.Store          = (*Store)(nil)
	_ store.Transactor     = (*Store)(nil)
	_ store.Locker         = (*Store)(nil)
	_ store.BatchDestroyer = (*Store)(nil)
	_ store.Grouper        = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *Store) FindAll(ctx context.Context, coll store.Collection, plan query.QueryPlan) ([]store.Record, error) {
	sql, args, err := BuildSelect(coll, plan)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", coll, err)
	}

	out := make([]store.Record, 0, len(maps))
	for _, m := range maps {
		out = append(out, normalize(m))
	}
	return out, nil
}

// normalize converts driver values into the types the schema promises.
func normalize(m map[string]interface{}) store.Record {
	r := make(store.Record, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case [16]uint8:
			r[k] = uuid.UUID(tv)
		case time.Time:
			r[k] = tv.UTC()
		case int32:
			r[k] = int64(tv)
		default:
			r[k] = v
		}
	}
	return r
}

func (s *Store) count(ctx context.Context, coll store.Collection, pred query.Predicate, forUpdate bool) (int64, error) {
	sql, args, err := BuildCount(coll, pred, forUpdate)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.conn(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	return s.count(ctx, coll, pred, false)
}

// CountForUpdate locks the matching rows. It only holds the lock when ctx
// carries a transaction.
func (s *Store) CountForUpdate(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	return s.count(ctx, coll, pred, true)
}

func (s *Store) Sum(ctx context.Context, coll store.Collection, field string, pred query.Predicate) (float64, error) {
	sql, args, err := BuildSum(coll, field, pred)
	if err != nil {
		return 0, err
	}
	var total float64
	if err := s.conn(ctx).QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum %s.%s: %w", coll, field, err)
	}
	return total, nil
}

func (s *Store) Destroy(ctx context.Context, coll store.Collection, pred query.Predicate) (int64, error) {
	sql, args, err := BuildDelete(coll, pred)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", coll, err)
	}
	return tag.RowsAffected(), nil
}

// DestroyBatch queues every delete on one pgx.Batch.
func (s *Store) DestroyBatch(ctx context.Context, dels []store.Deletion) ([]int64, error) {
	if len(dels) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, d := range dels {
		sql, args, err := BuildDelete(d.Collection, d.Predicate)
		if err != nil {
			return nil, err
		}
		batch.Queue(sql, args...)
	}

	br := s.conn(ctx).SendBatch(ctx, batch)
	counts := make([]int64, len(dels))
	for i, d := range dels {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("delete %s: %w", d.Collection, err)
		}
		counts[i] = tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	return counts, nil
}

func (s *Store) Adjust(ctx context.Context, coll store.Collection, pred query.Predicate, field string, delta int64) (int64, error) {
	sql, args, err := BuildAdjust(coll, pred, field, delta)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("adjust %s.%s: %w", coll, field, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GroupByPeriod(ctx context.Context, q store.PeriodQuery) ([]store.PeriodRow, error) {
	sql, args, err := BuildGroupByPeriod(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("group %s by %s: %w", q.Collection, q.Unit, err)
	}
	defer rows.Close()

	var out []store.PeriodRow
	for rows.Next() {
		var bucket time.Time
		vals := make([]float64, len(q.Aggregates))
		dest := make([]interface{}, 0, len(vals)+1)
		dest = append(dest, &bucket)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s bucket: %w", q.Collection, err)
		}
		out = append(out, store.PeriodRow{
			// date_trunc on a timestamp without zone returns wall time in UTC.
			Start:  time.Date(bucket.Year(), bucket.Month(), bucket.Day(), 0, 0, 0, 0, time.UTC),
			Values: valueMap(q.Aggregates, vals),
		})
	}
	return out, rows.Err()
}

func (s *Store) GroupByField(ctx context.Context, q store.FieldQuery) ([]store.FieldRow, error) {
	sql, args, err := BuildGroupByField(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("group %s by %s: %w", q.Collection, q.GroupField, err)
	}
	defer rows.Close()

	var out []store.FieldRow
	for rows.Next() {
		var key *string
		vals := make([]float64, len(q.Aggregates))
		dest := make([]interface{}, 0, len(vals)+1)
		dest = append(dest, &key)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s group: %w", q.Collection, err)
		}
		row := store.FieldRow{Values: valueMap(q.Aggregates, vals)}
		if key != nil {
			row.Key = *key
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func valueMap(aggs []store.Aggregate, vals []float64) map[string]float64 {
	m := make(map[string]float64, len(aggs))
	for i, a := range aggs {
		m[a.Name] = vals[i]
	}
	return m
}
