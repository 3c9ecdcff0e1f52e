// Package analytics builds and runs period-bucketed aggregations over the
// store: revenue by day, ISO week or month, patient growth, and rankings.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/store"
)

// Period is the requested granularity of a time series.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// ParsePeriod accepts daily, weekly or monthly (case-insensitive). An empty
// string means monthly.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Monthly, nil
	case Daily, Weekly, Monthly:
		return p, nil
	default:
		return "", apperr.Validation("period", "unknown period %q, expected daily, weekly or monthly", s)
	}
}

// Unit is the store truncation matching p.
func (p Period) Unit() store.TimeUnit {
	switch p {
	case Daily:
		return store.UnitDay
	case Weekly:
		return store.UnitWeek
	default:
		return store.UnitMonth
	}
}

// Truncate returns the UTC start of the bucket containing t. Weeks start on
// Monday, as ISO 8601 weeks do.
func (p Period) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case Daily:
		return day
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// PeriodBucket identifies one group of a time series.
type PeriodBucket struct {
	Period Period
	Start  time.Time
}

// BucketOf returns the bucket of p containing t.
func BucketOf(p Period, t time.Time) PeriodBucket {
	return PeriodBucket{Period: p, Start: p.Truncate(t)}
}

// Key renders the bucket as 2006-01-02, 2006-W01 or 2006-01.
func (b PeriodBucket) Key() string {
	switch b.Period {
	case Daily:
		return b.Start.Format("2006-01-02")
	case Weekly:
		year, week := b.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return b.Start.Format("2006-01")
	}
}

func (b PeriodBucket) String() string { return b.Key() }
