/*
payroll.go - Weekly teacher payroll aggregation

PURPOSE:
  Given a teacher and a Monday-anchored week in the organization's fixed
  payroll timezone, sums completed-session durations and prorated wages,
  grouped per currency and nested per student.

WEEK BOUNDARIES:
  weekStartLocal must fall on a Monday in the payroll zone; any other
  weekday fails InvalidArgument. The week covers the half-open UTC range
  [weekStart @ local midnight, weekStart+7d @ local midnight) so DST weeks
  of 167 or 169 hours are handled by the zone conversion, not by fixed
  arithmetic.

PRORATION:
  Wage for a session = durationMs * wageCents / hourMs, rounded half-up on
  the exact rational value using integer arithmetic only:
      cents = floor((durationMs*wageCents + halfHourMs) / hourMs)
  Hours are reported as exact decimals (durationMs / hourMs).

CURRENCIES:
  Amounts are never summed across currencies. A teacher paid in AUD and
  USD in the same week yields two independent totals, sorted by currency
  code ascending.

SEE ALSO:
  - clock.go: Calendar arithmetic and zone conversion used here
*/
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	hourMs     int64 = int64(time.Hour / time.Millisecond)
	halfHourMs int64 = hourMs / 2
)

// DefaultPayrollZone is the organization's payroll timezone unless
// configured otherwise.
const DefaultPayrollZone = "Australia/Sydney"

// =============================================================================
// OUTPUT SHAPES
// =============================================================================

// CurrencyTotal accumulates one currency's payroll figures.
type CurrencyTotal struct {
	Currency      string
	TotalCents    int64
	TotalHours    decimal.Decimal
	SessionsCount int
}

// StudentTotals is the per-student nested breakdown.
type StudentTotals struct {
	StudentID   UserID
	DisplayName string
	Totals      []CurrencyTotal
}

// PayrollWeek is the aggregated report for one teacher and one week.
type PayrollWeek struct {
	TeacherID    UserID
	WeekStart    CalendarDate
	WeekEnd      CalendarDate
	RangeStartAt time.Time
	RangeEndAt   time.Time
	Totals       []CurrencyTotal
	Students     []StudentTotals
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type PayrollAggregator struct {
	Store Store
	Users UserDirectory
	Zone  string
}

func NewPayrollAggregator(store Store, users UserDirectory, zone string) *PayrollAggregator {
	if zone == "" {
		zone = DefaultPayrollZone
	}
	return &PayrollAggregator{Store: store, Users: users, Zone: zone}
}

// WeekReport aggregates the teacher's completed sessions whose EndAt falls
// inside the given payroll week.
func (pa *PayrollAggregator) WeekReport(ctx context.Context, teacherID UserID, weekStartLocal CalendarDate) (*PayrollWeek, error) {
	if weekStartLocal.Weekday() != time.Monday {
		return nil, &InvalidArgumentError{Field: "weekStart", Value: weekStartLocal.String() + " is not a Monday"}
	}

	weekEnd := weekStartLocal.AddDays(6)
	nextWeekStart := weekStartLocal.AddDays(7)

	rangeStart, err := ToInstant(weekStartLocal, 0, 0, 0, pa.Zone)
	if err != nil {
		return nil, err
	}
	rangeEnd, err := ToInstant(nextWeekStart, 0, 0, 0, pa.Zone)
	if err != nil {
		return nil, err
	}

	sessions, err := pa.Store.ListCompletedInRange(ctx, teacherID, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*CurrencyTotal)
	perStudent := make(map[UserID]map[string]*CurrencyTotal)

	for _, s := range sessions {
		durMs := s.DurationMs()
		if durMs <= 0 {
			continue // defensive; the session invariant forbids this
		}
		cents := prorateCents(durMs, s.Rate.TeacherHourlyWageCents)
		hours := decimal.NewFromInt(durMs).Div(decimal.NewFromInt(hourMs))

		accumulate(totals, s.Rate.Currency, cents, hours)
		if perStudent[s.StudentID] == nil {
			perStudent[s.StudentID] = make(map[string]*CurrencyTotal)
		}
		accumulate(perStudent[s.StudentID], s.Rate.Currency, cents, hours)
	}

	report := &PayrollWeek{
		TeacherID:    teacherID,
		WeekStart:    weekStartLocal,
		WeekEnd:      weekEnd,
		RangeStartAt: rangeStart,
		RangeEndAt:   rangeEnd,
		Totals:       sortedTotals(totals),
	}

	for studentID, m := range perStudent {
		name := pa.displayName(ctx, studentID)
		report.Students = append(report.Students, StudentTotals{
			StudentID:   studentID,
			DisplayName: name,
			Totals:      sortedTotals(m),
		})
	}
	sort.Slice(report.Students, func(i, j int) bool {
		a, b := report.Students[i], report.Students[j]
		ka, kb := studentSortKey(a), studentSortKey(b)
		if ka != kb {
			return ka < kb
		}
		return a.StudentID < b.StudentID
	})

	return report, nil
}

// prorateCents rounds durationMs*wageCents/hourMs half-up on the exact
// rational value, without any floating point.
func prorateCents(durationMs, wageCents int64) int64 {
	return (durationMs*wageCents + halfHourMs) / hourMs
}

func accumulate(m map[string]*CurrencyTotal, currency string, cents int64, hours decimal.Decimal) {
	t := m[currency]
	if t == nil {
		t = &CurrencyTotal{Currency: currency, TotalHours: decimal.Zero}
		m[currency] = t
	}
	t.TotalCents += cents
	t.TotalHours = t.TotalHours.Add(hours)
	t.SessionsCount++
}

func sortedTotals(m map[string]*CurrencyTotal) []CurrencyTotal {
	out := make([]CurrencyTotal, 0, len(m))
	for _, t := range m {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func (pa *PayrollAggregator) displayName(ctx context.Context, id UserID) string {
	if pa.Users == nil {
		return ""
	}
	name, err := pa.Users.DisplayName(ctx, id)
	if err != nil {
		return ""
	}
	return name
}

func studentSortKey(s StudentTotals) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return string(s.StudentID)
}
