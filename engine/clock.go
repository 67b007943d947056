/*
clock.go - Pure calendar and timezone conversions

PURPOSE:
  Converts between wall-clock dates in a named zone and absolute instants,
  and does calendar-date arithmetic. Pure, stateless, no I/O. Consumed by
  the change-request cutoff check (UTC only), the payroll aggregator
  (week-boundary conversion), and session validation.

DST POLICY:
  ToInstant resolves a wall-clock time across UTC-offset transitions by
  computing an initial UTC guess, reading the zone's offset at that guess,
  correcting once, and re-checking the offset at the corrected instant.
  If the offset is still unstable after the single correction pass, the
  corrected value is accepted. Inside a DST gap the result is therefore
  best-effort, not guaranteed unique.

SEE ALSO:
  - payroll.go: Week boundary computation
*/
package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR DATE - A year/month/day with no time or zone attached
// =============================================================================

type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseCalendarDate parses "2006-01-02". Malformed input fails with
// InvalidArgument; there are no silent defaults.
func ParseCalendarDate(s string) (CalendarDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return CalendarDate{}, &InvalidArgumentError{Field: "date", Value: s}
	}
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// AddDays does pure calendar arithmetic, crossing month and year boundaries
// (including leap years) via time.Date normalization.
func (d CalendarDate) AddDays(n int) CalendarDate {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Weekday returns the day of week this calendar date falls on.
func (d CalendarDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

// Before reports strict calendar ordering.
func (d CalendarDate) Before(other CalendarDate) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// =============================================================================
// ZONE CONVERSIONS
// =============================================================================

// LoadZone resolves an IANA zone name. Unknown identifiers fail with
// InvalidArgument.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, &InvalidArgumentError{Field: "timezone", Value: name}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &InvalidArgumentError{Field: "timezone", Value: name}
	}
	return loc, nil
}

// LocalDateOf returns the calendar date that instant falls on when viewed
// in the given zone.
func LocalDateOf(instant time.Time, zone string) (CalendarDate, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return CalendarDate{}, err
	}
	local := instant.In(loc)
	return CalendarDate{Year: local.Year(), Month: local.Month(), Day: local.Day()}, nil
}

// ToInstant returns the absolute instant corresponding to the given
// wall-clock time in the given zone, using the single-correction DST
// policy documented in the file header.
func ToInstant(date CalendarDate, hour, minute, second int, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	// Initial guess: treat the wall clock as if the zone had zero offset.
	guess := time.Date(date.Year, date.Month, date.Day, hour, minute, second, 0, time.UTC)

	_, offset1 := guess.In(loc).Zone()
	corrected := guess.Add(-time.Duration(offset1) * time.Second)

	// One correction pass. If the offset changed across the correction
	// (a DST transition sits between guess and corrected), re-apply with
	// the offset observed at the corrected instant and accept the result.
	_, offset2 := corrected.In(loc).Zone()
	if offset2 != offset1 {
		corrected = guess.Add(-time.Duration(offset2) * time.Second)
	}
	return corrected, nil
}
