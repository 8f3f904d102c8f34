package stream

import (
	"time"
)

// DayGroup is a read-side projection of entries sharing a calendar day in the
// viewer's time zone. Grouping never touches stored timestamps.
type DayGroup struct {
	// Day is midnight of the calendar day in the grouping location.
	Day time.Time
	// Key is the day formatted as 2006-01-02, stable across calls.
	Key     string
	Entries []Entry
}

// GroupByDay partitions entries into per-day groups, preserving order within
// and across groups. Idempotent: grouping a grouped-and-flattened sequence
// yields the same result.
func GroupByDay(entries []Entry, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DayGroup
	for _, e := range entries {
		ts := e.Message.CreatedAt.In(loc)
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)

		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Entries = append(groups[n-1].Entries, e)
			continue
		}
		groups = append(groups, DayGroup{
			Day:     day,
			Key:     day.Format("2006-01-02"),
			Entries: []Entry{e},
		})
	}
	return groups
}
