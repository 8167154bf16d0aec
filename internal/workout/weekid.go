package workout

import (
	"fmt"
	"time"
)

// weekIDLayout formats the Monday of a week as its stable identifier.
const weekIDLayout = "2006-01-02"

// MondayOf returns the Monday (local midnight) of the week `offset` weeks
// away from now. Sunday counts as day 7 of the running week, so its start
// of week is 6 days earlier, not the following Monday.
func MondayOf(now time.Time, offset int) time.Time {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := now.AddDate(0, 0, -(weekday-1)+offset*7)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, monday.Location())
}

// WeekID maps a calendar offset (0 = current week, ±N = N weeks away) to
// the stable string key of that week: its Monday in YYYY-MM-DD form.
func WeekID(now time.Time, offset int) string {
	return MondayOf(now, offset).Format(weekIDLayout)
}

// ParseWeekID is the exact inverse of WeekID: it resolves an identifier
// back to the concrete Monday (local midnight) it encodes.
func ParseWeekID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(weekIDLayout, id, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse week id %q: %w", id, err)
	}
	return t, nil
}
