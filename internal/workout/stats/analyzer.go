// Package stats derives aggregate workout statistics from the weeks
// cache. There is no stored event log: events are re-derived in full from
// completed cells on every recalculation, so analytics are a
// deterministic function of state and can never drift from it.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/2beens/homeworkout/internal/telemetry/tracing"
	"github.com/2beens/homeworkout/internal/workout"

	log "github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Event is a synthetic analytics event re-derived from one contributing
// cell: the cell's composite key, its amount in seconds, and the concrete
// calendar day it belongs to (week Monday + day-letter offset).
type Event struct {
	ExerciseKey string    `json:"exerciseKey"`
	Exercise    string    `json:"exercise"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

type Stats struct {
	// Workouts is the number of distinct calendar dates touched.
	Workouts int `json:"workouts"`
	// Sets is the number of distinct (day, set, date) triples.
	Sets int `json:"sets"`
	// TotalSeconds is the sum of all event amounts.
	TotalSeconds float64 `json:"totalSeconds"`
	// PerExercise sums amounts by exercise name.
	PerExercise map[string]float64 `json:"perExercise"`
	// PerDay sums amounts by calendar date (YYYY-MM-DD), the history
	// chart input.
	PerDay map[string]float64 `json:"perDay"`
	// Events is every derived event, sorted by timestamp ascending.
	Events []Event `json:"events"`
}

func (s *Stats) TotalDuration() time.Duration {
	return time.Duration(s.TotalSeconds * float64(time.Second))
}

type weeksProvider interface {
	WeeksCache() map[string]*workout.Snapshot
}

type Analyzer struct {
	weeks weeksProvider
}

func NewAnalyzer(weeks weeksProvider) *Analyzer {
	return &Analyzer{
		weeks: weeks,
	}
}

// Recalculate projects the full weeks cache into aggregate statistics.
// Aggregation is commutative, so the iteration order of the cache never
// changes the result. Malformed week identifiers or cell keys are
// skipped, not fatal.
func (a *Analyzer) Recalculate(ctx context.Context) *Stats {
	_, span := tracing.GlobalTracer.Start(ctx, "analyzer.workout.stats.recalculate")
	defer span.End()

	stats := &Stats{
		PerExercise: make(map[string]float64),
		PerDay:      make(map[string]float64),
		Events:      make([]Event, 0),
	}

	dates := make(map[string]struct{})
	setTriples := make(map[string]struct{})

	for weekID, snap := range a.weeks.WeeksCache() {
		monday, err := workout.ParseWeekID(weekID)
		if err != nil {
			log.Errorf("stats: skipping week with bad identifier %q: %s", weekID, err)
			continue
		}
		for key, cell := range snap.Cells {
			exercise, col, err := workout.ParseCellKey(key)
			if err != nil {
				continue
			}
			if !cell.Contributing() {
				continue
			}
			dayIndex, ok := workout.DayIndex(col.Day)
			if !ok {
				continue
			}

			eventDate := monday.AddDate(0, 0, dayIndex)
			dateKey := eventDate.Format(dateLayout)
			amount := cell.Amount()

			dates[dateKey] = struct{}{}
			setTriples[col.String()+"_"+dateKey] = struct{}{}

			stats.TotalSeconds += amount
			stats.PerExercise[exercise] += amount
			stats.PerDay[dateKey] += amount
			stats.Events = append(stats.Events, Event{
				ExerciseKey: key,
				Exercise:    exercise,
				Amount:      amount,
				Timestamp:   eventDate,
			})
		}
	}

	stats.Workouts = len(dates)
	stats.Sets = len(setTriples)

	sort.Slice(stats.Events, func(i, j int) bool {
		if !stats.Events[i].Timestamp.Equal(stats.Events[j].Timestamp) {
			return stats.Events[i].Timestamp.Before(stats.Events[j].Timestamp)
		}
		return stats.Events[i].ExerciseKey < stats.Events[j].ExerciseKey
	})

	return stats
}
