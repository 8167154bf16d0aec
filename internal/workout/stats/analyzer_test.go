package stats

import (
	"context"
	"testing"
	"time"

	"github.com/2beens/homeworkout/internal/workout"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticWeeks map[string]*workout.Snapshot

func (w staticWeeks) WeeksCache() map[string]*workout.Snapshot {
	return w
}

func buildSnapshot(t *testing.T, cells map[string]workout.Cell) *workout.Snapshot {
	t.Helper()
	snap := workout.NewSnapshot()
	for k, c := range cells {
		snap.Cells[k] = c
	}
	return snap
}

func TestAnalyzer_Recalculate(t *testing.T) {
	weeks := staticWeeks{
		// week of Monday 2024-05-13
		"2024-05-13": buildSnapshot(t, map[string]workout.Cell{
			"pushups_A_1": {Reps: workout.NewReps(30), Done: true},
			"pushups_A_2": {Reps: workout.NewReps(30), Done: true},
			"squats_B_1":  {Reps: workout.NewReps(60), Done: true},
			// done with no amount: contributes an event of amount 0
			"plank_A_1": {Done: true},
			// entered but neither done nor positive: not contributing
			"situps_A_3": {Reps: workout.NewReps(0)},
			// empty cell: not contributing
			"situps_A_4": {},
		}),
		"2024-05-06": buildSnapshot(t, map[string]workout.Cell{
			"pushups_A_1": {Reps: workout.NewReps(25), Done: true},
		}),
	}

	stats := NewAnalyzer(weeks).Recalculate(context.Background())

	// distinct dates: 2024-05-13 (day A), 2024-05-14 (day B), 2024-05-06
	assert.Equal(t, 3, stats.Workouts)
	// distinct (day, set, date): A_1+A_2+B_1 on week one, A_1 on week two
	assert.Equal(t, 4, stats.Sets)
	assert.Equal(t, float64(30+30+60+25), stats.TotalSeconds)

	assert.Equal(t, float64(85), stats.PerExercise["pushups"])
	assert.Equal(t, float64(60), stats.PerExercise["squats"])
	assert.Equal(t, float64(0), stats.PerExercise["plank"])
	assert.NotContains(t, stats.PerExercise, "situps")

	assert.Equal(t, float64(60), stats.PerDay["2024-05-13"])
	assert.Equal(t, float64(60), stats.PerDay["2024-05-14"])
	assert.Equal(t, float64(25), stats.PerDay["2024-05-06"])

	require.Len(t, stats.Events, 5)
	assert.Equal(t, 100*time.Second+45*time.Second, stats.TotalDuration())
}

func TestAnalyzer_EventsSortedDeterministically(t *testing.T) {
	weeks := staticWeeks{
		"2024-05-13": buildSnapshot(t, map[string]workout.Cell{
			"squats_A_1":  {Reps: workout.NewReps(10), Done: true},
			"pushups_A_1": {Reps: workout.NewReps(10), Done: true},
			"pushups_B_1": {Reps: workout.NewReps(10), Done: true},
		}),
	}

	analyzer := NewAnalyzer(weeks)

	first := analyzer.Recalculate(context.Background())
	require.Len(t, first.Events, 3)
	assert.Equal(t, "pushups_A_1", first.Events[0].ExerciseKey)
	assert.Equal(t, "squats_A_1", first.Events[1].ExerciseKey)
	assert.Equal(t, "pushups_B_1", first.Events[2].ExerciseKey)

	// map iteration order varies; the projection result must not
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, analyzer.Recalculate(context.Background()))
	}
}

func TestAnalyzer_SkipsMalformedInput(t *testing.T) {
	weeks := staticWeeks{
		"not-a-week": buildSnapshot(t, map[string]workout.Cell{
			"pushups_A_1": {Reps: workout.NewReps(10), Done: true},
		}),
		"2024-05-13": buildSnapshot(t, map[string]workout.Cell{
			"garbage-key": {Reps: workout.NewReps(10), Done: true},
			"pushups_A_1": {Reps: workout.NewReps(10), Done: true},
		}),
	}

	stats := NewAnalyzer(weeks).Recalculate(context.Background())
	assert.Equal(t, 1, stats.Workouts)
	assert.Equal(t, float64(10), stats.TotalSeconds)
	require.Len(t, stats.Events, 1)
}

func TestAnalyzer_EmptyCache(t *testing.T) {
	stats := NewAnalyzer(staticWeeks{}).Recalculate(context.Background())
	assert.Zero(t, stats.Workouts)
	assert.Zero(t, stats.Sets)
	assert.Zero(t, stats.TotalSeconds)
	assert.Empty(t, stats.Events)
	assert.NotNil(t, stats.PerDay)
	assert.NotNil(t, stats.PerExercise)
}
