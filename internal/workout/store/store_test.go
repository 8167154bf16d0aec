package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/2beens/homeworkout/internal/kv"
	"github.com/2beens/homeworkout/internal/workout"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// a Wednesday, week id 2024-05-13
var testNow = time.Date(2024, 5, 15, 13, 37, 0, 0, time.Local)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	diskStorage, err := kv.NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	s := New(diskStorage)
	s.NowFunc = func() time.Time { return testNow }
	return s
}

func TestStore_LoadConfig_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cfg := s.LoadConfig(ctx)
	assert.Equal(t, workout.DefaultConfig(), cfg)
}

func TestStore_LoadConfig_Corrupt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.storage.Set(ctx, ConfigKey, "{{{ not json"))

	cfg := s.LoadConfig(ctx)
	assert.Equal(t, workout.DefaultConfig(), cfg)
}

func TestStore_SaveConfig_Clamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	saved, err := s.SaveConfig(ctx, workout.Config{Days: 100, Sets: 0})
	require.NoError(t, err)
	assert.Equal(t, workout.Config{Days: workout.MaxDays, Sets: 1}, saved)

	// round-trips through storage
	reloaded := s.LoadConfig(ctx)
	assert.Equal(t, saved, reloaded)
}

func TestStore_LoadState_FirstRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	weeks := s.WeeksCache()
	require.Contains(t, weeks, "2024-05-13")
}

func TestStore_LoadState_LegacyMigration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	legacy := workout.NewSnapshot()
	require.NoError(t, legacy.SetReps("pushups_A_1", workout.NewReps(10)))
	legacyJSON, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, s.storage.Set(ctx, LegacyTableKey, string(legacyJSON)))

	snap, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, legacy.Equal(snap))

	// migrated content is persisted under the per-week key
	raw, err := s.storage.Get(ctx, TableKeyBase+"_2024-05-13")
	require.NoError(t, err)
	migrated := workout.NewSnapshot()
	require.NoError(t, json.Unmarshal([]byte(raw), migrated))
	assert.True(t, legacy.Equal(migrated))

	// the legacy key is left intact
	_, err = s.storage.Get(ctx, LegacyTableKey)
	require.NoError(t, err)
}

func TestStore_LoadState_NoMigrationForOtherWeeks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	legacy := workout.NewSnapshot()
	require.NoError(t, legacy.SetReps("pushups_A_1", workout.NewReps(10)))
	legacyJSON, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, s.storage.Set(ctx, LegacyTableKey, string(legacyJSON)))

	snap, err := s.ChangeWeek(ctx, -1)
	require.NoError(t, err)
	assert.True(t, snap.Empty(), "legacy content must not leak into other weeks")
}

func TestStore_LoadState_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.storage.Set(ctx, TableKeyBase+"_2024-05-13", "broken{"))

	snap, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestStore_SetReps_PersistsAndMirrorsLegacyKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)

	cell, err := s.SetReps(ctx, "pushups_A_1", workout.NewReps(12))
	require.NoError(t, err)
	assert.True(t, cell.Done)

	weekRaw, err := s.storage.Get(ctx, TableKeyBase+"_2024-05-13")
	require.NoError(t, err)
	legacyRaw, err := s.storage.Get(ctx, LegacyTableKey)
	require.NoError(t, err)
	assert.Equal(t, weekRaw, legacyRaw)
}

func TestStore_SetReps_NoLegacyMirrorForOtherWeeks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.ChangeWeek(ctx, -1)
	require.NoError(t, err)

	_, err = s.SetReps(ctx, "pushups_A_1", workout.NewReps(12))
	require.NoError(t, err)

	_, err = s.storage.Get(ctx, TableKeyBase+"_2024-05-06")
	require.NoError(t, err)
	_, err = s.storage.Get(ctx, LegacyTableKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_Notifications(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)

	var origins []Origin
	s.Subscribe(func(origin Origin) {
		origins = append(origins, origin)
	})

	_, err = s.SetReps(ctx, "pushups_A_1", workout.NewReps(10))
	require.NoError(t, err)
	assert.Equal(t, []Origin{OriginLocal, OriginExternalStats}, origins)

	origins = nil
	external := workout.NewSnapshot()
	require.NoError(t, external.SetReps("squats_B_1", workout.NewReps(20)))
	require.NoError(t, s.SetState(ctx, external))
	assert.Equal(t, []Origin{OriginExternal}, origins,
		"externally applied state must not emit a local notification")

	origins = nil
	s.UpdateWeeksCache("2024-05-06", external)
	assert.Equal(t, []Origin{OriginExternalStats}, origins)
}

func TestStore_SetState_ReplacesAndPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)
	_, err = s.SetReps(ctx, "pushups_A_1", workout.NewReps(10))
	require.NoError(t, err)

	external := workout.NewSnapshot()
	require.NoError(t, external.SetReps("squats_B_1", workout.NewReps(20)))
	require.NoError(t, s.SetState(ctx, external))

	state := s.State()
	assert.True(t, external.Equal(state), "replacement is whole-document, not a merge")
	assert.False(t, state.Cell("pushups_A_1").Done)
}

func TestStore_ChangeWeek_KeepsWeeksCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)
	_, err = s.SetReps(ctx, "pushups_A_1", workout.NewReps(10))
	require.NoError(t, err)

	_, err = s.ChangeWeek(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, -1, s.WeekOffset())
	assert.Equal(t, "2024-05-06", s.WeekID())

	weeks := s.WeeksCache()
	assert.Contains(t, weeks, "2024-05-13")
	assert.Contains(t, weeks, "2024-05-06")

	// back to the current week: the persisted state is reloaded
	snap, err := s.ChangeWeek(ctx, 1)
	require.NoError(t, err)
	assert.True(t, snap.Cell("pushups_A_1").Done)
}

func TestStore_FinishSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.SaveConfig(ctx, workout.Config{Days: 1, Sets: 2})
	require.NoError(t, err)
	_, err = s.LoadState(ctx)
	require.NoError(t, err)

	col, err := s.EnsureActiveColumn(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A_1", col.String())

	next, finished, err := s.FinishSet(ctx)
	require.NoError(t, err)
	require.False(t, finished)
	assert.Equal(t, "A_2", next.String())

	_, finished, err = s.FinishSet(ctx)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestStore_StateIsACopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.LoadState(ctx)
	require.NoError(t, err)
	_, err = s.SetReps(ctx, "pushups_A_1", workout.NewReps(10))
	require.NoError(t, err)

	state := s.State()
	require.NoError(t, state.SetReps("pushups_A_1", workout.NewReps(99)))
	assert.Equal(t, float64(10), s.State().Cell("pushups_A_1").Reps.Value)
}
