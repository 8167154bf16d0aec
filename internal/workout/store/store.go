// Package store owns the canonical in-memory state of the currently
// viewed week: the cell snapshot, the active column pointer and the
// in-memory cache of all known weeks. Every mutation goes through it, is
// persisted synchronously and announced to subscribers with an origin
// tag, so dependents can tell self-originated changes from external ones.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2beens/homeworkout/internal/kv"
	"github.com/2beens/homeworkout/internal/telemetry/tracing"
	"github.com/2beens/homeworkout/internal/workout"

	log "github.com/sirupsen/logrus"
)

const (
	// ConfigKey is the durable storage key of the table configuration.
	ConfigKey = "home_workout_config_v1"
	// TableKeyBase prefixes per-week snapshot keys: TableKeyBase_<weekID>.
	TableKeyBase = "home_workout_table_v1"
	// LegacyTableKey is the old single-week storage key. It is read once
	// for migration and mirrored on every current-week save, never deleted.
	LegacyTableKey = TableKeyBase
)

// Origin tags a change notification with where the change came from.
type Origin string

const (
	// OriginLocal marks a change made on this client.
	OriginLocal Origin = "local"
	// OriginExternal marks a remote-sourced replacement of the active week.
	OriginExternal Origin = "external"
	// OriginExternalStats marks a change that only invalidates derived
	// analytics (weeks cache updates, including the one piggybacking on
	// every local save).
	OriginExternalStats Origin = "external_stats"
)

// Listener receives only the origin tag, no diff. Consumers re-read the
// state themselves. The listener set is static, established at startup;
// there is no unsubscribe.
type Listener func(Origin)

type Store struct {
	storage kv.Storage

	// NowFunc is injectable for deterministic week-identifier tests.
	NowFunc func() time.Time

	mu         sync.Mutex
	cfg        workout.Config
	state      *workout.Snapshot
	weekOffset int
	weeks      map[string]*workout.Snapshot
	listeners  []Listener
}

func New(storage kv.Storage) *Store {
	return &Store{
		storage: storage,
		NowFunc: time.Now,
		cfg:     workout.DefaultConfig(),
		state:   workout.NewSnapshot(),
		weeks:   make(map[string]*workout.Snapshot),
	}
}

func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// notify fans out synchronously, in subscription order. Never called with
// the store lock held: listeners re-enter the store to read state.
func (s *Store) notify(origins ...Origin) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, origin := range origins {
		for _, l := range listeners {
			l(origin)
		}
	}
}

func (s *Store) Config() workout.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Store) WeekOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weekOffset
}

// WeekID is the identifier of the currently viewed week.
func (s *Store) WeekID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weekIDLocked()
}

func (s *Store) weekIDLocked() string {
	return workout.WeekID(s.NowFunc(), s.weekOffset)
}

// State returns a copy of the active week snapshot. Mutations go through
// the store's operations, never through the returned copy.
func (s *Store) State() *workout.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// WeeksCache returns a copy of every week snapshot known to this client,
// the sole input of derived analytics.
func (s *Store) WeeksCache() map[string]*workout.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	weeks := make(map[string]*workout.Snapshot, len(s.weeks))
	for id, snap := range s.weeks {
		weeks[id] = snap.Clone()
	}
	return weeks
}

// LoadConfig reads the configuration from durable storage, falling back
// to the default {days:2, sets:4} when absent or unreadable.
func (s *Store) LoadConfig(ctx context.Context) workout.Config {
	cfg := workout.DefaultConfig()
	raw, err := s.storage.Get(ctx, ConfigKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// first run
	case err != nil:
		log.Errorf("load config: %s", err)
	default:
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			log.Errorf("load config: corrupt json, using defaults: %s", err)
			cfg = workout.DefaultConfig()
		}
		cfg = cfg.Clamped()
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg
}

// SaveConfig clamps and persists the configuration. It deliberately does
// not revalidate active column pointers of cached snapshots; a stale
// pointer degrades to "no active column" when next resolved.
func (s *Store) SaveConfig(ctx context.Context, cfg workout.Config) (workout.Config, error) {
	cfg = cfg.Clamped()
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("marshal config: %w", err)
	}
	if err := s.storage.Set(ctx, ConfigKey, string(data)); err != nil {
		return cfg, fmt.Errorf("persist config: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

// LoadState loads the snapshot of the currently viewed week. When the
// per-week key is absent and the current week is viewed, it migrates the
// legacy single-key snapshot once: the content is adopted, persisted
// under the per-week key, and the legacy key is left intact as fallback.
// The result is also inserted into the weeks cache.
func (s *Store) LoadState(ctx context.Context) (_ *workout.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "workout.store.loadState")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	s.mu.Lock()
	weekID := s.weekIDLocked()
	offset := s.weekOffset
	s.mu.Unlock()

	snap := s.readSnapshot(ctx, TableKeyBase+"_"+weekID)
	migrated := false
	if snap == nil && offset == 0 {
		if legacy := s.readSnapshot(ctx, LegacyTableKey); legacy != nil {
			log.Infof("migrating legacy snapshot to week %s", weekID)
			snap = legacy
			migrated = true
		}
	}
	if snap == nil {
		snap = workout.NewSnapshot()
	}

	s.mu.Lock()
	s.state = snap
	s.weeks[weekID] = snap.Clone()
	s.mu.Unlock()

	if migrated {
		if err := s.persist(ctx, weekID, offset, snap); err != nil {
			log.Errorf("persist migrated snapshot: %s", err)
		}
	}

	return snap.Clone(), nil
}

// readSnapshot returns nil when the key is absent. A corrupt value is
// logged and treated as absent, never surfaced as a fatal error.
func (s *Store) readSnapshot(ctx context.Context, key string) *workout.Snapshot {
	raw, err := s.storage.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Errorf("read snapshot %q: %s", key, err)
		}
		return nil
	}
	snap := workout.NewSnapshot()
	if err := json.Unmarshal([]byte(raw), snap); err != nil {
		log.Errorf("read snapshot %q: corrupt json, ignoring: %s", key, err)
		return nil
	}
	return snap
}

func (s *Store) persist(ctx context.Context, weekID string, offset int, snap *workout.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.storage.Set(ctx, TableKeyBase+"_"+weekID, string(data)); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	// the legacy key mirrors the current week only
	if offset == 0 {
		if err := s.storage.Set(ctx, LegacyTableKey, string(data)); err != nil {
			return fmt.Errorf("mirror legacy snapshot: %w", err)
		}
	}
	return nil
}

// SaveData persists the active snapshot under its week key, mirrors the
// legacy key for the current week, refreshes the weeks cache entry and,
// unless skipNotify is set, emits a local notification plus an
// external_stats one (local changes invalidate derived analytics too).
func (s *Store) SaveData(ctx context.Context, skipNotify bool) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "workout.store.saveData")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	s.mu.Lock()
	weekID := s.weekIDLocked()
	offset := s.weekOffset
	snap := s.state.Clone()
	s.weeks[weekID] = snap
	s.mu.Unlock()

	if err := s.persist(ctx, weekID, offset, snap); err != nil {
		return err
	}

	if !skipNotify {
		s.notify(OriginLocal, OriginExternalStats)
	}
	return nil
}

// SetState applies an externally-sourced snapshot: the sync bridge's
// entry point. State is replaced and persisted with notification
// suppressed, then a single external notification goes out, so the UI
// refreshes but the bridge does not re-push what it just received.
func (s *Store) SetState(ctx context.Context, snap *workout.Snapshot) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "workout.store.setState")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	s.mu.Lock()
	s.state = snap.Clone()
	s.mu.Unlock()

	if err := s.SaveData(ctx, true); err != nil {
		return err
	}
	s.notify(OriginExternal)
	return nil
}

// UpdateWeeksCache records a remote-sourced snapshot of a week other than
// the active one. Only derived analytics depend on it, so only an
// external_stats notification goes out.
func (s *Store) UpdateWeeksCache(weekID string, snap *workout.Snapshot) {
	s.mu.Lock()
	s.weeks[weekID] = snap.Clone()
	s.mu.Unlock()
	s.notify(OriginExternalStats)
}

// ChangeWeek adjusts the viewed week offset and reloads state. The weeks
// cache keeps the previously viewed weeks for analytics.
func (s *Store) ChangeWeek(ctx context.Context, delta int) (*workout.Snapshot, error) {
	s.mu.Lock()
	s.weekOffset += delta
	s.mu.Unlock()
	return s.LoadState(ctx)
}

// SetReps records an amount for a cell and persists. Mirrors the table
// input behavior: a valid amount marks the cell done, clearing it clears
// the mark.
func (s *Store) SetReps(ctx context.Context, key string, reps workout.Reps) (workout.Cell, error) {
	s.mu.Lock()
	if err := s.state.SetReps(key, reps); err != nil {
		s.mu.Unlock()
		return workout.Cell{}, err
	}
	cell := s.state.Cell(key)
	s.mu.Unlock()

	if err := s.SaveData(ctx, false); err != nil {
		return cell, err
	}
	return cell, nil
}

// ToggleDone flips a cell's completion flag and persists.
func (s *Store) ToggleDone(ctx context.Context, key string) (workout.Cell, error) {
	s.mu.Lock()
	cell, err := s.state.ToggleDone(key)
	if err != nil {
		s.mu.Unlock()
		return workout.Cell{}, err
	}
	s.mu.Unlock()

	if err := s.SaveData(ctx, false); err != nil {
		return cell, err
	}
	return cell, nil
}

// EnsureActiveColumn resolves (and, when stale or absent, selects and
// persists) the active column for the current configuration.
func (s *Store) EnsureActiveColumn(ctx context.Context) (workout.ColumnKey, error) {
	s.mu.Lock()
	before := s.state.ActiveCol
	col := s.state.EnsureActiveColumn(s.cfg)
	changed := s.state.ActiveCol != before
	s.mu.Unlock()

	if changed {
		if err := s.SaveData(ctx, false); err != nil {
			return col, err
		}
	}
	return col, nil
}

// FinishSet advances the active column to the next one in day-major
// order; past the last column the pointer is cleared and finished is true.
func (s *Store) FinishSet(ctx context.Context) (next workout.ColumnKey, finished bool, err error) {
	s.mu.Lock()
	next, finished = s.state.AdvanceActiveColumn(s.cfg)
	s.mu.Unlock()

	if err := s.SaveData(ctx, false); err != nil {
		return next, finished, err
	}
	return next, finished, nil
}
