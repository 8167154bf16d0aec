// Package sync mirrors the local store into a per-user, per-week remote
// document collection and back: eventually consistent, last write wins at
// document granularity.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/2beens/homeworkout/internal/telemetry/metrics"
	"github.com/2beens/homeworkout/internal/workout"
	"github.com/2beens/homeworkout/internal/workout/store"

	log "github.com/sirupsen/logrus"
)

// ErrDocNotFound is returned by RemoteDocs.Get for a week with no remote
// document yet.
var ErrDocNotFound = errors.New("remote document not found")

// User is the opaque session identity the bridge reacts to. The bridge
// performs no authentication itself.
type User struct {
	ID string
}

// SnapshotHandler receives remote snapshot deliveries, one call per week
// document (initial enumeration and every subsequent change).
type SnapshotHandler func(weekID string, snap *workout.Snapshot)

// RemoteDocs is the full remote contract: per (user, week) documents with
// get, merge-write and a collection-level change subscription. Any
// backend offering document CRUD plus change notification fits.
type RemoteDocs interface {
	Get(ctx context.Context, userID, weekID string) (*workout.Snapshot, error)
	Set(ctx context.Context, userID, weekID string, snap *workout.Snapshot) error
	Subscribe(ctx context.Context, userID string, handler SnapshotHandler) (unsubscribe func(), err error)
}

// defaultSettleWindow is how long after a completed push inbound
// deliveries of the active week are attributed to that push and dropped.
// A heuristic, not a fence: the serialized-equality check in the delivery
// path is the actual safety net.
const defaultSettleWindow = 2 * time.Second

type Bridge struct {
	store *store.Store
	docs  RemoteDocs

	// SettleWindow and NowFunc are injectable for deterministic tests.
	SettleWindow time.Duration
	NowFunc      func() time.Time

	metrics *metrics.Manager

	mu          gosync.Mutex
	user        *User
	unsubscribe func()
	pushing     bool
	lastPushAt  time.Time
}

// NewBridge wires the bridge into the store's notification channel. Only
// local-origin changes trigger pushes; the external origins exist exactly
// so the bridge can ignore what it applied itself.
func NewBridge(s *store.Store, docs RemoteDocs, metricsManager *metrics.Manager) *Bridge {
	b := &Bridge{
		store:        s,
		docs:         docs,
		SettleWindow: defaultSettleWindow,
		NowFunc:      time.Now,
		metrics:      metricsManager,
	}
	s.Subscribe(b.onStoreChange)
	return b
}

// HandleAuthState reacts to session presence: a user starts the remote
// subscription, nil tears it down and the store continues purely locally.
func (b *Bridge) HandleAuthState(ctx context.Context, user *User) {
	b.stopSync()
	if user == nil {
		log.Debugf("sync bridge: signed out, remote sync stopped")
		return
	}
	b.startSync(ctx, user)
}

func (b *Bridge) startSync(ctx context.Context, user *User) {
	b.mu.Lock()
	b.user = user
	b.mu.Unlock()

	unsubscribe, err := b.docs.Subscribe(ctx, user.ID, b.onRemoteSnapshot)
	if err != nil {
		// no automatic retry; reconnection happens via a fresh
		// sign-in/sign-out cycle
		log.Errorf("sync bridge: subscribe for user %s: %s", user.ID, err)
		return
	}

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	log.Infof("sync bridge: user %s signed in, remote sync started", user.ID)

	// a brand-new local week has no remote document yet; create it
	// proactively instead of leaving it absent
	state := b.store.State()
	if state.Empty() {
		return
	}
	weekID := b.store.WeekID()
	if _, err := b.docs.Get(ctx, user.ID, weekID); errors.Is(err, ErrDocNotFound) {
		b.push(ctx)
	}
}

// stopSync fully releases the subscription so no stale-user updates can
// reach a later session's state.
func (b *Bridge) stopSync() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.user = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (b *Bridge) onStoreChange(origin store.Origin) {
	if origin != store.OriginLocal {
		return
	}
	b.mu.Lock()
	signedIn := b.user != nil
	b.mu.Unlock()
	if !signedIn {
		return
	}
	b.push(context.Background())
}

// push merge-writes the whole active snapshot: a full-document write, not
// a field patch. Failures are logged and swallowed; the next local
// mutation (or listener replay on reconnect) is the recovery path.
func (b *Bridge) push(ctx context.Context) {
	b.mu.Lock()
	user := b.user
	if user == nil {
		b.mu.Unlock()
		return
	}
	b.pushing = true
	b.mu.Unlock()

	weekID := b.store.WeekID()
	err := b.docs.Set(ctx, user.ID, weekID, b.store.State())

	b.mu.Lock()
	b.pushing = false
	b.lastPushAt = b.NowFunc()
	b.mu.Unlock()

	if err != nil {
		log.Errorf("sync bridge: push week %s: %s", weekID, err)
		return
	}
	if b.metrics != nil {
		b.metrics.CounterSyncPushes.Inc()
	}
}

// suppressed reports whether an inbound delivery is attributable to a
// push of our own: one is in flight, or one completed within the settle
// window (the backend notifies the writing client of its own write).
func (b *Bridge) suppressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushing {
		return true
	}
	return !b.lastPushAt.IsZero() && b.NowFunc().Sub(b.lastPushAt) < b.SettleWindow
}

func (b *Bridge) onRemoteSnapshot(weekID string, snap *workout.Snapshot) {
	b.mu.Lock()
	signedIn := b.user != nil
	b.mu.Unlock()
	if !signedIn {
		return
	}

	if weekID != b.store.WeekID() {
		// non-active week: analytics-only
		b.store.UpdateWeeksCache(weekID, snap)
		if b.metrics != nil {
			b.metrics.CounterSyncPulls.Inc()
		}
		return
	}

	if b.suppressed() {
		log.Tracef("sync bridge: dropped self-echo for week %s", weekID)
		if b.metrics != nil {
			b.metrics.CounterSyncEchoesSuppressed.Inc()
		}
		return
	}

	// equality short circuit: a write that round-tripped unchanged must
	// not re-trigger a state replacement or another notification
	if snap.Equal(b.store.State()) {
		return
	}

	log.Debugf("sync bridge: applying remote update for week %s", weekID)
	if err := b.store.SetState(context.Background(), snap); err != nil {
		log.Errorf("sync bridge: apply remote week %s: %s", weekID, err)
		return
	}
	if b.metrics != nil {
		b.metrics.CounterSyncPulls.Inc()
	}
}
