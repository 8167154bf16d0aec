// Package remote implements the sync bridge's remote document store on
// postgres: one JSONB document per (user, week), merge-written with last
// write wins, with LISTEN/NOTIFY as the change notification channel.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2beens/homeworkout/internal/telemetry/tracing"
	"github.com/2beens/homeworkout/internal/workout"
	syncbridge "github.com/2beens/homeworkout/internal/workout/sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const notifyChannel = "workout_week_changed"

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db: db,
	}
}

// EnsureSchema creates the week document table when missing.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workout_week (
			user_id    TEXT        NOT NULL,
			week_id    TEXT        NOT NULL,
			snapshot   JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, week_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create workout_week table: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, userID, weekID string) (_ *workout.Snapshot, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.remote.get")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	var data []byte
	err = r.db.QueryRow(ctx, `
		SELECT snapshot
		FROM workout_week
		WHERE user_id = $1 AND week_id = $2
	`, userID, weekID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncbridge.ErrDocNotFound
		}
		return nil, err
	}

	snap := workout.NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("unmarshal week %s snapshot: %w", weekID, err)
	}
	return snap, nil
}

// Set upserts the whole document: last write wins at document
// granularity. The change notification goes out in the same transaction,
// so subscribers never observe a notify without the row.
func (r *Repo) Set(ctx context.Context, userID, weekID string, snap *workout.Snapshot) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.remote.set")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal week %s snapshot: %w", weekID, err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				err = fmt.Errorf("failed to rollback transaction: %w: %w", rollbackErr, err)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO workout_week (user_id, week_id, snapshot, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, week_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
	`, userID, weekID, data); err != nil {
		return err
	}

	payload := userID + "|" + weekID
	if _, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return err
	}
	return nil
}

// Subscribe first enumerates every existing week document of the user
// (so historical weeks land in the weeks cache), then holds a dedicated
// connection on LISTEN and delivers each changed document to the handler.
// The returned unsubscribe releases the connection; no automatic
// reconnection is attempted.
func (r *Repo) Subscribe(
	ctx context.Context,
	userID string,
	handler syncbridge.SnapshotHandler,
) (unsubscribe func(), err error) {
	rows, err := r.db.Query(ctx, `
		SELECT week_id, snapshot
		FROM workout_week
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("enumerate weeks: %w", err)
	}

	type weekDoc struct {
		weekID string
		snap   *workout.Snapshot
	}
	var docs []weekDoc
	for rows.Next() {
		var weekID string
		var data []byte
		if err := rows.Scan(&weekID, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan week doc: %w", err)
		}
		snap := workout.NewSnapshot()
		if err := json.Unmarshal(data, snap); err != nil {
			log.Errorf("remote docs: corrupt snapshot for week %s, skipping: %s", weekID, err)
			continue
		}
		docs = append(docs, weekDoc{weekID: weekID, snap: snap})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enumerate weeks: %w", err)
	}

	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", notifyChannel, err)
	}

	for _, doc := range docs {
		handler(doc.weekID, doc.snap)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() != nil {
					return
				}
				log.Errorf("remote docs: wait for notification: %s", err)
				return
			}
			r.handleNotification(listenCtx, userID, notification.Payload, handler)
		}
	}()

	return cancel, nil
}

func (r *Repo) handleNotification(
	ctx context.Context,
	userID, payload string,
	handler syncbridge.SnapshotHandler,
) {
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 {
		log.Errorf("remote docs: malformed notification payload %q", payload)
		return
	}
	if parts[0] != userID {
		return
	}
	weekID := parts[1]

	snap, err := r.Get(ctx, userID, weekID)
	if err != nil {
		log.Errorf("remote docs: fetch notified week %s: %s", weekID, err)
		return
	}
	handler(weekID, snap)
}
