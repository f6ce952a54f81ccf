package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitylog/internal/observability"
	"example.com/activitylog/pkg/events"
)

// RollupHandler folds recorded events into per-day totals.
// Each event id is applied at most once, so redelivery never double counts.
type RollupHandler struct {
	pool *pgxpool.Pool
}

// NewRollupHandler constructs a handler backed by the provided pool.
func NewRollupHandler(pool *pgxpool.Pool) *RollupHandler {
	return &RollupHandler{pool: pool}
}

// Handle applies msg to activity_daily_rollups. Messages of other types are ignored.
func (h *RollupHandler) Handle(ctx context.Context, msg Message) (err error) {
	if msg.EventType != events.TypeActivityRecorded {
		return nil
	}
	rec, err := decodeRecorded(msg.Payload)
	if err != nil {
		return err
	}
	eventID, err := uuid.Parse(rec.EventID)
	if err != nil {
		return errors.Wrapf(err, "parse event id %q", rec.EventID)
	}

	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin rollup")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `INSERT INTO activity_rollup_applied (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
	if err != nil {
		return errors.Wrap(err, "mark rollup applied")
	}
	if tag.RowsAffected() == 0 {
		duplicateCounter.Inc()
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO activity_daily_rollups (organization_id, project_id, event_type, day, total, updated_at)
		 VALUES ($1, $2, $3, $4, 1, NOW())
		 ON CONFLICT (organization_id, project_id, event_type, day)
		 DO UPDATE SET total = activity_daily_rollups.total + 1, updated_at = NOW()`,
		rec.OrganizationID, rec.ProjectID, rec.EventType, rollupDay(rec.Timestamp),
	)
	if err != nil {
		return errors.Wrap(err, "upsert rollup")
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit rollup")
	}
	observability.RecordRollupApplied(rec.Timestamp)
	return nil
}

func decodeRecorded(payload []byte) (events.ActivityRecorded, error) {
	var rec events.ActivityRecorded
	if err := json.Unmarshal(payload, &rec); err != nil {
		return events.ActivityRecorded{}, errors.Wrap(err, "decode activity payload")
	}
	if rec.EventID == "" || rec.OrganizationID == "" || rec.EventType == "" || rec.Timestamp.IsZero() {
		return events.ActivityRecorded{}, errors.New("activity payload is missing required fields")
	}
	return rec, nil
}

// rollupDay buckets an instant by its UTC calendar day.
func rollupDay(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
