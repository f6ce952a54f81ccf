//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/activitylog/internal/persistence/postgres"
	"example.com/activitylog/pkg/events"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("activitylog"),
		postgrescontainer.WithUsername("activitylog"),
		postgrescontainer.WithPassword("activitylog"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		pool, err = postgres.Connect(ctx, connStr, 4)
		return err == nil
	}, 30*time.Second, time.Second)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool, postgres.MigrateUp))
	return pool
}

func recordedMessage(t *testing.T, eventID string, ts time.Time) Message {
	t.Helper()
	payload, err := json.Marshal(events.ActivityRecorded{
		EventID:        eventID,
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		EventType:      "task.completed",
		Category:       "task",
		Timestamp:      ts,
		ActorType:      "team_member",
		EntityType:     "task",
		EntityID:       "t1",
		SchemaVersion:  "1.0.0",
	})
	require.NoError(t, err)
	return Message{Topic: events.TopicActivityEvents, EventType: events.TypeActivityRecorded, TenantID: "org-1", Payload: payload}
}

func TestRollupHandlerCountsEachEventOnce(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	h := NewRollupHandler(pool)

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := recordedMessage(t, uuid.NewString(), day)
	require.NoError(t, h.Handle(ctx, first))
	require.NoError(t, h.Handle(ctx, first))
	require.NoError(t, h.Handle(ctx, recordedMessage(t, uuid.NewString(), day.Add(3*time.Hour))))
	require.NoError(t, h.Handle(ctx, recordedMessage(t, uuid.NewString(), day.Add(24*time.Hour))))

	rows, err := pool.Query(ctx, `SELECT day, total FROM activity_daily_rollups WHERE organization_id = 'org-1' AND project_id = 'proj-1' AND event_type = 'task.completed' ORDER BY day`)
	require.NoError(t, err)
	defer rows.Close()

	var totals []int64
	for rows.Next() {
		var (
			d     time.Time
			total int64
		)
		require.NoError(t, rows.Scan(&d, &total))
		totals = append(totals, total)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []int64{2, 1}, totals)
}
