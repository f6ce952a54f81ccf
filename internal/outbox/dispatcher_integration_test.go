//go:build integration

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"example.com/activitylog/internal/domain"
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

func seedEvents(t *testing.T, pool *pgxpool.Pool, n int) {
	t.Helper()
	repo := postgres.NewRepository(pool)
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Insert(context.Background(), domain.ActivityEvent{
			ID:             uuid.Must(uuid.NewV7()).String(),
			OrganizationID: "org-1",
			ProjectID:      "proj-1",
			EventType:      "task.completed",
			Timestamp:      time.Now().UTC().Truncate(time.Microsecond),
			Summary:        "task.completed on task t1",
			ActorType:      domain.ActorTeamMember,
			EntityType:     "task",
			EntityID:       "t1",
			EventData:      map[string]any{domain.SchemaVersionKey: domain.DefaultSchemaVersion},
		}, ""))
	}
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query).Scan(&n))
	return n
}

func TestDispatcherPublishesOutboxRows(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	seedEvents(t, pool, 3)

	writer := &recordingWriter{}
	d := NewDispatcher(pool, writer, &countingRegistry{id: 42}, 10*time.Millisecond, 2, WithLogger(zaptest.NewLogger(t)))

	before := testutil.ToFloat64(deliveredCounter)
	beforeBatches := histogramSampleCount(t)
	require.NoError(t, d.processBatch(ctx))
	require.NoError(t, d.processBatch(ctx))
	require.NoError(t, d.processBatch(ctx))

	require.Len(t, writer.byTopic[events.TopicActivityEvents], 3)
	require.InDelta(t, before+3, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Equal(t, beforeBatches+3, histogramSampleCount(t))
	require.Equal(t, 3, countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))
}

func TestClaimedRowsAreLeasedToOneDispatcher(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	seedEvents(t, pool, 2)

	first := NewDispatcher(pool, &recordingWriter{}, &countingRegistry{id: 42}, 10*time.Millisecond, 10)
	second := NewDispatcher(pool, &recordingWriter{}, &countingRegistry{id: 42}, 10*time.Millisecond, 10, WithClaimLease(time.Minute))

	claimed, err := first.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := second.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Empty(t, again, "rows claimed but not yet published stay with their claimant")

	_, err = pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)
	expired, err := second.fetchAndClaim(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 2)
}

func TestDispatcherFailureRoutesToDLQAndManagerRequeues(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)
	seedEvents(t, pool, 2)

	d := NewDispatcher(pool, &recordingWriter{failWith: errors.New("kafka write failed")}, &countingRegistry{id: 7}, 10*time.Millisecond, 10)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues(events.TopicActivityEvents))
	require.NoError(t, d.processBatch(ctx))

	require.InDelta(t, beforeDLQ+2, testutil.ToFloat64(dlqCounter.WithLabelValues(events.TopicActivityEvents)), 0.0001)
	require.Equal(t, 2, countRows(t, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))

	manager := NewDLQManager(pool, 3, time.Minute, zaptest.NewLogger(t))
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, requeued)
	require.Equal(t, 0, countRows(t, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.Equal(t, 2, countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))

	writer := &recordingWriter{}
	d = NewDispatcher(pool, writer, &countingRegistry{id: 7}, 10*time.Millisecond, 10)
	require.NoError(t, d.processBatch(ctx))
	require.Len(t, writer.byTopic[events.TopicActivityEvents], 2)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t)

	_, err := pool.Exec(ctx, `INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
		VALUES ('org-1', 1, $1, $2, '{}'::jsonb, 'broker down', 'activity_event', 'a1', $3, 'org-1', 3, NOW())`,
		events.TypeActivityRecorded, events.TopicActivityEvents, events.SubjectActivityEvents)
	require.NoError(t, err)

	manager := NewDLQManager(pool, 3, time.Minute, nil)
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`))
	require.Zero(t, countRows(t, pool, `SELECT COUNT(*) FROM outbox`))
}
