package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const maxBackoff = time.Hour

// DLQManager retries failed outbox messages and quarantines exhausted entries.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// RunOnce processes up to batchSize due DLQ entries and returns how many were re-queued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "select dlq")
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, errors.Wrap(err, "scan dlq")
	}

	var (
		runErr   error
		failures int
	)
	requeued := 0
	for _, entry := range entries {
		ok, err := m.handleEntry(ctx, entry)
		if err != nil {
			failures++
			if runErr == nil {
				runErr = err
			}
			m.logger.Error("dlq.entry_failed", zap.Int64("dlq_id", entry.ID), zap.Error(err))
			continue
		}
		if ok {
			requeued++
		}
	}
	m.updateBacklog(ctx)
	if runErr != nil {
		return requeued, errors.Wrapf(runErr, "%d dlq entries failed", failures)
	}
	return requeued, nil
}

// handleEntry applies retry or quarantine logic to one entry and reports whether it was re-queued.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (requeued bool, err error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin dlq entry")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	log := m.logger.With(zap.Int64("dlq_id", entry.ID), zap.String("event_type", entry.EventType), zap.String("topic", entry.Topic))

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID); err != nil {
			return false, errors.Wrap(err, "quarantine dlq entry")
		}
		if err := tx.Commit(ctx); err != nil {
			return false, errors.Wrap(err, "commit quarantine")
		}
		recordDLQQuarantined(entry)
		recordDLQProcessed(entry)
		log.Warn("dlq.quarantined", zap.Int("retry_count", entry.RetryCount))
		return false, nil
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		// The failed insert aborted the transaction; schedule the retry in a fresh one.
		_ = tx.Rollback(ctx)
		delay := backoffDelay(m.baseDelay, entry.RetryCount+1)
		if _, err := m.pool.Exec(ctx,
			`UPDATE outbox_dlq
			    SET retry_count = retry_count + 1,
			        last_attempt_at = NOW(),
			        next_retry_at = NOW() + $1::interval,
			        reason = $2
			  WHERE dlq_id = $3`,
			delay, insertErr.Error(), entry.ID,
		); err != nil {
			return false, errors.Wrap(err, "schedule dlq retry")
		}
		recordDLQRetry(entry)
		log.Info("dlq.retry_scheduled", zap.Duration("delay", delay), zap.Error(insertErr))
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, errors.Wrap(err, "delete dlq entry")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit requeue")
	}
	recordDLQRequeued(entry)
	recordDLQProcessed(entry)
	log.Info("dlq.requeued")
	return true, nil
}

func (m *DLQManager) updateBacklog(ctx context.Context) {
	var count int
	if err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		m.logger.Debug("dlq.backlog_unavailable", zap.Error(err))
		return
	}
	dlqBacklogGauge.Set(float64(count))
}

// backoffDelay doubles baseDelay per attempt, capped at one hour.
func backoffDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table for replay.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return errors.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.TenantID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry is an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	TenantID      string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var entry dlqEntry
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount)
	return entry, err
}
