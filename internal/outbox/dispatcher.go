// Package outbox delivers recorded activity events from the Postgres outbox to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/activitylog/pkg/events"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Dispatcher drains the outbox table and publishes rows to Kafka.
type Dispatcher struct {
	pool          *pgxpool.Pool
	producer      messageWriter
	registry      schemaRegistrar
	dlq           *DLQWriter
	logger        *zap.Logger
	pollInterval  time.Duration
	batchSize     int
	claimLease    time.Duration
	schemaIDCache sync.Map
	now           func() time.Time
	done          chan struct{}
}

// DefaultClaimLease bounds how long a claim blocks redelivery.
const DefaultClaimLease = time.Minute

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClaimLease sets how long a claimed row stays invisible to other dispatchers.
// A dispatcher that dies mid-delivery leaves rows that become claimable once the lease runs out.
func WithClaimLease(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.claimLease = d
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	d := &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		dlq:          NewDLQWriter(pool),
		logger:       zap.NewNop(),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		claimLease:   DefaultClaimLease,
		now:          func() time.Time { return time.Now().UTC() },
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the polling loop until ctx is cancelled. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.done)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox.batch_failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Warn("outbox.delivery_failed", zap.Int("messages", len(messages)), zap.Error(err))
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return dlqErr
		}
		return d.markPublished(ctx, messages)
	}

	deliveredCounter.Add(float64(len(messages)))
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (_ []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
          AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, d.claimLease.Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "select outbox")
	}
	defer rows.Close()

	var (
		messages []Message
		ids      []int64
	)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.TenantID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload); err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate outbox")
	}
	rows.Close()

	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)
	var topics []string

	for _, msg := range messages {
		schema, ok := schemaCatalog[msg.EventType]
		if !ok {
			return errors.Errorf("no schema for event_type=%s", msg.EventType)
		}

		schemaID, err := d.schemaID(ctx, msg.SchemaSubject, schema)
		if err != nil {
			return err
		}

		record := kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Time:  d.now(),
			Headers: []kafka.Header{
				{Key: events.HeaderEventType, Value: []byte(msg.EventType)},
				{Key: events.HeaderTenantID, Value: []byte(msg.TenantID)},
				{Key: events.HeaderSchemaSubject, Value: []byte(msg.SchemaSubject)},
			},
		}
		if _, seen := batches[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return errors.Wrapf(err, "write %s", topic)
		}
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	cacheKey := fmt.Sprintf("%s::%s", subject, schema)
	if id, ok := d.schemaIDCache.Load(cacheKey); ok {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, errors.Wrapf(err, "ensure schema %s", subject)
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	if _, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return errors.Wrap(err, "mark published")
	}
	return nil
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
		if err := d.dlq.Write(ctx, msg, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}

// Message is one outbox row.
type Message struct {
	EventID       int64
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// encodeWireFormat applies Confluent framing: magic byte, big-endian schema id, payload.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// DecodeWireFormat strips Confluent framing and returns the schema id and payload.
// Unframed payloads are returned unchanged with a zero schema id.
func DecodeWireFormat(value []byte) (int, []byte) {
	if len(value) < 5 || value[0] != 0 {
		return 0, value
	}
	return int(binary.BigEndian.Uint32(value[1:5])), value[5:]
}

var schemaCatalog = map[string]string{
	events.TypeActivityRecorded: activityRecordedSchema,
}
