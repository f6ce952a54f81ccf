// Package postgres implements the activity event log on PostgreSQL with a
// transactional outbox feeding Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/observability"
	"example.com/activitylog/internal/persistence"
	"example.com/activitylog/pkg/events"
)

const uniqueViolation = "23505"

const selectColumns = `id::text, organization_id, COALESCE(project_id, ''), COALESCE(property_id, ''), event_type, occurred_at,
        summary, COALESCE(actor_id, ''), actor_type, COALESCE(actor_name, ''), entity_type, entity_id,
        COALESCE(work_category_code, ''), COALESCE(trade, ''), COALESCE(stage_code, ''), COALESCE(location_id, ''),
        homeowner_visible, event_data, COALESCE(input_method, ''), COALESCE(batch_id::text, ''), created_at`

// Repository is the Postgres-backed domain.EventStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one event and its outbox record in a single transaction.
func (r *Repository) Insert(ctx context.Context, event domain.ActivityEvent, idempotencyKey string) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin insert")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = insertEvent(ctx, tx, event, idempotencyKey); err != nil {
		return err
	}
	if err = insertOutbox(ctx, tx, event); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit insert")
	}
	observability.RecordEventsPersisted("single", 1, event.CreatedAt)
	return nil
}

// InsertBatch appends every event or none.
func (r *Repository) InsertBatch(ctx context.Context, batch []domain.ActivityEvent) (err error) {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin batch insert")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, event := range batch {
		if err = insertEvent(ctx, tx, event, ""); err != nil {
			return err
		}
		if err = insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit batch insert")
	}
	observability.RecordEventsPersisted("batch", len(batch), batch[len(batch)-1].CreatedAt)
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event domain.ActivityEvent, idempotencyKey string) error {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return errors.Wrapf(err, "parse event id %q", event.ID)
	}
	var batchID any
	if event.BatchID != "" {
		parsed, err := uuid.Parse(event.BatchID)
		if err != nil {
			return errors.Wrapf(err, "parse batch id %q", event.BatchID)
		}
		batchID = parsed
	}
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return errors.Wrap(err, "encode event_data")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const stmt = `INSERT INTO activity_events (id, organization_id, project_id, property_id, event_type, occurred_at, summary,
            actor_id, actor_type, actor_name, entity_type, entity_id, work_category_code, trade, stage_code, location_id,
            homeowner_visible, event_data, input_method, batch_id, idempotency_key, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

	_, err = tx.Exec(ctx, stmt,
		id,
		event.OrganizationID,
		nullIfEmpty(event.ProjectID),
		nullIfEmpty(event.PropertyID),
		event.EventType,
		event.Timestamp,
		event.Summary,
		nullIfEmpty(event.ActorID),
		string(event.ActorType),
		nullIfEmpty(event.ActorName),
		event.EntityType,
		event.EntityID,
		nullIfEmpty(event.WorkCategoryCode),
		nullIfEmpty(event.Trade),
		nullIfEmpty(event.StageCode),
		nullIfEmpty(event.LocationID),
		event.HomeownerVisible,
		data,
		nullIfEmpty(event.InputMethod),
		batchID,
		nullIfEmpty(idempotencyKey),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return errors.Wrap(err, "insert activity event")
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, event domain.ActivityEvent) error {
	payload := events.ActivityRecorded{
		EventID:          event.ID,
		OrganizationID:   event.OrganizationID,
		ProjectID:        event.ProjectID,
		PropertyID:       event.PropertyID,
		EventType:        event.EventType,
		Category:         event.Category(),
		Timestamp:        event.Timestamp,
		ActorID:          event.ActorID,
		ActorType:        string(event.ActorType),
		EntityType:       event.EntityType,
		EntityID:         event.EntityID,
		HomeownerVisible: event.HomeownerVisible,
		BatchID:          event.BatchID,
		EventData:        event.EventData,
	}
	if v, ok := event.EventData[domain.SchemaVersionKey].(string); ok {
		payload.SchemaVersion = v
	} else {
		payload.SchemaVersion = domain.DefaultSchemaVersion
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode outbox payload")
	}

	meta := eventCatalog[events.TypeActivityRecorded]
	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		event.OrganizationID,
		"activity_event",
		event.ID,
		events.TypeActivityRecorded,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(event),
		body,
		fmt.Sprintf("%s:%s", event.ID, events.TypeActivityRecorded),
	)
	if err != nil {
		return errors.Wrap(err, "insert outbox record")
	}
	return nil
}

// FindByIdempotency returns the event written under the key, or nil.
func (r *Repository) FindByIdempotency(ctx context.Context, organizationID, idempotencyKey string) (*domain.ActivityEvent, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	query := `SELECT ` + selectColumns + ` FROM activity_events WHERE organization_id = $1 AND idempotency_key = $2`
	event, err := scanEvent(r.pool.QueryRow(ctx, query, organizationID, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find by idempotency key")
	}
	return &event, nil
}

// QueryRange returns one descending (occurred_at, id) page.
func (r *Repository) QueryRange(ctx context.Context, filter domain.EventFilter, cursor string, limit int) (domain.Page, error) {
	cursor, err := persistence.NormalizeCursor(cursor)
	if err != nil {
		return domain.Page{}, err
	}

	q := newWhere(filter.OrganizationID)
	q.filter(filter)

	if cursor != "" {
		cursorID := uuid.MustParse(cursor)
		var anchor time.Time
		err := r.pool.QueryRow(ctx,
			`SELECT occurred_at FROM activity_events WHERE id = $1 AND organization_id = $2`,
			cursorID, filter.OrganizationID,
		).Scan(&anchor)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.Page{}, domain.ErrInvalidCursor
			}
			return domain.Page{}, errors.Wrap(err, "resolve cursor")
		}
		ts := q.arg(anchor)
		id := q.arg(cursorID)
		q.add(fmt.Sprintf("(occurred_at, id) < (%s, %s)", ts, id))
	}

	limitArg := q.arg(limit + 1)
	query := `SELECT ` + selectColumns + ` FROM activity_events WHERE ` + q.String() +
		` ORDER BY occurred_at DESC, id DESC LIMIT ` + limitArg

	rows, err := r.pool.Query(ctx, query, q.args...)
	if err != nil {
		return domain.Page{}, errors.Wrap(err, "query activity events")
	}
	defer rows.Close()

	results := make([]domain.ActivityEvent, 0, limit+1)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return domain.Page{}, errors.Wrap(err, "scan activity event")
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, errors.Wrap(err, "iterate activity events")
	}
	return domain.NewPage(results, limit), nil
}

// CountByType aggregates per event type over the scope since the given instant.
func (r *Repository) CountByType(ctx context.Context, scope domain.CountScope, since time.Time) (map[string]int, error) {
	q := newWhere(scope.OrganizationID)
	q.filter(scope.Filter())
	q.add("occurred_at >= " + q.arg(since))

	rows, err := r.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM activity_events WHERE `+q.String()+` GROUP BY event_type`, q.args...)
	if err != nil {
		return nil, errors.Wrap(err, "count activity events")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[eventType] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate counts")
	}
	return counts, nil
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func newWhere(organizationID string) *where {
	w := &where{}
	w.add("organization_id = " + w.arg(organizationID))
	return w
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) equal(column, value string) {
	if value != "" {
		w.add(column + " = " + w.arg(value))
	}
}

func (w *where) filter(f domain.EventFilter) {
	w.equal("project_id", f.ProjectID)
	w.equal("property_id", f.PropertyID)
	if f.HomeownerOnly {
		w.add("homeowner_visible")
	}
	w.equal("work_category_code", f.Axes.WorkCategoryCode)
	w.equal("stage_code", f.Axes.StageCode)
	w.equal("location_id", f.Axes.LocationID)
	w.equal("trade", f.Axes.Trade)

	if f.Types.IsZero() {
		return
	}
	var terms []string
	if len(f.Types.Exact) > 0 {
		terms = append(terms, "event_type = ANY("+w.arg(f.Types.Exact)+")")
	}
	for _, prefix := range f.Types.Prefixes {
		terms = append(terms, "event_type LIKE "+w.arg(persistence.EscapeLike(prefix)+"%")+` ESCAPE '\'`)
	}
	w.add("(" + strings.Join(terms, " OR ") + ")")
}

func (w *where) String() string {
	return strings.Join(w.clauses, " AND ")
}

func scanEvent(row pgx.Row) (domain.ActivityEvent, error) {
	var (
		event     domain.ActivityEvent
		actorType string
		data      []byte
	)
	err := row.Scan(
		&event.ID, &event.OrganizationID, &event.ProjectID, &event.PropertyID, &event.EventType, &event.Timestamp,
		&event.Summary, &event.ActorID, &actorType, &event.ActorName, &event.EntityType, &event.EntityID,
		&event.WorkCategoryCode, &event.Trade, &event.StageCode, &event.LocationID,
		&event.HomeownerVisible, &data, &event.InputMethod, &event.BatchID, &event.CreatedAt,
	)
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	event.ActorType = domain.ActorType(actorType)
	event.Timestamp = event.Timestamp.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event.EventData); err != nil {
			return domain.ActivityEvent{}, errors.Wrap(err, "decode event_data")
		}
	}
	return event, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.ActivityEvent) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityRecorded: {
		Topic:         events.TopicActivityEvents,
		SchemaSubject: events.SubjectActivityEvents,
		PartitionKeyFn: func(e domain.ActivityEvent) string {
			if e.ProjectID != "" {
				return e.OrganizationID + ":" + e.ProjectID
			}
			return e.OrganizationID
		},
	},
}
