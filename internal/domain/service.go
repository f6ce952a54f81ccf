// Package domain holds the activity log's business rules: event defaulting and
// validation, idempotent creation, batch grouping, and the filtered read shapes.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/activitylog/internal/cache"
)

// EventStore is the durable, append-only event log.
type EventStore interface {
	Insert(ctx context.Context, event ActivityEvent, idempotencyKey string) error
	InsertBatch(ctx context.Context, events []ActivityEvent) error
	FindByIdempotency(ctx context.Context, organizationID, idempotencyKey string) (*ActivityEvent, error)
	QueryRange(ctx context.Context, filter EventFilter, cursor string, limit int) (Page, error)
	CountByType(ctx context.Context, scope CountScope, since time.Time) (map[string]int, error)
}

// Service orchestrates activity log workflows.
type Service struct {
	store     EventStore
	cache     cache.Cacher
	countsTTL time.Duration
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithCache caches aggregate counts for ttl.
func WithCache(c cache.Cacher, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		if ttl > 0 {
			s.countsTTL = ttl
		}
	}
}

// WithClock overrides the wall clock used for defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(store EventStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		cache:     cache.Noop{},
		countsTTL: 30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEvent validates, defaults and appends a single event. When the idempotency key was
// already used by the organization the stored event is returned with replay set.
func (s *Service) CreateEvent(ctx context.Context, identity Identity, input CreateEventInput, idempotencyKey string) (*ActivityEvent, bool, error) {
	if err := requireOrganization(identity); err != nil {
		return nil, false, err
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	if idempotencyKey != "" {
		existing, err := s.store.FindByIdempotency(ctx, identity.OrganizationID, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	event, err := s.buildEvent(identity, input, s.now().UTC().Truncate(time.Microsecond), "")
	if err != nil {
		return nil, false, err
	}

	if err := s.store.Insert(ctx, event, idempotencyKey); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) && idempotencyKey != "" {
			// Lost the race against a concurrent write with the same key.
			existing, findErr := s.store.FindByIdempotency(ctx, identity.OrganizationID, idempotencyKey)
			if findErr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return &event, false, nil
}

// CreateBatch appends 1..MaxBatchSize events sharing one batch id. Nothing is written
// unless every item validates.
func (s *Service) CreateBatch(ctx context.Context, identity Identity, inputs []CreateEventInput) ([]ActivityEvent, string, error) {
	if err := requireOrganization(identity); err != nil {
		return nil, "", err
	}
	if len(inputs) == 0 || len(inputs) > MaxBatchSize {
		return nil, "", &ValidationError{Field: "events", Reason: fmt.Sprintf("must contain between 1 and %d items", MaxBatchSize)}
	}

	batchID, err := uuid.NewV7()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC().Truncate(time.Microsecond)

	events := make([]ActivityEvent, 0, len(inputs))
	for i, input := range inputs {
		event, err := s.buildEvent(identity, input, now, batchID.String())
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return nil, "", &ValidationError{Field: itemField(i, verr.Field), Reason: verr.Reason}
			}
			return nil, "", err
		}
		events = append(events, event)
	}

	if err := s.store.InsertBatch(ctx, events); err != nil {
		return nil, "", err
	}
	return events, batchID.String(), nil
}

func itemField(index int, field string) string {
	if field == "" {
		return fmt.Sprintf("events[%d]", index)
	}
	return fmt.Sprintf("events[%d].%s", index, field)
}

// buildEvent stamps ids and defaults. Instants are kept at microsecond precision,
// the resolution of a Postgres timestamptz.
func (s *Service) buildEvent(identity Identity, input CreateEventInput, now time.Time, batchID string) (ActivityEvent, error) {
	normalized, err := NormalizeInput(input)
	if err != nil {
		return ActivityEvent{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ActivityEvent{}, err
	}

	event := ActivityEvent{
		ID:               id.String(),
		OrganizationID:   identity.OrganizationID,
		ProjectID:        strings.TrimSpace(normalized.ProjectID),
		PropertyID:       strings.TrimSpace(normalized.PropertyID),
		EventType:        normalized.EventType,
		Timestamp:        now,
		Summary:          strings.TrimSpace(normalized.Summary),
		ActorID:          firstNonEmpty(normalized.ActorID, identity.ActorID),
		ActorType:        normalized.ActorType,
		ActorName:        firstNonEmpty(normalized.ActorName, identity.ActorName),
		EntityType:       normalized.EntityType,
		EntityID:         normalized.EntityID,
		WorkCategoryCode: strings.TrimSpace(normalized.WorkCategoryCode),
		Trade:            strings.TrimSpace(normalized.Trade),
		StageCode:        strings.TrimSpace(normalized.StageCode),
		LocationID:       strings.TrimSpace(normalized.LocationID),
		EventData:        normalized.EventData,
		InputMethod:      normalized.InputMethod,
		BatchID:          batchID,
		CreatedAt:        now,
	}
	if normalized.Timestamp != nil && !normalized.Timestamp.IsZero() {
		event.Timestamp = normalized.Timestamp.UTC().Truncate(time.Microsecond)
	}
	if event.Summary == "" {
		event.Summary = fmt.Sprintf("%s on %s %s", event.EventType, event.EntityType, event.EntityID)
	}
	if event.ActorType == "" {
		event.ActorType = identity.ActorType
	}
	if !event.ActorType.Valid() {
		event.ActorType = ActorTeamMember
	}
	if normalized.HomeownerVisible != nil {
		event.HomeownerVisible = *normalized.HomeownerVisible
	}
	return event, nil
}

func requireOrganization(identity Identity) error {
	if strings.TrimSpace(identity.OrganizationID) == "" {
		return missingField("organization_id")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// GetRecentActivity returns the organization-wide feed.
func (s *Service) GetRecentActivity(ctx context.Context, organizationID string, query ActivityQuery) (Page, error) {
	return s.queryRange(ctx, EventFilter{
		OrganizationID: organizationID,
		Types:          query.Types,
		Axes:           query.Axes,
	}, query)
}

// GetProjectActivity returns events scoped to one project.
func (s *Service) GetProjectActivity(ctx context.Context, organizationID, projectID string, query ActivityQuery) (Page, error) {
	if strings.TrimSpace(projectID) == "" {
		return Page{}, missingField("project_id")
	}
	return s.queryRange(ctx, EventFilter{
		OrganizationID: organizationID,
		ProjectID:      projectID,
		Types:          query.Types,
		Axes:           query.Axes,
	}, query)
}

// GetPropertyActivity returns events scoped to one property. homeownerOnly restricts the
// store query to homeowner-visible events.
func (s *Service) GetPropertyActivity(ctx context.Context, organizationID, propertyID string, homeownerOnly bool, query ActivityQuery) (Page, error) {
	if strings.TrimSpace(propertyID) == "" {
		return Page{}, missingField("property_id")
	}
	return s.queryRange(ctx, EventFilter{
		OrganizationID: organizationID,
		PropertyID:     propertyID,
		Types:          query.Types,
		Axes:           query.Axes,
		HomeownerOnly:  homeownerOnly,
	}, query)
}

func (s *Service) queryRange(ctx context.Context, filter EventFilter, query ActivityQuery) (Page, error) {
	if strings.TrimSpace(filter.OrganizationID) == "" {
		return Page{}, missingField("organization_id")
	}
	page, err := s.store.QueryRange(ctx, filter, strings.TrimSpace(query.Cursor), query.EffectiveLimit())
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			return Page{}, &ValidationError{Field: "cursor", Reason: "does not reference a known event"}
		}
		return Page{}, err
	}
	return page, nil
}

// Counts bundles both aggregate views over one window.
type Counts struct {
	ByType     map[string]int
	ByCategory map[string]int
	Since      time.Time
}

// ResolveSince applies the default window to a zero instant. Defaulted instants are
// truncated to the minute so repeated calls share a cache entry.
func (s *Service) ResolveSince(since time.Time) time.Time {
	if since.IsZero() {
		return s.now().UTC().Add(-DefaultCountWindow).Truncate(time.Minute)
	}
	return since.UTC()
}

// CountByType returns per event type totals for events at or after since.
func (s *Service) CountByType(ctx context.Context, scope CountScope, since time.Time) (map[string]int, error) {
	if strings.TrimSpace(scope.OrganizationID) == "" {
		return nil, missingField("organization_id")
	}
	since = s.ResolveSince(since)
	key := cache.Key("counts", scope.OrganizationID, scope.ProjectID, scope.PropertyID, since.Format(time.RFC3339Nano))
	return cache.Fetch(ctx, s.cache, key, s.countsTTL, func() (map[string]int, error) {
		counts, err := s.store.CountByType(ctx, scope, since)
		if err != nil {
			return nil, err
		}
		if counts == nil {
			counts = map[string]int{}
		}
		return counts, nil
	})
}

// CountByCategory folds CountByType into the coarse categories.
func (s *Service) CountByCategory(ctx context.Context, scope CountScope, since time.Time) (map[string]int, error) {
	byType, err := s.CountByType(ctx, scope, since)
	if err != nil {
		return nil, err
	}
	return FoldCategories(byType), nil
}

// Counts returns both aggregate views.
func (s *Service) Counts(ctx context.Context, scope CountScope, since time.Time) (Counts, error) {
	since = s.ResolveSince(since)
	byType, err := s.CountByType(ctx, scope, since)
	if err != nil {
		return Counts{}, err
	}
	return Counts{ByType: byType, ByCategory: FoldCategories(byType), Since: since}, nil
}

// FoldCategories sums per-type totals into category totals.
func FoldCategories(byType map[string]int) map[string]int {
	out := make(map[string]int)
	for eventType, n := range byType {
		out[CategoryOf(eventType)] += n
	}
	return out
}
