// Package memory provides an in-process event store for local development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/persistence"
)

// Store keeps events in memory. It honours the same contract as the Postgres store:
// appends only, idempotency keys unique per organization, batches all-or-nothing.
type Store struct {
	mu          sync.RWMutex
	events      []domain.ActivityEvent
	byID        map[string]int
	idempotency map[string]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		byID:        make(map[string]int),
		idempotency: make(map[string]string),
	}
}

func idempotencyIndex(organizationID, key string) string {
	return organizationID + "\x00" + key
}

// Insert implements domain.EventStore.
func (s *Store) Insert(ctx context.Context, event domain.ActivityEvent, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if _, taken := s.idempotency[idempotencyIndex(event.OrganizationID, idempotencyKey)]; taken {
			return domain.ErrIdempotencyConflict
		}
	}
	if _, dup := s.byID[event.ID]; dup {
		return domain.ErrIdempotencyConflict
	}
	s.append(event)
	if idempotencyKey != "" {
		s.idempotency[idempotencyIndex(event.OrganizationID, idempotencyKey)] = event.ID
	}
	return nil
}

// InsertBatch implements domain.EventStore.
func (s *Store) InsertBatch(ctx context.Context, events []domain.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		if _, dup := s.byID[event.ID]; dup {
			return domain.ErrIdempotencyConflict
		}
		if _, dup := seen[event.ID]; dup {
			return domain.ErrIdempotencyConflict
		}
		seen[event.ID] = struct{}{}
	}
	for _, event := range events {
		s.append(event)
	}
	return nil
}

func (s *Store) append(event domain.ActivityEvent) {
	stored := event.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.byID[stored.ID] = len(s.events)
	s.events = append(s.events, stored)
}

// FindByIdempotency implements domain.EventStore.
func (s *Store) FindByIdempotency(ctx context.Context, organizationID, idempotencyKey string) (*domain.ActivityEvent, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[idempotencyIndex(organizationID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	event := s.events[s.byID[id]].Clone()
	return &event, nil
}

// QueryRange implements domain.EventStore.
func (s *Store) QueryRange(ctx context.Context, filter domain.EventFilter, cursor string, limit int) (domain.Page, error) {
	cursor, err := persistence.NormalizeCursor(cursor)
	if err != nil {
		return domain.Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var anchor *domain.Cursor
	if cursor != "" {
		idx, ok := s.byID[cursor]
		if !ok || s.events[idx].OrganizationID != filter.OrganizationID {
			return domain.Page{}, domain.ErrInvalidCursor
		}
		c := domain.CursorOf(s.events[idx])
		anchor = &c
	}

	matched := make([]domain.ActivityEvent, 0)
	for _, event := range s.events {
		if !filter.Matches(event) {
			continue
		}
		if anchor != nil && !anchor.Precedes(event) {
			continue
		}
		matched = append(matched, event)
	}
	slices.SortFunc(matched, domain.NewerFirst)
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}

	rows := make([]domain.ActivityEvent, len(matched))
	for i, event := range matched {
		rows[i] = event.Clone()
	}
	return domain.NewPage(rows, limit), nil
}

// CountByType implements domain.EventStore.
func (s *Store) CountByType(ctx context.Context, scope domain.CountScope, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := scope.Filter()
	counts := make(map[string]int)
	for _, event := range s.events {
		if !filter.Matches(event) || event.Timestamp.Before(since) {
			continue
		}
		counts[event.EventType]++
	}
	return counts, nil
}

// Len reports how many events have been appended.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
