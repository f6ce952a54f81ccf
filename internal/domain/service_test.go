package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitylog/internal/cache"
	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/persistence/memory"
)

var caller = domain.Identity{
	OrganizationID: "org-1",
	ActorID:        "user-7",
	ActorType:      domain.ActorTeamMember,
	ActorName:      "Dana Builder",
}

func taskCompleted(entityID string) domain.CreateEventInput {
	return domain.CreateEventInput{EventType: "task.completed", EntityType: "task", EntityID: entityID, PropertyID: "prop-1", ProjectID: "proj-1"}
}

func TestCreateEventAppliesDefaults(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	svc := domain.NewService(memory.NewStore(), domain.WithClock(func() time.Time { return fixed }))

	event, replay, err := svc.CreateEvent(context.Background(), caller, taskCompleted("t1"), "")
	require.NoError(t, err)
	require.False(t, replay)
	require.NotEmpty(t, event.ID)
	require.Equal(t, "org-1", event.OrganizationID)
	require.Equal(t, fixed, event.Timestamp)
	require.Equal(t, "task.completed on task t1", event.Summary)
	require.Equal(t, "Dana Builder", event.ActorName)
	require.Equal(t, "user-7", event.ActorID)
	require.Equal(t, domain.ActorTeamMember, event.ActorType)
	require.False(t, event.HomeownerVisible)
	require.Equal(t, "1.0.0", event.EventData[domain.SchemaVersionKey])
	require.Equal(t, "task", event.Category())
}

func TestDefaultHiddenEventNeverReachesHomeowners(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	ctx := context.Background()

	_, _, err := svc.CreateEvent(ctx, caller, taskCompleted("t1"), "")
	require.NoError(t, err)

	visible := true
	shared := taskCompleted("t2")
	shared.HomeownerVisible = &visible
	_, _, err = svc.CreateEvent(ctx, caller, shared, "")
	require.NoError(t, err)

	page, err := svc.GetPropertyActivity(ctx, "org-1", "prop-1", true, domain.ActivityQuery{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "t2", page.Events[0].EntityID)

	page, err = svc.GetPropertyActivity(ctx, "org-1", "prop-1", false, domain.ActivityQuery{})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
}

func TestCreateEventHonoursExplicitFields(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("PST", -8*3600))
	input := taskCompleted("t1")
	input.Timestamp = &at
	input.Summary = "Framing inspection passed"
	input.ActorName = "City Inspector"
	input.ActorType = domain.ActorSystem
	input.InputMethod = domain.InputVoice

	event, _, err := svc.CreateEvent(context.Background(), caller, input, "")
	require.NoError(t, err)
	require.True(t, event.Timestamp.Equal(at))
	require.Equal(t, time.UTC, event.Timestamp.Location())
	require.Equal(t, "Framing inspection passed", event.Summary)
	require.Equal(t, "City Inspector", event.ActorName)
	require.Equal(t, domain.ActorSystem, event.ActorType)
	require.Equal(t, domain.InputVoice, event.InputMethod)
}

func TestCreateEventRequiresOrganization(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	_, _, err := svc.CreateEvent(context.Background(), domain.Identity{}, taskCompleted("t1"), "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "organization_id", verr.Field)
}

func TestCreateEventIsIdempotentPerKey(t *testing.T) {
	store := memory.NewStore()
	svc := domain.NewService(store)
	ctx := context.Background()

	first, replay, err := svc.CreateEvent(ctx, caller, taskCompleted("t1"), "queue-item-1")
	require.NoError(t, err)
	require.False(t, replay)

	second, replay, err := svc.CreateEvent(ctx, caller, taskCompleted("t1"), "queue-item-1")
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, store.Len())
}

func TestConcurrentDuplicatesPersistOnce(t *testing.T) {
	store := memory.NewStore()
	svc := domain.NewService(store)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event, _, err := svc.CreateEvent(context.Background(), caller, taskCompleted("t1"), "same-key")
			errs[i] = err
			if err == nil {
				ids[i] = event.ID
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.Len())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

// racingStore reports a lost unique-index race on first insert.
type racingStore struct {
	*memory.Store
	winner domain.ActivityEvent
	raced  bool
}

func (r *racingStore) Insert(ctx context.Context, event domain.ActivityEvent, key string) error {
	if !r.raced {
		r.raced = true
		if err := r.Store.Insert(ctx, r.winner, key); err != nil {
			return err
		}
		return domain.ErrIdempotencyConflict
	}
	return r.Store.Insert(ctx, event, key)
}

func TestCreateEventReReadsAfterLostRace(t *testing.T) {
	winner := domain.ActivityEvent{ID: "0190f3c2-7b1a-7c3d-8e4f-1234567890ab", OrganizationID: "org-1", EventType: "task.completed", Timestamp: time.Now()}
	svc := domain.NewService(&racingStore{Store: memory.NewStore(), winner: winner})

	event, replay, err := svc.CreateEvent(context.Background(), caller, taskCompleted("t1"), "k")
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, winner.ID, event.ID)
}

func TestCreateBatchSharesBatchID(t *testing.T) {
	store := memory.NewStore()
	svc := domain.NewService(store)

	inputs := []domain.CreateEventInput{taskCompleted("t1"), taskCompleted("t2"), {EventType: "photo.shared", EntityType: "photo", EntityID: "p9"}}
	events, batchID, err := svc.CreateBatch(context.Background(), caller, inputs)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, events, 3)
	for _, e := range events {
		require.Equal(t, batchID, e.BatchID)
	}
	require.Equal(t, 3, store.Len())
}

func TestCreateBatchIsAtomicOnValidationFailure(t *testing.T) {
	store := memory.NewStore()
	svc := domain.NewService(store)

	inputs := []domain.CreateEventInput{taskCompleted("t1"), taskCompleted("t2"), taskCompleted("t3"), {EventType: "task.completed", EntityType: "task"}}
	_, _, err := svc.CreateBatch(context.Background(), caller, inputs)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "events[3].entity_id", verr.Field)
	require.Equal(t, 0, store.Len())
}

func TestCreateBatchBounds(t *testing.T) {
	svc := domain.NewService(memory.NewStore())

	_, _, err := svc.CreateBatch(context.Background(), caller, nil)
	require.True(t, domain.IsValidation(err))

	tooMany := make([]domain.CreateEventInput, domain.MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = taskCompleted(fmt.Sprintf("t%d", i))
	}
	_, _, err = svc.CreateBatch(context.Background(), caller, tooMany)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "events", verr.Field)

	_, _, err = svc.CreateBatch(context.Background(), caller, tooMany[:domain.MaxBatchSize])
	require.NoError(t, err)
}

func TestGetProjectActivityPaginates(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 45; i++ {
		in := taskCompleted(fmt.Sprintf("t%d", i))
		ts := base.Add(time.Duration(i) * time.Second)
		in.Timestamp = &ts
		_, _, err := svc.CreateEvent(ctx, caller, in, "")
		require.NoError(t, err)
	}

	var sizes []int
	cursor := ""
	for {
		page, err := svc.GetProjectActivity(ctx, "org-1", "proj-1", domain.ActivityQuery{Limit: 20, Cursor: cursor})
		require.NoError(t, err)
		sizes = append(sizes, len(page.Events))
		if !page.HasMore {
			require.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []int{20, 20, 5}, sizes)
}

func TestUnknownCursorIsValidationError(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	_, err := svc.GetRecentActivity(context.Background(), "org-1", domain.ActivityQuery{Cursor: "0190f3c2-7b1a-7c3d-8e4f-1234567890ab"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "cursor", verr.Field)
}

func TestRecentActivityTypeFilter(t *testing.T) {
	svc := domain.NewService(memory.NewStore())
	ctx := context.Background()
	for _, eventType := range []string{"task.completed", "task.created", "photo.shared", "payment.received"} {
		_, _, err := svc.CreateEvent(ctx, caller, domain.CreateEventInput{EventType: eventType, EntityType: "x", EntityID: "1"}, "")
		require.NoError(t, err)
	}

	filter, err := domain.ParseTypeFilter("task.*")
	require.NoError(t, err)
	page, err := svc.GetRecentActivity(ctx, "org-1", domain.ActivityQuery{Types: filter})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)

	exact, err := domain.ParseTypeFilter("payment.received")
	require.NoError(t, err)
	page, err = svc.GetRecentActivity(ctx, "org-1", domain.ActivityQuery{Types: exact})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
}

type countingStore struct {
	*memory.Store
	countCalls int
}

func (c *countingStore) CountByType(ctx context.Context, scope domain.CountScope, since time.Time) (map[string]int, error) {
	c.countCalls++
	return c.Store.CountByType(ctx, scope, since)
}

func TestCountsAreCachedAndFolded(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	now := time.Date(2026, 5, 4, 10, 30, 15, 0, time.UTC)
	svc := domain.NewService(store,
		domain.WithCache(cache.NewMemoryCache(1024*1024), time.Minute),
		domain.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	for _, eventType := range []string{"task.completed", "task.completed", "tier.selected", "inspection.passed"} {
		_, _, err := svc.CreateEvent(ctx, caller, domain.CreateEventInput{EventType: eventType, EntityType: "x", EntityID: "1", ProjectID: "proj-1"}, "")
		require.NoError(t, err)
	}

	scope := domain.CountScope{OrganizationID: "org-1", ProjectID: "proj-1"}
	counts, err := svc.Counts(ctx, scope, time.Time{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"task.completed": 2, "tier.selected": 1, "inspection.passed": 1}, counts.ByType)
	require.Equal(t, map[string]int{"task": 2, "estimate": 1, "other": 1}, counts.ByCategory)
	require.False(t, counts.Since.IsZero())

	byCategory, err := svc.CountByCategory(ctx, scope, time.Time{})
	require.NoError(t, err)
	require.Equal(t, counts.ByCategory, byCategory)
	require.Equal(t, 1, store.countCalls)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) QueryRange(context.Context, domain.EventFilter, string, int) (domain.Page, error) {
	return domain.Page{}, errors.New("connection reset")
}

func TestStoreErrorsPropagate(t *testing.T) {
	svc := domain.NewService(failingStore{Store: memory.NewStore()})
	_, err := svc.GetRecentActivity(context.Background(), "org-1", domain.ActivityQuery{})
	require.EqualError(t, err, "connection reset")
	require.False(t, domain.IsValidation(err))
}
