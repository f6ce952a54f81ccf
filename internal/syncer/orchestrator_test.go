package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/syncqueue"
	"example.com/activitylog/pkg/activityapi"
)

type fakeSender struct {
	mu      sync.Mutex
	keys    []string
	started chan string
	respond func(ctx context.Context, key string, req activityapi.CreateEventRequest) error
}

func (s *fakeSender) CreateEvent(ctx context.Context, key string, req activityapi.CreateEventRequest) (*activityapi.EventResponse, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	respond := s.respond
	s.mu.Unlock()
	if s.started != nil {
		s.started <- key
	}
	if respond != nil {
		if err := respond(ctx, key, req); err != nil {
			return nil, err
		}
	}
	return &activityapi.EventResponse{Data: activityapi.Event{ID: "srv-" + key, EventType: req.EventType}}, nil
}

func (s *fakeSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func transient(context.Context, string, activityapi.CreateEventRequest) error {
	return &domain.TransientError{Err: errors.New("503 service unavailable")}
}

func blockUntilDone(ctx context.Context, _ string, _ activityapi.CreateEventRequest) error {
	<-ctx.Done()
	return ctx.Err()
}

func openStore(t *testing.T, opts ...syncqueue.Option) syncqueue.Store {
	t.Helper()
	store, err := syncqueue.OpenBolt(filepath.Join(t.TempDir(), "queue.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrchestrator(t *testing.T, store syncqueue.Store, sender Sender, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithInterval(time.Hour), WithLogger(zaptest.NewLogger(t))}, opts...)
	o := New(store, sender, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func event(entityID string) activityapi.CreateEventRequest {
	return activityapi.CreateEventRequest{EventType: "task.completed", EntityType: "task", EntityID: entityID}
}

func TestOfflineQueueDrainsOnReconnect(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{}
	o := newOrchestrator(t, store, sender, WithOnline(false))

	var ids []string
	for _, entity := range []string{"t1", "t2", "t3", "t4", "t5"} {
		id, err := o.Enqueue(event(entity))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	st, err := o.Status()
	require.NoError(t, err)
	require.Equal(t, 5, st.PendingCount)
	require.False(t, st.IsOnline)
	require.Empty(t, sender.calls())

	o.SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := o.Status()
		return err == nil && st.PendingCount == 0 && !st.IsSyncing
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, ids, sender.calls(), "uploads follow local order and reuse the item id as key")
	items, err := store.List()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestUploadCarriesLocalOccurrenceTime(t *testing.T) {
	queuedAt := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	store := openStore(t, syncqueue.WithClock(func() time.Time { return queuedAt }))

	var (
		mu   sync.Mutex
		sent *time.Time
	)
	sender := &fakeSender{respond: func(_ context.Context, _ string, req activityapi.CreateEventRequest) error {
		mu.Lock()
		defer mu.Unlock()
		sent = req.Timestamp
		return nil
	}}
	o := newOrchestrator(t, store, sender, WithOnline(false),
		WithClock(func() time.Time { return queuedAt.Add(6 * time.Hour) }))

	_, err := o.Enqueue(event("t1"))
	require.NoError(t, err)

	o.SetOnline(true)
	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	if res.Synced == 0 {
		// the reconnect trigger may have drained the item first
		require.Eventually(t, func() bool { return len(sender.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, sent)
	require.True(t, queuedAt.Equal(*sent), "sent %s", sent)
}

func TestTransientFailuresStopAtRetryCap(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: transient}
	o := newOrchestrator(t, store, sender, WithOnline(true), WithMaxRetries(3))

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := o.SyncNow(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Retried)
		item, err := store.Get(id)
		require.NoError(t, err)
		require.Equal(t, syncqueue.StatusPending, item.Status)
		require.Equal(t, attempt, item.RetryCount)
		require.Contains(t, item.Error, "503")
	}

	res, err := o.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	_, err = o.SyncNow(ctx)
	require.NoError(t, err)
	require.Len(t, sender.calls(), 3, "no automatic attempt after the cap")

	failed, err := o.FailedItems()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].RetryCount)

	st, err := o.Status()
	require.NoError(t, err)
	require.Equal(t, 1, st.FailedCount)
	require.Zero(t, st.PendingCount)
}

func TestTransientFailureStopsThePass(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: transient}
	o := newOrchestrator(t, store, sender, WithOnline(true))

	first, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	_, err = store.Enqueue(event("t2"))
	require.NoError(t, err)

	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, PassResult{Retried: 1}, res)
	require.Equal(t, []string{first}, sender.calls())
}

func TestValidationFailureIsTerminalAndPassContinues(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: func(_ context.Context, _ string, req activityapi.CreateEventRequest) error {
		if req.EntityID == "" {
			return &domain.ValidationError{Field: "entity_id", Reason: "is required"}
		}
		return nil
	}}
	o := newOrchestrator(t, store, sender, WithOnline(true))

	bad, err := store.Enqueue(event(""))
	require.NoError(t, err)
	_, err = store.Enqueue(event("t2"))
	require.NoError(t, err)

	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Synced)

	item, err := store.Get(bad)
	require.NoError(t, err)
	require.Equal(t, syncqueue.StatusFailed, item.Status)
	require.Contains(t, item.Error, "entity_id")

	_, err = o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Len(t, sender.calls(), 2, "rejected items are not retried automatically")
}

func TestConflictCountsAsSynced(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: func(_ context.Context, key string, _ activityapi.CreateEventRequest) error {
		return &domain.ConflictError{IdempotencyKey: key}
	}}
	o := newOrchestrator(t, store, sender, WithOnline(true))

	_, err := store.Enqueue(event("t1"))
	require.NoError(t, err)

	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	items, err := store.List()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestManualRetryKeepsRetryCount(t *testing.T) {
	store := openStore(t)
	var fail sync.Mutex
	failing := true
	sender := &fakeSender{respond: func(ctx context.Context, key string, req activityapi.CreateEventRequest) error {
		fail.Lock()
		defer fail.Unlock()
		if failing {
			return transient(ctx, key, req)
		}
		return nil
	}}
	o := newOrchestrator(t, store, sender, WithOnline(true), WithMaxRetries(1))

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	_, err = o.SyncNow(context.Background())
	require.NoError(t, err)

	item, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, syncqueue.StatusFailed, item.Status)

	fail.Lock()
	failing = false
	fail.Unlock()

	sub, unsubscribe := o.Subscribe()
	defer unsubscribe()

	n, err := o.RetryFailed(id)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case st := <-sub:
		require.Zero(t, st.FailedCount)
	case <-time.After(time.Second):
		t.Fatal("no status after retry")
	}

	require.Eventually(t, func() bool {
		items, err := store.List()
		return err == nil && len(items) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, sender.calls(), 2)
}

func TestRetryFailedWithoutIDsRetriesAll(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, store, &fakeSender{respond: transient}, WithOnline(false), WithMaxRetries(1))

	for _, entity := range []string{"a", "b"} {
		id, err := store.Enqueue(event(entity))
		require.NoError(t, err)
		require.NoError(t, store.MarkSyncing(id))
		require.NoError(t, store.MarkFailed(id, "bad"))
	}

	n, err := o.RetryFailed()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	pending, err := store.List(syncqueue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, item := range pending {
		require.Equal(t, 1, item.RetryCount)
	}
}

func TestDiscardOnlyRemovesFailedItems(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, store, &fakeSender{}, WithOnline(false))

	id, err := o.Enqueue(event("t1"))
	require.NoError(t, err)
	require.ErrorIs(t, o.Discard(id), syncqueue.ErrInvalidTransition)

	require.NoError(t, store.MarkSyncing(id))
	require.NoError(t, store.MarkFailed(id, "rejected"))
	require.NoError(t, o.Discard(id))
	_, err = store.Get(id)
	require.ErrorIs(t, err, syncqueue.ErrItemNotFound)
	require.ErrorIs(t, o.Discard("missing"), syncqueue.ErrItemNotFound)
}

func TestCancelledPassReleasesItem(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: blockUntilDone, started: make(chan string, 1)}
	o := newOrchestrator(t, store, sender, WithOnline(true))

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.SyncNow(ctx)
		errCh <- err
	}()

	<-sender.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	item, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, syncqueue.StatusPending, item.Status)
	require.Zero(t, item.RetryCount)
}

func TestCloseReleasesInFlightItem(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{respond: blockUntilDone, started: make(chan string, 1)}
	o := New(store, sender, WithInterval(time.Hour), WithOnline(false))

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	o.SetOnline(true)
	<-sender.started

	require.NoError(t, o.Close())
	item, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, syncqueue.StatusPending, item.Status)
	require.Zero(t, item.RetryCount)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, store, &fakeSender{respond: blockUntilDone}, WithOnline(true), WithAttemptTimeout(20*time.Millisecond))

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)

	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Retried)
	item, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, 1, item.RetryCount)
}

func TestStaleSyncingItemsAreRecovered(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := openStore(t, syncqueue.WithClock(func() time.Time { return base }))
	sender := &fakeSender{}
	o := newOrchestrator(t, store, sender,
		WithOnline(true),
		WithSyncingTimeout(time.Minute),
		WithClock(func() time.Time { return base.Add(10 * time.Minute) }),
	)

	id, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	require.NoError(t, store.MarkSyncing(id))

	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, []string{id}, sender.calls())
}

func TestOfflinePassIsSkipped(t *testing.T) {
	store := openStore(t)
	sender := &fakeSender{}
	o := newOrchestrator(t, store, sender, WithOnline(false))

	_, err := store.Enqueue(event("t1"))
	require.NoError(t, err)
	res, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, sender.calls())
}

type flakyPinger struct {
	mu  sync.Mutex
	err error
}

func (p *flakyPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *flakyPinger) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestProbeDrivesConnectivity(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, store, &fakeSender{}, WithOnline(false))
	pinger := &flakyPinger{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunProbe(ctx, o, pinger, 10*time.Millisecond, time.Second)

	online := func() bool {
		st, err := o.Status()
		return err == nil && st.IsOnline
	}
	require.Eventually(t, online, time.Second, 5*time.Millisecond)

	pinger.set(errors.New("connection refused"))
	require.Eventually(t, func() bool { return !online() }, time.Second, 5*time.Millisecond)
}
