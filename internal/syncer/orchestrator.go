// Package syncer drains the device queue into the activity log API.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/syncqueue"
	"example.com/activitylog/pkg/activityapi"
)

// Sender delivers one queued payload. The item id is the idempotency key.
type Sender interface {
	CreateEvent(ctx context.Context, idempotencyKey string, req activityapi.CreateEventRequest) (*activityapi.EventResponse, error)
}

// Status is a snapshot of queue and connectivity state.
type Status struct {
	PendingCount int
	FailedCount  int
	IsSyncing    bool
	IsOnline     bool
	LastError    string
	LastSyncAt   time.Time
}

// PassResult summarises one sync pass.
type PassResult struct {
	Synced    int
	Retried   int
	Failed    int
	Recovered int
	Skipped   bool
}

type config struct {
	interval       time.Duration
	attemptTimeout time.Duration
	syncingTimeout time.Duration
	maxRetries     int
	online         bool
	logger         *zap.Logger
	backoff        backoff.BackOff
	limiter        *rate.Limiter
	now            func() time.Time
}

// Option configures an Orchestrator.
type Option func(*config)

// WithInterval sets the automatic pass interval.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithAttemptTimeout bounds each upload attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithSyncingTimeout sets how long an item may stay syncing before it is recovered.
func WithSyncingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.syncingTimeout = d
		}
	}
}

// WithMaxRetries sets how many counted attempts an item gets before it fails.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithOnline sets the initial connectivity flag.
func WithOnline(online bool) Option {
	return func(c *config) { c.online = online }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackOff replaces the policy spacing automatic passes after a transient failure.
func WithBackOff(b backoff.BackOff) Option {
	return func(c *config) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithRateLimit caps upload attempts per second.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *config) {
		if limit > 0 {
			c.limiter = rate.NewLimiter(limit, max(burst, 1))
		}
	}
}

// WithClock overrides the clock used for stale recovery.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// DefaultBackOff grows from two seconds to five minutes and never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Orchestrator moves queue items through pending, syncing and synced or failed.
// Passes run one at a time, from the background scheduler or from SyncNow.
type Orchestrator struct {
	store  syncqueue.Store
	sender Sender
	cfg    config

	passMu sync.Mutex

	mu         sync.Mutex
	online     bool
	syncing    bool
	lastError  string
	lastSyncAt time.Time
	subs       map[int]chan Status
	nextSub    int

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an Orchestrator and starts its scheduler. Close stops it.
func New(store syncqueue.Store, sender Sender, opts ...Option) *Orchestrator {
	cfg := config{
		interval:       30 * time.Second,
		attemptTimeout: 15 * time.Second,
		syncingTimeout: 2 * time.Minute,
		maxRetries:     3,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.backoff == nil {
		cfg.backoff = DefaultBackOff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		online:  cfg.online,
		subs:    make(map[int]chan Status),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.done)

	timer := time.NewTimer(o.cfg.interval)
	defer timer.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.trigger:
		case <-timer.C:
		}

		res, err := o.SyncNow(o.ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			o.cfg.logger.Warn("sync.pass_failed", zap.Error(err))
		}

		delay := o.cfg.interval
		if res.Retried > 0 || (err != nil && !res.Skipped) {
			if next := o.cfg.backoff.NextBackOff(); next != backoff.Stop {
				delay = next
			}
		} else {
			o.cfg.backoff.Reset()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// Trigger asks the scheduler for a pass without waiting for it. Triggers coalesce.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs one pass on the caller's goroutine. It is a no-op while offline.
func (o *Orchestrator) SyncNow(ctx context.Context) (PassResult, error) {
	if !o.isOnline() {
		return PassResult{Skipped: true}, nil
	}

	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.setSyncing(true)
	defer o.setSyncing(false)

	var res PassResult
	recovered, err := o.store.RecoverStale(o.cfg.now().Add(-o.cfg.syncingTimeout))
	if err != nil {
		return res, errors.Wrap(err, "recover stale items")
	}
	res.Recovered = recovered
	if recovered > 0 {
		o.cfg.logger.Info("sync.recovered_stale", zap.Int("items", recovered))
	}

	pending, err := o.store.List(syncqueue.StatusPending)
	if err != nil {
		return res, errors.Wrap(err, "list pending")
	}

	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !o.isOnline() {
			break
		}
		if o.cfg.limiter != nil {
			if err := o.cfg.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		stop, err := o.attempt(ctx, item, &res)
		if err != nil {
			return res, err
		}
		if stop {
			break
		}
	}

	if res.Synced > 0 {
		o.mu.Lock()
		o.lastSyncAt = o.cfg.now()
		o.mu.Unlock()
	}
	return res, nil
}

// attempt uploads one item and records the outcome. It reports whether the pass must stop.
func (o *Orchestrator) attempt(ctx context.Context, item syncqueue.Item, res *PassResult) (bool, error) {
	log := o.cfg.logger.With(zap.String("item_id", item.ID), zap.String("event_type", item.Data.EventType))

	if err := o.store.MarkSyncing(item.ID); err != nil {
		if errors.Is(err, syncqueue.ErrInvalidTransition) || errors.Is(err, syncqueue.ErrItemNotFound) {
			// Discarded or claimed since the listing.
			return false, nil
		}
		return true, errors.Wrap(err, "mark syncing")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.attemptTimeout)
	_, sendErr := o.sender.CreateEvent(attemptCtx, item.ID, item.Data)
	cancel()

	switch {
	case sendErr == nil || domain.IsConflict(sendErr):
		if err := o.store.MarkSynced(item.ID); err != nil {
			return true, errors.Wrap(err, "mark synced")
		}
		if err := o.store.Remove(item.ID); err != nil {
			return true, errors.Wrap(err, "prune synced")
		}
		res.Synced++
		recordAttempt(outcomeSynced)
		o.setLastError("")
		log.Debug("sync.item_synced", zap.Bool("duplicate", sendErr != nil))
		return false, nil

	case ctx.Err() != nil:
		if err := o.store.Release(item.ID); err != nil {
			log.Warn("sync.release_failed", zap.Error(err))
		}
		recordAttempt(outcomeCancelled)
		return true, ctx.Err()

	case domain.IsValidation(sendErr):
		if err := o.store.MarkFailed(item.ID, sendErr.Error()); err != nil {
			return true, errors.Wrap(err, "mark failed")
		}
		res.Failed++
		recordAttempt(outcomeRejected)
		o.setLastError(sendErr.Error())
		log.Warn("sync.item_rejected", zap.Error(sendErr))
		return false, nil

	default:
		o.setLastError(sendErr.Error())
		if item.RetryCount+1 >= o.cfg.maxRetries {
			if err := o.store.MarkFailed(item.ID, sendErr.Error()); err != nil {
				return true, errors.Wrap(err, "mark failed")
			}
			res.Failed++
			recordAttempt(outcomeExhausted)
			log.Warn("sync.retries_exhausted", zap.Int("retry_count", item.RetryCount+1), zap.Error(sendErr))
			return true, nil
		}
		if err := o.store.Requeue(item.ID, sendErr.Error()); err != nil {
			return true, errors.Wrap(err, "requeue")
		}
		res.Retried++
		recordAttempt(outcomeRetried)
		log.Info("sync.item_retry", zap.Int("retry_count", item.RetryCount+1), zap.Error(sendErr))
		return true, nil
	}
}

// Enqueue records payload durably, then nudges the scheduler.
func (o *Orchestrator) Enqueue(payload activityapi.CreateEventRequest) (string, error) {
	id, err := o.store.Enqueue(payload)
	if err != nil {
		return "", err
	}
	o.notify()
	o.Trigger()
	return id, nil
}

// SetOnline updates connectivity. Coming back online triggers a pass.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()

	if !changed {
		return
	}
	o.cfg.logger.Info("sync.connectivity_changed", zap.Bool("online", online))
	o.notify()
	if online {
		o.Trigger()
	}
}

// RetryFailed moves failed items back to pending, keeping their retry counts.
// With no ids every failed item is retried.
func (o *Orchestrator) RetryFailed(ids ...string) (int, error) {
	if len(ids) == 0 {
		failed, err := o.store.List(syncqueue.StatusFailed)
		if err != nil {
			return 0, err
		}
		for _, item := range failed {
			ids = append(ids, item.ID)
		}
	}
	n := 0
	for _, id := range ids {
		if err := o.store.ResetFailed(id); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		o.notify()
		o.Trigger()
	}
	return n, nil
}

// Discard drops a failed item.
func (o *Orchestrator) Discard(id string) error {
	item, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if item.Status != syncqueue.StatusFailed {
		return errors.Wrapf(syncqueue.ErrInvalidTransition, "discard item %s in status %s", id, item.Status)
	}
	if err := o.store.Remove(id); err != nil {
		return err
	}
	o.notify()
	return nil
}

// FailedItems lists items that need operator attention.
func (o *Orchestrator) FailedItems() ([]syncqueue.Item, error) {
	return o.store.List(syncqueue.StatusFailed)
}

// Status scans the queue and reports counts alongside connectivity.
func (o *Orchestrator) Status() (Status, error) {
	items, err := o.store.List(syncqueue.StatusPending, syncqueue.StatusSyncing, syncqueue.StatusFailed)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	st := Status{
		IsSyncing:  o.syncing,
		IsOnline:   o.online,
		LastError:  o.lastError,
		LastSyncAt: o.lastSyncAt,
	}
	o.mu.Unlock()

	for _, item := range items {
		if item.Status == syncqueue.StatusFailed {
			st.FailedCount++
		} else {
			st.PendingCount++
		}
	}
	return st, nil
}

// Subscribe returns a channel of status snapshots. Slow readers see only the latest.
// The returned func unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops the scheduler and waits for an in-flight pass to release its item.
func (o *Orchestrator) Close() error {
	o.cancel()
	<-o.done
	return nil
}

func (o *Orchestrator) isOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

func (o *Orchestrator) setSyncing(syncing bool) {
	o.mu.Lock()
	o.syncing = syncing
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) setLastError(msg string) {
	o.mu.Lock()
	o.lastError = msg
	o.mu.Unlock()
}

func (o *Orchestrator) notify() {
	st, err := o.Status()
	if err != nil {
		o.cfg.logger.Warn("sync.status_failed", zap.Error(err))
		return
	}
	observeStatus(st)

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
