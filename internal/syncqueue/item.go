// Package syncqueue is the durable device-local queue of activity events awaiting upload.
package syncqueue

import (
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"example.com/activitylog/pkg/activityapi"
)

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

var (
	// ErrItemNotFound is returned for ids the queue does not hold.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrInvalidTransition is returned when an operation does not apply to the item's current status.
	ErrInvalidTransition = errors.New("invalid queue item transition")
)

// Item is one locally recorded action. ID doubles as the server idempotency key.
type Item struct {
	ID           string                         `msgpack:"id"`
	Data         activityapi.CreateEventRequest `msgpack:"data"`
	Status       Status                         `msgpack:"status"`
	RetryCount   int                            `msgpack:"retry_count"`
	Error        string                         `msgpack:"error,omitempty"`
	Timestamp    time.Time                      `msgpack:"timestamp"`
	UpdatedAt    time.Time                      `msgpack:"updated_at"`
	SyncingSince time.Time                      `msgpack:"syncing_since,omitempty"`
}

// Store is the durable queue contract shared by every backend.
type Store interface {
	Enqueue(payload activityapi.CreateEventRequest) (string, error)
	Get(id string) (Item, error)
	// List returns items in FIFO order; no statuses means every item.
	List(statuses ...Status) ([]Item, error)
	MarkSyncing(id string) error
	MarkSynced(id string) error
	// MarkFailed ends an attempt in the failed state and counts it.
	MarkFailed(id, reason string) error
	// Requeue returns a syncing item to pending after a retryable failure and counts the attempt.
	Requeue(id, reason string) error
	// Release returns a syncing item to pending without counting the attempt.
	Release(id string) error
	// ResetFailed makes a failed item eligible again, keeping its retry count.
	ResetFailed(id string) error
	// RecoverStale returns items syncing since before olderThan to pending.
	RecoverStale(olderThan time.Time) (int, error)
	Remove(id string) error
	Close() error
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// normalize pins decoded instants to UTC so backends agree.
func (it *Item) normalize() {
	it.Timestamp = it.Timestamp.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	if it.SyncingSince.IsZero() {
		it.SyncingSince = time.Time{}
	} else {
		it.SyncingSince = it.SyncingSince.UTC()
	}
}

// newPending builds a fresh item. A payload without an occurrence time is stamped
// with the enqueue time so the upload carries when the action happened, not when it synced.
func newPending(id string, payload activityapi.CreateEventRequest, now time.Time) Item {
	if payload.Timestamp == nil {
		ts := now
		payload.Timestamp = &ts
	}
	return Item{
		ID:        id,
		Data:      payload,
		Status:    StatusPending,
		Timestamp: now,
		UpdatedAt: now,
	}
}

// fifo orders items by local timestamp, then id.
func fifo(a, b Item) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func sortFIFO(items []Item) {
	slices.SortFunc(items, fifo)
}

func wantStatus(statuses []Status, s Status) bool {
	return len(statuses) == 0 || slices.Contains(statuses, s)
}

func invalid(it *Item, op string) error {
	return errors.Wrapf(ErrInvalidTransition, "%s item %s in status %s", op, it.ID, it.Status)
}

// transition rules shared by the backends.

func markSyncing(it *Item, now time.Time) error {
	if it.Status != StatusPending {
		return invalid(it, "sync")
	}
	it.Status = StatusSyncing
	it.SyncingSince = now
	it.UpdatedAt = now
	return nil
}

func markSynced(it *Item, now time.Time) error {
	if it.Status != StatusSyncing {
		return invalid(it, "confirm")
	}
	it.Status = StatusSynced
	it.Error = ""
	it.SyncingSince = time.Time{}
	it.UpdatedAt = now
	return nil
}

func markFailed(it *Item, reason string, now time.Time) error {
	if it.Status != StatusSyncing {
		return invalid(it, "fail")
	}
	it.Status = StatusFailed
	it.RetryCount++
	it.Error = reason
	it.SyncingSince = time.Time{}
	it.UpdatedAt = now
	return nil
}

func requeue(it *Item, reason string, now time.Time) error {
	if it.Status != StatusSyncing {
		return invalid(it, "requeue")
	}
	it.Status = StatusPending
	it.RetryCount++
	it.Error = reason
	it.SyncingSince = time.Time{}
	it.UpdatedAt = now
	return nil
}

func release(it *Item, now time.Time) error {
	if it.Status != StatusSyncing {
		return invalid(it, "release")
	}
	it.Status = StatusPending
	it.SyncingSince = time.Time{}
	it.UpdatedAt = now
	return nil
}

func resetFailed(it *Item, now time.Time) error {
	if it.Status != StatusFailed {
		return invalid(it, "retry")
	}
	it.Status = StatusPending
	it.UpdatedAt = now
	return nil
}

func isStale(it *Item, olderThan time.Time) bool {
	return it.Status == StatusSyncing && it.SyncingSince.Before(olderThan)
}
