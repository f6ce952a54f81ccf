package domain

import "time"

const (
	// DefaultLimit is the page size used when a caller does not ask for one.
	DefaultLimit = 20
	// MaxLimit caps the page size of every read.
	MaxLimit = 100
	// MaxBatchSize caps the number of events in one batch create.
	MaxBatchSize = 100
	// DefaultCountWindow bounds aggregate counts when no since instant is given.
	DefaultCountWindow = 30 * 24 * time.Hour
)

// Cursor is the (timestamp, id) anchor a page continues after.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// CursorOf returns the anchor for an event.
func CursorOf(e ActivityEvent) Cursor {
	return Cursor{Timestamp: e.Timestamp, ID: e.ID}
}

// Precedes reports whether e sorts strictly after the cursor in descending
// (timestamp, id) order, i.e. whether e belongs to the next page.
func (c Cursor) Precedes(e ActivityEvent) bool {
	if e.Timestamp.Equal(c.Timestamp) {
		return e.ID < c.ID
	}
	return e.Timestamp.Before(c.Timestamp)
}

// NewerFirst orders events by timestamp descending, ties broken by id descending.
func NewerFirst(a, b ActivityEvent) int {
	switch {
	case a.Timestamp.After(b.Timestamp):
		return -1
	case a.Timestamp.Before(b.Timestamp):
		return 1
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

// EventFilter is the store-level predicate for range reads. OrganizationID is mandatory.
type EventFilter struct {
	OrganizationID string
	ProjectID      string
	PropertyID     string
	Types          TypeFilter
	Axes           AxisFilter
	HomeownerOnly  bool
}

// Matches applies the filter to a single event.
func (f EventFilter) Matches(e ActivityEvent) bool {
	if e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.PropertyID != "" && e.PropertyID != f.PropertyID {
		return false
	}
	if f.HomeownerOnly && !e.HomeownerVisible {
		return false
	}
	return f.Types.Matches(e.EventType) && f.Axes.Matches(e)
}

// CountScope bounds an aggregate count.
type CountScope struct {
	OrganizationID string
	ProjectID      string
	PropertyID     string
}

// Filter widens the scope into a range filter.
func (s CountScope) Filter() EventFilter {
	return EventFilter{OrganizationID: s.OrganizationID, ProjectID: s.ProjectID, PropertyID: s.PropertyID}
}

// Page is one slice of a descending keyset read.
type Page struct {
	Events     []ActivityEvent
	NextCursor string
	HasMore    bool
}

// NewPage trims rows fetched with limit+1 and derives the continuation cursor.
func NewPage(rows []ActivityEvent, limit int) Page {
	page := Page{Events: rows}
	if len(rows) > limit {
		page.Events = rows[:limit]
		page.HasMore = true
	}
	if page.Events == nil {
		page.Events = []ActivityEvent{}
	}
	if page.HasMore && len(page.Events) > 0 {
		page.NextCursor = page.Events[len(page.Events)-1].ID
	}
	return page
}

// ActivityQuery carries the caller-controlled knobs shared by every read shape.
type ActivityQuery struct {
	Limit  int
	Cursor string
	Types  TypeFilter
	Axes   AxisFilter
}

// EffectiveLimit applies the default and the cap.
func (q ActivityQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}
