package syncer

import (
	"slices"
	"strings"

	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/syncqueue"
	"example.com/activitylog/pkg/activityapi"
)

// FeedEntry is one row of a merged feed. Local rows have not been confirmed by the server yet.
type FeedEntry struct {
	Event  activityapi.Event
	Local  bool
	Status syncqueue.Status
}

// MergeLocalPending overlays unconfirmed queue items on a server page, newest first.
// Synced items are skipped because the server page already carries them.
func MergeLocalPending(serverPage []activityapi.Event, queue []syncqueue.Item) []FeedEntry {
	out := make([]FeedEntry, 0, len(serverPage)+len(queue))
	for _, e := range serverPage {
		out = append(out, FeedEntry{Event: e})
	}
	for _, item := range queue {
		if item.Status == syncqueue.StatusSynced {
			continue
		}
		out = append(out, FeedEntry{Event: localView(item), Local: true, Status: item.Status})
	}
	slices.SortStableFunc(out, func(a, b FeedEntry) int {
		if c := b.Event.Timestamp.Compare(a.Event.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.Event.ID, a.Event.ID)
	})
	return out
}

func localView(item syncqueue.Item) activityapi.Event {
	d := item.Data
	ts := item.Timestamp
	if d.Timestamp != nil {
		ts = d.Timestamp.UTC()
	}
	actorType := d.ActorType
	if actorType == "" {
		actorType = string(domain.ActorTeamMember)
	}
	eventType := strings.ToLower(strings.TrimSpace(d.EventType))
	summary := d.Summary
	if summary == "" {
		summary = eventType + " on " + d.EntityType + " " + d.EntityID
	}
	homeowner := false
	if d.HomeownerVisible != nil {
		homeowner = *d.HomeownerVisible
	}
	return activityapi.Event{
		ID:               item.ID,
		ProjectID:        d.ProjectID,
		PropertyID:       d.PropertyID,
		EventType:        eventType,
		Category:         domain.CategoryOf(eventType),
		Timestamp:        ts,
		Summary:          summary,
		ActorID:          d.ActorID,
		ActorType:        actorType,
		ActorName:        d.ActorName,
		EntityType:       d.EntityType,
		EntityID:         d.EntityID,
		WorkCategoryCode: d.WorkCategoryCode,
		Trade:            d.Trade,
		StageCode:        d.StageCode,
		LocationID:       d.LocationID,
		HomeownerVisible: homeowner,
		EventData:        d.EventData,
		InputMethod:      d.InputMethod,
		CreatedAt:        item.Timestamp,
	}
}
