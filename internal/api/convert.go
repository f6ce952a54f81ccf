package api

import (
	"example.com/activitylog/internal/domain"
	"example.com/activitylog/pkg/activityapi"
)

// ToInput maps a wire request onto the domain input.
func ToInput(req activityapi.CreateEventRequest) domain.CreateEventInput {
	return domain.CreateEventInput{
		ProjectID:        req.ProjectID,
		PropertyID:       req.PropertyID,
		EventType:        req.EventType,
		Timestamp:        req.Timestamp,
		Summary:          req.Summary,
		ActorID:          req.ActorID,
		ActorType:        domain.ActorType(req.ActorType),
		ActorName:        req.ActorName,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		WorkCategoryCode: req.WorkCategoryCode,
		Trade:            req.Trade,
		StageCode:        req.StageCode,
		LocationID:       req.LocationID,
		HomeownerVisible: req.HomeownerVisible,
		EventData:        req.EventData,
		InputMethod:      req.InputMethod,
	}
}

// ToView maps a stored event onto its wire form.
func ToView(e domain.ActivityEvent) activityapi.Event {
	data := e.EventData
	if data == nil {
		data = map[string]any{}
	}
	return activityapi.Event{
		ID:               e.ID,
		OrganizationID:   e.OrganizationID,
		ProjectID:        e.ProjectID,
		PropertyID:       e.PropertyID,
		EventType:        e.EventType,
		Category:         e.Category(),
		Timestamp:        e.Timestamp,
		Summary:          e.Summary,
		ActorID:          e.ActorID,
		ActorType:        string(e.ActorType),
		ActorName:        e.ActorName,
		EntityType:       e.EntityType,
		EntityID:         e.EntityID,
		WorkCategoryCode: e.WorkCategoryCode,
		Trade:            e.Trade,
		StageCode:        e.StageCode,
		LocationID:       e.LocationID,
		HomeownerVisible: e.HomeownerVisible,
		EventData:        data,
		InputMethod:      e.InputMethod,
		BatchID:          e.BatchID,
		CreatedAt:        e.CreatedAt,
	}
}

func toListResponse(page domain.Page) activityapi.ListResponse {
	resp := activityapi.ListResponse{
		Data:       make([]activityapi.Event, len(page.Events)),
		Pagination: activityapi.Pagination{HasMore: page.HasMore},
	}
	for i, event := range page.Events {
		resp.Data[i] = ToView(event)
	}
	if page.HasMore && page.NextCursor != "" {
		next := page.NextCursor
		resp.Pagination.NextCursor = &next
	}
	return resp
}
