// Package activityapi holds the wire shapes of the activity log REST API.
// They are shared by the server handlers, the HTTP client and the device queue.
package activityapi

import "time"

// Header carrying the client-generated idempotency key on create calls.
const IdempotencyKeyHeader = "Idempotency-Key"

// Error type codes returned in ErrorResponse.Type.
const (
	ErrorValidation       = "validation_failed"
	ErrorInvalidRequest   = "invalid_request"
	ErrorUnauthorized     = "unauthorized"
	ErrorForbidden        = "forbidden"
	ErrorNotFound         = "not_found"
	ErrorMethodNotAllowed = "method_not_allowed"
	ErrorServer           = "server_error"
)

// CreateEventRequest is the body of POST /activity and one item of a batch.
type CreateEventRequest struct {
	ProjectID        string         `json:"project_id,omitempty" msgpack:"project_id,omitempty"`
	PropertyID       string         `json:"property_id,omitempty" msgpack:"property_id,omitempty"`
	EventType        string         `json:"event_type" msgpack:"event_type"`
	Timestamp        *time.Time     `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Summary          string         `json:"summary,omitempty" msgpack:"summary,omitempty"`
	ActorID          string         `json:"actor_id,omitempty" msgpack:"actor_id,omitempty"`
	ActorType        string         `json:"actor_type,omitempty" msgpack:"actor_type,omitempty"`
	ActorName        string         `json:"actor_name,omitempty" msgpack:"actor_name,omitempty"`
	EntityType       string         `json:"entity_type" msgpack:"entity_type"`
	EntityID         string         `json:"entity_id" msgpack:"entity_id"`
	WorkCategoryCode string         `json:"work_category_code,omitempty" msgpack:"work_category_code,omitempty"`
	Trade            string         `json:"trade,omitempty" msgpack:"trade,omitempty"`
	StageCode        string         `json:"stage_code,omitempty" msgpack:"stage_code,omitempty"`
	LocationID       string         `json:"location_id,omitempty" msgpack:"location_id,omitempty"`
	HomeownerVisible *bool          `json:"homeowner_visible,omitempty" msgpack:"homeowner_visible,omitempty"`
	EventData        map[string]any `json:"event_data,omitempty" msgpack:"event_data,omitempty"`
	InputMethod      string         `json:"input_method,omitempty" msgpack:"input_method,omitempty"`
}

// BatchRequest is the body of POST /activity/batch.
type BatchRequest struct {
	Events []CreateEventRequest `json:"events"`
}

// Event is the serialized form of a stored activity event.
type Event struct {
	ID               string         `json:"id"`
	OrganizationID   string         `json:"organization_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	PropertyID       string         `json:"property_id,omitempty"`
	EventType        string         `json:"event_type"`
	Category         string         `json:"category"`
	Timestamp        time.Time      `json:"timestamp"`
	Summary          string         `json:"summary"`
	ActorID          string         `json:"actor_id,omitempty"`
	ActorType        string         `json:"actor_type"`
	ActorName        string         `json:"actor_name,omitempty"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	WorkCategoryCode string         `json:"work_category_code,omitempty"`
	Trade            string         `json:"trade,omitempty"`
	StageCode        string         `json:"stage_code,omitempty"`
	LocationID       string         `json:"location_id,omitempty"`
	HomeownerVisible bool           `json:"homeowner_visible"`
	EventData        map[string]any `json:"event_data"`
	InputMethod      string         `json:"input_method,omitempty"`
	BatchID          string         `json:"batch_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// EventResponse wraps a single created (or replayed) event.
type EventResponse struct {
	Data             Event `json:"data"`
	IdempotentReplay bool  `json:"idempotent_replay,omitempty"`
}

// BatchResponse wraps the events created by one batch call.
type BatchResponse struct {
	Data    []Event `json:"data"`
	BatchID string  `json:"batch_id"`
}

// Pagination describes how to fetch the next page. NextCursor is null on the last page.
type Pagination struct {
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

// ListResponse is the envelope of every list endpoint.
type ListResponse struct {
	Data       []Event    `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Counts holds aggregate totals keyed by event type and by category.
type Counts struct {
	ByType     map[string]int `json:"by_type"`
	ByCategory map[string]int `json:"by_category"`
}

// CountsResponse is returned by GET /activity/counts/{projectId}.
type CountsResponse struct {
	Data  Counts    `json:"data"`
	Since time.Time `json:"since"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}
