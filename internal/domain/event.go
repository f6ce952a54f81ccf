package domain

import "time"

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorTeamMember ActorType = "team_member"
	ActorSystem     ActorType = "system"
	ActorHomeowner  ActorType = "homeowner"
)

// Valid reports whether the actor type is one of the known values.
func (a ActorType) Valid() bool {
	switch a {
	case ActorTeamMember, ActorSystem, ActorHomeowner:
		return true
	}
	return false
}

// Common capture methods. The set is open; unknown values are stored as-is.
const (
	InputManualEntry  = "manual_entry"
	InputVoice        = "voice"
	InputPhotoTrigger = "photo_trigger"
	InputGeofence     = "geofence"
	InputQuickAction  = "quick_action"
)

// SchemaVersionKey is the event_data entry carrying the payload schema version.
const SchemaVersionKey = "schema_version"

// DefaultSchemaVersion is applied when event_data carries no version marker.
const DefaultSchemaVersion = "1.0.0"

// ActivityEvent is an immutable record in the activity log.
type ActivityEvent struct {
	ID               string
	OrganizationID   string
	ProjectID        string
	PropertyID       string
	EventType        string
	Timestamp        time.Time
	Summary          string
	ActorID          string
	ActorType        ActorType
	ActorName        string
	EntityType       string
	EntityID         string
	WorkCategoryCode string
	Trade            string
	StageCode        string
	LocationID       string
	HomeownerVisible bool
	EventData        map[string]any
	InputMethod      string
	BatchID          string
	CreatedAt        time.Time
}

// Category returns the coarse category the event type belongs to.
func (e ActivityEvent) Category() string {
	return CategoryOf(e.EventType)
}

// Clone returns a deep copy so callers can never alias stored state.
func (e ActivityEvent) Clone() ActivityEvent {
	out := e
	if e.EventData != nil {
		out.EventData = cloneData(e.EventData)
	}
	return out
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneData(typed)
		case []any:
			cp := make([]any, len(typed))
			copy(cp, typed)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Identity is the authenticated caller on whose behalf events are written.
type Identity struct {
	OrganizationID string
	ActorID        string
	ActorType      ActorType
	ActorName      string
}

// CreateEventInput captures an event creation request before defaulting.
type CreateEventInput struct {
	ProjectID        string         `json:"project_id"`
	PropertyID       string         `json:"property_id"`
	EventType        string         `json:"event_type" validate:"required,eventtype"`
	Timestamp        *time.Time     `json:"timestamp"`
	Summary          string         `json:"summary"`
	ActorID          string         `json:"actor_id"`
	ActorType        ActorType      `json:"actor_type" validate:"omitempty,oneof=team_member system homeowner"`
	ActorName        string         `json:"actor_name"`
	EntityType       string         `json:"entity_type" validate:"required"`
	EntityID         string         `json:"entity_id" validate:"required"`
	WorkCategoryCode string         `json:"work_category_code"`
	Trade            string         `json:"trade"`
	StageCode        string         `json:"stage_code"`
	LocationID       string         `json:"location_id"`
	HomeownerVisible *bool          `json:"homeowner_visible"`
	EventData        map[string]any `json:"event_data"`
	InputMethod      string         `json:"input_method"`
}
