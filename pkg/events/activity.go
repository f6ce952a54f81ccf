// Package events defines the payloads the activity log publishes to Kafka.
package events

import "time"

// Topic and schema subject for recorded activity events.
const (
	TopicActivityEvents   = "activity_events"
	SubjectActivityEvents = "activity_events-value"
	TypeActivityRecorded  = "activity_event.recorded"
	HeaderEventType       = "event_type"
	HeaderTenantID        = "tenant_id"
	HeaderSchemaSubject   = "schema_subject"
)

// ActivityRecorded is emitted once for every event appended to the log.
type ActivityRecorded struct {
	EventID          string         `json:"event_id"`
	OrganizationID   string         `json:"organization_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	PropertyID       string         `json:"property_id,omitempty"`
	EventType        string         `json:"event_type"`
	Category         string         `json:"category"`
	Timestamp        time.Time      `json:"timestamp"`
	ActorID          string         `json:"actor_id,omitempty"`
	ActorType        string         `json:"actor_type"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	HomeownerVisible bool           `json:"homeowner_visible"`
	BatchID          string         `json:"batch_id,omitempty"`
	SchemaVersion    string         `json:"schema_version"`
	EventData        map[string]any `json:"event_data,omitempty"`
}
