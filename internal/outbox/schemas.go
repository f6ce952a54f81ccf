package outbox

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "event_id": {"type": "string", "format": "uuid"},
    "organization_id": {"type": "string"},
    "project_id": {"type": "string"},
    "property_id": {"type": "string"},
    "event_type": {"type": "string", "pattern": "^[a-z0-9_]+(\\.[a-z0-9_]+)+$"},
    "category": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "actor_id": {"type": "string"},
    "actor_type": {"type": "string", "enum": ["team_member", "system", "homeowner"]},
    "entity_type": {"type": "string"},
    "entity_id": {"type": "string"},
    "homeowner_visible": {"type": "boolean"},
    "batch_id": {"type": "string"},
    "schema_version": {"type": "string"},
    "event_data": {"type": "object"}
  },
  "required": ["event_id", "organization_id", "event_type", "category", "timestamp", "actor_type", "entity_type", "entity_id", "homeowner_visible", "schema_version"],
  "additionalProperties": false
}`
