package auth

// Scopes understood by the activity log API.
const (
	ScopeActivityWrite = "activity:write"
	ScopeActivityRead  = "activity:read"
)
