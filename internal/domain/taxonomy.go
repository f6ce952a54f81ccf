package domain

import (
	"regexp"
	"strings"
)

// CategoryOther groups event types outside the known categories.
const CategoryOther = "other"

// Category is a coarse, user-facing grouping of event types by namespace prefix.
type Category struct {
	Name     string
	Prefixes []string
}

var categories = []Category{
	{Name: "task", Prefixes: []string{"task."}},
	{Name: "photo", Prefixes: []string{"photo."}},
	{Name: "estimate", Prefixes: []string{"estimate.", "tier."}},
	{Name: "payment", Prefixes: []string{"payment.", "invoice."}},
	{Name: "time", Prefixes: []string{"time."}},
}

var (
	eventTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)
	namespacePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

// Categories returns the known categories in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	for i, c := range categories {
		out[i] = Category{Name: c.Name, Prefixes: append([]string(nil), c.Prefixes...)}
	}
	return out
}

// CategoryOf maps an event type onto its category name.
func CategoryOf(eventType string) string {
	for _, c := range categories {
		for _, prefix := range c.Prefixes {
			if strings.HasPrefix(eventType, prefix) {
				return c.Name
			}
		}
	}
	return CategoryOther
}

// CategoryPrefixes returns the namespace prefixes for a category name.
func CategoryPrefixes(name string) ([]string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range categories {
		if c.Name == name {
			return append([]string(nil), c.Prefixes...), true
		}
	}
	return nil, false
}

// ValidEventType reports whether s is a dot-namespaced event type.
func ValidEventType(s string) bool {
	return eventTypePattern.MatchString(s)
}

// TypeFilter selects events by exact type or namespace prefix. Terms are OR-ed.
type TypeFilter struct {
	Exact    []string
	Prefixes []string
}

// IsZero reports whether the filter selects every event.
func (f TypeFilter) IsZero() bool {
	return len(f.Exact) == 0 && len(f.Prefixes) == 0
}

// Matches reports whether eventType passes the filter.
func (f TypeFilter) Matches(eventType string) bool {
	if f.IsZero() {
		return true
	}
	for _, exact := range f.Exact {
		if eventType == exact {
			return true
		}
	}
	for _, prefix := range f.Prefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// ParseTypeFilter parses a comma-separated list of exact types (task.completed)
// and wildcard namespaces (task.*).
func ParseTypeFilter(expr string) (TypeFilter, error) {
	var f TypeFilter
	for _, raw := range strings.Split(expr, ",") {
		term := strings.ToLower(strings.TrimSpace(raw))
		if term == "" {
			continue
		}
		if base, ok := strings.CutSuffix(term, ".*"); ok {
			if !namespacePattern.MatchString(base) {
				return TypeFilter{}, &ValidationError{Field: "event_type", Reason: "has an invalid wildcard term " + term}
			}
			f.Prefixes = appendUnique(f.Prefixes, base+".")
			continue
		}
		if !eventTypePattern.MatchString(term) {
			return TypeFilter{}, &ValidationError{Field: "event_type", Reason: "has an invalid term " + term}
		}
		f.Exact = appendUnique(f.Exact, term)
	}
	return f, nil
}

// WithCategory adds every prefix of the named category to the filter.
func (f TypeFilter) WithCategory(name string) (TypeFilter, error) {
	prefixes, ok := CategoryPrefixes(name)
	if !ok {
		return TypeFilter{}, &ValidationError{Field: "category", Reason: "is not a known category"}
	}
	out := TypeFilter{
		Exact:    append([]string(nil), f.Exact...),
		Prefixes: append([]string(nil), f.Prefixes...),
	}
	for _, p := range prefixes {
		out.Prefixes = appendUnique(out.Prefixes, p)
	}
	return out, nil
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

// AxisFilter narrows events along the Three-Axis classification (plus trade).
// Empty fields do not constrain.
type AxisFilter struct {
	WorkCategoryCode string
	StageCode        string
	LocationID       string
	Trade            string
}

// Matches reports whether the event satisfies every set axis.
func (a AxisFilter) Matches(e ActivityEvent) bool {
	if a.WorkCategoryCode != "" && e.WorkCategoryCode != a.WorkCategoryCode {
		return false
	}
	if a.StageCode != "" && e.StageCode != a.StageCode {
		return false
	}
	if a.LocationID != "" && e.LocationID != a.LocationID {
		return false
	}
	if a.Trade != "" && e.Trade != a.Trade {
		return false
	}
	return true
}
