// Package persistence contains helpers shared by event store implementations.
package persistence

import (
	"strings"

	"github.com/google/uuid"

	"example.com/activitylog/internal/domain"
)

// NormalizeCursor validates a cursor token and returns it in canonical form.
// Cursors are the id of the last event on the previous page; an empty token
// means "start from the newest event".
func NormalizeCursor(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	id, err := uuid.Parse(token)
	if err != nil {
		return "", domain.ErrInvalidCursor
	}
	return id.String(), nil
}

// EscapeLike escapes LIKE wildcards so a namespace prefix matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
