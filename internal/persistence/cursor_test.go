package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/activitylog/internal/domain"
)

func TestNormalizeCursor(t *testing.T) {
	got, err := NormalizeCursor("")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = NormalizeCursor("  0190F3C2-7B1A-7C3D-8E4F-1234567890AB ")
	require.NoError(t, err)
	require.Equal(t, "0190f3c2-7b1a-7c3d-8e4f-1234567890ab", got)

	_, err = NormalizeCursor("not-a-cursor")
	require.ErrorIs(t, err, domain.ErrInvalidCursor)
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `time\_entry.`, EscapeLike("time_entry."))
	require.Equal(t, `a\%b\\c`, EscapeLike(`a%b\c`))
}
