package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("site", 5*3600)
	want := time.Date(2026, 10, 17, 3, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   any
	}{
		{"locale", "17.10.2026 08:30"},
		{"locale seconds", "17.10.2026 08:30:00"},
		{"rfc3339", "2026-10-17T08:30:00+05:00"},
		{"rfc3339 utc", "2026-10-17T03:30:00Z"},
		{"sql datetime", "2026-10-17 08:30:00"},
		{"sql datetime fraction", "2026-10-17 08:30:00.000"},
		{"bytes", []byte(" 17.10.2026 08:30 ")},
		{"driver wall clock", time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)},
		{"driver offset", time.Date(2026, 10, 17, 8, 30, 0, 0, loc)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestamp(tc.in, loc)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Equal(want), "got %s", got)
		})
	}
}

func TestParseTimestampEmpty(t *testing.T) {
	for _, in := range []any{nil, "", "   ", []byte{}, time.Time{}} {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestParseTimestampInvalid(t *testing.T) {
	_, err := ParseTimestamp("31.31.2026 99:99", time.UTC)
	assert.Error(t, err)
	_, err = ParseTimestamp(42, time.UTC)
	assert.Error(t, err)
}
