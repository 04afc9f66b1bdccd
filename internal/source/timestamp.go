package source

import (
	"fmt"
	"strings"
	"time"
)

// Layouts carrying their own offset.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.9999999 -07:00",
}

// Layouts interpreted in the site timezone.
var localLayouts = []string{
	"02.01.2006 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"2006-01-02 15:04:05.9999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp normalizes a source column value to an absolute instant.
// It accepts driver time values and the string formats seen in the feed,
// including the "DD.MM.YYYY HH:mm" locale form. Nil and empty input yield nil.
func ParseTimestamp(v any, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if t.IsZero() {
			return nil, nil
		}
		// datetime columns arrive as UTC-tagged wall clock; the wall clock is site time
		if t.Location() == time.UTC {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		}
		return &t, nil
	case []byte:
		return parseTimestampString(string(t), loc)
	case string:
		return parseTimestampString(t, loc)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimestampString(s string, loc *time.Location) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}
