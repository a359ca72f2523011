package reconciler

import (
	"fmt"
	"strings"
	"time"
)

// filedLayouts are the timestamp shapes seen in the status API's "filed" field.
// Layouts without a zone are read as UTC.
var filedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseFiled returns nil for an absent or blank value.
func parseFiled(raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	for _, layout := range filedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC().Truncate(time.Microsecond)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", v)
}
