package movement

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInstant accepts RFC 3339 text or integer Unix milliseconds.
func ParseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is empty", ErrValidation)
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q is neither RFC 3339 nor unix milliseconds", ErrValidation, raw)
	}
	return t.UTC(), nil
}
