package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// textTimeLayout is fixed width so TEXT columns sort chronologically.
const textTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(textTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

// Instants are stored as integer Unix milliseconds so span comparisons are
// numeric.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Truncate reduces t to the store's millisecond granularity.
func Truncate(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}

func nullableMillis(raw sql.NullInt64) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := fromMillis(raw.Int64)
	return &t
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// ValidateCoordinates reports ErrOutOfRange for latitudes outside [-90, 90],
// longitudes outside [-180, 180] and any non-finite value.
func ValidateCoordinates(latitude, longitude float64) error {
	if math.IsNaN(latitude) || math.IsInf(latitude, 0) || latitude < MinLatitude || latitude > MaxLatitude {
		return fmt.Errorf("%w: latitude %v not in [%v, %v]", ErrOutOfRange, latitude, MinLatitude, MaxLatitude)
	}
	if math.IsNaN(longitude) || math.IsInf(longitude, 0) || longitude < MinLongitude || longitude > MaxLongitude {
		return fmt.Errorf("%w: longitude %v not in [%v, %v]", ErrOutOfRange, longitude, MinLongitude, MaxLongitude)
	}
	return nil
}

// ValidateSensor checks the optional readings of a fix: accuracy and speed are
// non-negative, heading is in [0, 360) and every value is finite.
func ValidateSensor(fix *Geolocation) error {
	checks := []struct {
		name  string
		value *float64
		ok    func(float64) bool
		want  string
	}{
		{"altitude", fix.Altitude, func(float64) bool { return true }, "finite"},
		{"altitude accuracy", fix.AltitudeAccuracy, func(v float64) bool { return v >= 0 }, ">= 0"},
		{"speed", fix.Speed, func(v float64) bool { return v >= 0 }, ">= 0"},
		{"heading", fix.Heading, func(v float64) bool { return v >= 0 && v < 360 }, "in [0, 360)"},
	}
	for _, c := range checks {
		if c.value == nil {
			continue
		}
		v := *c.value
		if math.IsNaN(v) || math.IsInf(v, 0) || !c.ok(v) {
			return fmt.Errorf("%w: %s %v not %s", ErrOutOfRange, c.name, v, c.want)
		}
	}
	return nil
}

func nullableFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func floatPtr(raw sql.NullFloat64) *float64 {
	if !raw.Valid {
		return nil
	}
	v := raw.Float64
	return &v
}
